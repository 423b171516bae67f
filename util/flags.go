package util

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to upper-cased flag names to form their environment variable
const EnvPrefix = "SRIKA_"

// SetFlagsFromEnvVars reads and updates persistent flag values from environment
// variables, e.g. log-level is read from SRIKA_LOG_LEVEL. Flags explicitly set
// on the command line win.
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}

		envName := FlagNameToEnvVar(f.Name, EnvPrefix)
		if value, present := os.LookupEnv(envName); present {
			if err := flags.Set(f.Name, value); err != nil {
				log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envName, err)
			}
		}
	})
}

// FlagNameToEnvVar converts flag name to environment var name adding a prefix,
// replacing dashes and making all uppercase (e.g. log-level is converted to SRIKA_LOG_LEVEL)
func FlagNameToEnvVar(cmdFlag string, prefix string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(cmdFlag, "-", "_"))
}
