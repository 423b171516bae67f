package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	uerrors "github.com/srika/srika/client/errors"
	"github.com/srika/srika/client/internal/updatemanager"
	"github.com/srika/srika/client/internal/updatemanager/layout"
	"github.com/srika/srika/util"
)

const (
	rootFlag     = "root"
	configFlag   = "config"
	logLevelFlag = "log-level"
	logFileFlag  = "log-file"
)

// process exit codes
const (
	ExitOK                = 0
	ExitAborted           = 1
	ExitFatalInstallation = 2
)

var (
	rootDir    string
	configPath string
	logLevel   string
	logFile    string
	rootCmd    = &cobra.Command{
		Use:          "srika-updater",
		Short:        "Updates the SRIKA desktop application in place",
		Long:         "Checks for, downloads, verifies and installs SRIKA releases, and restores the installation after an interrupted update.",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, rootFlag, "", "installation root containing current/ (defaults to the parent of the executable's directory)")
	rootCmd.PersistentFlags().StringVarP(&configPath, configFlag, "c", "", "updater config file (defaults to <root>/updater/config.json)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, logLevelFlag, "l", "info", "sets the log level")
	rootCmd.PersistentFlags().StringVar(&logFile, logFileFlag, "console", "sets the log path. If console is specified the log will be output to stdout")

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(versionCmd)
}

// ExitCode maps an error returned by Execute to the process exit status.
// An installation that is already up to date is a success.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, updatemanager.ErrUpToDate):
		return ExitOK
	case uerrors.SeverityOf(err) == uerrors.FatalInstallation:
		return ExitFatalInstallation
	default:
		return ExitAborted
	}
}

// SetupCloseHandler handles SIGTERM signal and exits with success
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(termCh)
		select {
		case <-ctx.Done():
		case <-termCh:
			log.Info("shutdown signal received")
			cancel()
		}
	}()
}

// environment is what every command needs: the installation layout and the updater config
type environment struct {
	layout layout.Layout
	cfg    updatemanager.Config
}

// loadEnvironment applies env overrides, initializes logging and reads the config
func loadEnvironment() (environment, error) {
	util.SetFlagsFromEnvVars(rootCmd)

	if err := util.InitLog(logLevel, logFile); err != nil {
		return environment{}, fmt.Errorf("failed initializing log %v", err)
	}

	root := rootDir
	if root == "" {
		exe, err := os.Executable()
		if err != nil {
			return environment{}, fmt.Errorf("resolve executable: %w", err)
		}
		root = layout.RootFromExecutable(exe)
	}

	l, err := layout.New(root, layout.DefaultEntryPoint())
	if err != nil {
		return environment{}, err
	}

	path := configPath
	if path == "" {
		path = l.ConfigFile()
	}
	cfg, err := updatemanager.LoadConfig(path)
	if err != nil {
		return environment{}, err
	}
	if cfg.LogLevel != "" && !rootCmd.PersistentFlags().Changed(logLevelFlag) {
		if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
			log.SetLevel(lvl)
		}
	}

	if cfg.EntryPoint != "" {
		l, err = layout.New(root, cfg.EntryPoint)
		if err != nil {
			return environment{}, err
		}
	}
	if util.IsAdmin() {
		log.Warnf("running with administrator rights: files written to %s may not be writable by the application", l.Root)
	}
	log.Debugf("installation root %s, entry point %s", l.Root, l.EntryPoint)
	return environment{layout: l, cfg: cfg}, nil
}

// printEvents writes pipeline events to the command output
func printEvents(cmd *cobra.Command) updatemanager.Listener {
	return func(e updatemanager.Event) {
		switch e.Type {
		case updatemanager.EventFound:
			cmd.Printf("Update found: %s\n", e.Version)
		case updatemanager.EventProgress:
			cmd.Printf("[%3d%%] %s\n", e.Percent, e.Status)
		case updatemanager.EventComplete:
			cmd.Printf("Update to %s handed over, the application will restart\n", e.Version)
		case updatemanager.EventError:
			cmd.PrintErrf("Update failed (%s): %s\n", e.Severity, e.Message)
		}
	}
}
