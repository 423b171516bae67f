package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srika/srika/client/internal/updatemanager"
	"github.com/srika/srika/util"
)

func init() {
	daemonCmd.PersistentFlags().IntVar(&watchPID, "pid", 0, "application process the swap helper waits for (defaults to this process)")
	daemonCmd.PersistentFlags().StringVar(&fromVersion, "from", "", "installed version (defaults to current/version.txt)")
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	Short:   "Runs startup recovery and scheduled update checks until an update is handed off",
	Example: "  srika-updater daemon --pid 4242 --from 1.0.0\n  SRIKA_PID=4242 srika-updater daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		util.SetFlagsFromEnvVars(cmd)
		env, err := loadEnvironment()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		var handedOff bool
		manager, err := updatemanager.NewManager(env.cfg, env.layout,
			updatemanager.WithWatchPID(watchPID),
			updatemanager.WithInstalledVersion(fromVersion),
			updatemanager.WithOnHandoff(func(o updatemanager.Outcome) {
				log.Infof("exiting so helper %d can install %s", o.HelperPID, o.Release.Version)
				handedOff = true
				cancel()
			}),
		)
		if err != nil {
			return err
		}
		manager.Subscribe(printEvents(cmd))

		if _, err := manager.Startup(ctx); err != nil {
			return err
		}

		manager.Start(ctx)
		<-ctx.Done()
		manager.Stop()

		if handedOff {
			cmd.Println("Update handed off, exiting")
		}
		return nil
	},
}
