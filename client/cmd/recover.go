package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/srika/srika/client/internal/updatemanager/recovery"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Restores current/ from the newest backup when it is missing or broken",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := loadEnvironment()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		report, err := recovery.NewInspector(env.layout,
			recovery.WithLockWait(env.cfg.RecoveryLockWait.Duration, 0),
		).Run(ctx)
		if err != nil {
			return err
		}

		switch report.Action {
		case recovery.ActionRestored:
			cmd.Printf("Restored %s from %s\n", env.layout.CurrentDir(), report.Backup)
			if report.Quarantined != "" {
				cmd.Printf("Broken installation moved to %s\n", report.Quarantined)
			}
		default:
			cmd.Println("Installation is healthy")
		}
		return nil
	},
}
