package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	uerrors "github.com/srika/srika/client/errors"
	"github.com/srika/srika/client/internal/updatemanager/installer"
)

var (
	watchTimeout time.Duration
	watchCmd     = &cobra.Command{
		Use:   "watch",
		Short: "Waits for the swap helper to report the result of an update",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), watchTimeout)
			defer cancel()
			SetupCloseHandler(ctx, cancel)

			result, err := installer.NewResultHandler(env.layout.UpdaterDir()).Watch(ctx)
			if err != nil {
				return fmt.Errorf("wait for swap result: %w", err)
			}
			return reportResult(cmd, result)
		},
	}
)

func init() {
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 5*time.Minute, "maximum time to wait")
}

// reportResult prints a swap result and turns a failed swap into an error carrying its severity
func reportResult(cmd *cobra.Command, result installer.Result) error {
	if result.Success {
		cmd.Printf("Updated to %s\n", result.Version)
		if result.BackupPath != "" {
			cmd.Printf("Previous version kept in %s\n", result.BackupPath)
		}
		if result.RelaunchError != "" {
			cmd.PrintErrf("Relaunch failed: %s\n", result.RelaunchError)
		}
		return nil
	}

	err := fmt.Errorf("update to %s failed in state %s: %s", result.Version, result.FinalState, result.Error)
	if result.Severity == uerrors.FatalInstallation.String() {
		return uerrors.NewFatalInstallation("swap", err)
	}
	return uerrors.NewFatalAttempt("swap", err)
}
