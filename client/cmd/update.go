package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srika/srika/client/internal/updatemanager"
	"github.com/srika/srika/client/internal/updatemanager/installer"
)

var (
	targetVersion string
	downloadURL   string
	expectedHash  string
	watchPID      int
	fromVersion   string
	waitForResult bool
	waitTimeout   time.Duration
	updateCmd     = &cobra.Command{
		Use:   "update",
		Short: "Installs the latest or a specific release",
		Long: "Resolves the release, downloads and verifies the archive, stages it and starts the swap helper. " +
			"The helper replaces the installation once the watched process has exited.",
		Example: "  srika-updater update\n  srika-updater update --to 1.0.1 --pid 4242 --wait",
		RunE:    updateFunc,
	}
)

func init() {
	updateCmd.Flags().StringVar(&targetVersion, "to", "", "release version to install (defaults to the latest release)")
	updateCmd.Flags().StringVar(&downloadURL, "url", "", "archive url overriding the release asset. Must pass the host allow-list")
	updateCmd.Flags().StringVar(&expectedHash, "hash", "", "expected SHA-256 of the archive. Must agree with the release metadata")
	updateCmd.Flags().IntVar(&watchPID, "pid", 0, "process the swap helper waits for before swapping (defaults to this process)")
	updateCmd.Flags().StringVar(&fromVersion, "from", "", "installed version (defaults to current/version.txt)")
	updateCmd.Flags().BoolVar(&waitForResult, "wait", false, "wait for the swap helper and report its result. Requires --pid")
	updateCmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 5*time.Minute, "maximum time to wait for the swap result")
}

func updateFunc(cmd *cobra.Command, _ []string) error {
	if waitForResult && watchPID == 0 {
		return errors.New("--wait requires --pid: the helper cannot swap while this process is running")
	}

	env, err := loadEnvironment()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	SetupCloseHandler(ctx, cancel)

	pipeline, err := updatemanager.NewPipeline(env.cfg, env.layout)
	if err != nil {
		return err
	}
	pipeline.Subscribe(printEvents(cmd))

	// subscribe before the helper starts so its result cannot be missed
	results := installer.NewResultHandler(env.layout.UpdaterDir())
	var watchCh chan watchResult
	if waitForResult {
		if err := results.Cleanup(); err != nil {
			log.Warnf("failed to remove stale swap result: %v", err)
		}
		watchCh = make(chan watchResult, 1)
		watchCtx, watchCancel := context.WithTimeout(ctx, waitTimeout)
		defer watchCancel()
		go func() {
			res, err := results.Watch(watchCtx)
			watchCh <- watchResult{result: res, err: err}
		}()
	}

	outcome, err := pipeline.Run(ctx, updatemanager.Request{
		TargetVersion:    targetVersion,
		DownloadURL:      downloadURL,
		ExpectedSHA256:   expectedHash,
		WatchPID:         watchPID,
		InstalledVersion: fromVersion,
	})
	if errors.Is(err, updatemanager.ErrUpToDate) {
		cmd.Println("Already up to date")
		return nil
	}
	if err != nil {
		return err
	}
	log.Infof("swap helper %d started for %s", outcome.HelperPID, outcome.Release.Version)

	if !waitForResult {
		return nil
	}

	cmd.Printf("Waiting for process %d to exit...\n", watchPID)
	wr := <-watchCh
	if wr.err != nil {
		return fmt.Errorf("wait for swap result: %w", wr.err)
	}
	return reportResult(cmd, wr.result)
}

type watchResult struct {
	result installer.Result
	err    error
}
