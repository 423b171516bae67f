package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	uerrors "github.com/srika/srika/client/errors"
	"github.com/srika/srika/client/internal/updatemanager/installer"
	"github.com/srika/srika/client/internal/updatemanager/layout"
	"github.com/srika/srika/util"
)

// process exit codes, shared with srika-updater
const (
	ExitOK                = 0
	ExitAborted           = 1
	ExitFatalInstallation = 2
)

type swapFlags struct {
	root         string
	entry        string
	version      string
	session      string
	pid          int
	archive      string
	sha256       string
	waitAttempts int
	waitInterval time.Duration
	keepBackups  int
	logFile      string
	logLevel     string
}

var (
	flags   swapFlags
	rootCmd = &cobra.Command{
		Use:          installer.HelperBinary(),
		Short:        "Swaps a staged SRIKA version into place once the application has exited",
		Long:         "Started by the application after an update was staged. Not meant to be run by hand.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.RunE = swapFunc

	fs := rootCmd.PersistentFlags()
	fs.StringVar(&flags.root, "root", "", "installation root containing current/")
	fs.StringVar(&flags.entry, "entry", layout.DefaultEntryPoint(), "entry point relative to current/")
	fs.StringVar(&flags.version, "version", "", "staged version to swap in")
	fs.StringVar(&flags.session, "session", "", "update session id owning the lock")
	fs.IntVar(&flags.pid, "pid", 0, "process to wait for before swapping")
	fs.StringVar(&flags.archive, "archive", "", "downloaded archive, removed after the swap")
	fs.StringVar(&flags.sha256, "sha256", "", "expected SHA-256 of the archive, checked again before the swap")
	fs.IntVar(&flags.waitAttempts, "wait-attempts", installer.DefaultWaitAttempts, "polls before the watched process is killed")
	fs.DurationVar(&flags.waitInterval, "wait-interval", installer.DefaultWaitInterval, "interval between polls")
	fs.IntVar(&flags.keepBackups, "keep-backups", installer.DefaultKeepBackups, "backups to keep after a successful swap")
	fs.StringVar(&flags.logFile, "log-file", "", "log file, defaults to <root>/updater/updater.log")
	fs.StringVar(&flags.logLevel, "log-level", "info", "sets the log level")

	for _, name := range []string{"root", "version", "session", "pid"} {
		_ = rootCmd.MarkPersistentFlagRequired(name)
	}
}

// ExitCode maps an error returned by Execute to the process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case uerrors.SeverityOf(err) == uerrors.FatalInstallation:
		return ExitFatalInstallation
	default:
		return ExitAborted
	}
}

func swapFunc(cmd *cobra.Command, _ []string) error {
	util.SetFlagsFromEnvVars(rootCmd)

	l, err := layout.New(flags.root, flags.entry)
	if err != nil {
		return err
	}

	logFile := flags.logFile
	if logFile == "" {
		logFile = l.LogFile()
	}
	if err := util.InitLog(flags.logLevel, logFile); err != nil {
		return fmt.Errorf("failed initializing log %v", err)
	}

	if flags.pid <= 0 {
		return errors.New("--pid must be a positive process id")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	setupCloseHandler(ctx, cancel)

	log.Infof("swap helper started for %s (session %s, waiting for pid %d)", flags.version, flags.session, flags.pid)
	swapper := installer.NewSwapper(l, installer.SwapParams{
		Version:       flags.version,
		SessionID:     flags.session,
		PID:           flags.pid,
		Archive:       flags.archive,
		ArchiveSHA256: flags.sha256,
		WaitAttempts:  flags.waitAttempts,
		WaitInterval:  flags.waitInterval,
		KeepBackups:   flags.keepBackups,
	})
	result, err := swapper.Run(ctx)
	removeOwnCopy(l)
	if err != nil {
		log.Errorf("swap failed in state %s: %v", result.FinalState, err)
		return err
	}

	log.Infof("swap to %s finished", flags.version)
	return nil
}

// removeOwnCopy deletes the helper when it runs from the copy in updater/.
// The original shipped in current/ is never touched.
func removeOwnCopy(l layout.Layout) {
	exe, err := os.Executable()
	if err != nil {
		return
	}
	if filepath.Clean(filepath.Dir(exe)) != filepath.Clean(l.UpdaterDir()) {
		return
	}
	installer.RemoveSelf()
}

// a signal must not interrupt a swap half way; it only stops waiting for the watched process
func setupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
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
