// Package recovery heals an installation whose current/ directory is missing or
// broken by restoring the newest backup. It runs before anything else touches the tree.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	uerrors "github.com/srika/srika/client/errors"
	"github.com/srika/srika/client/internal/updatemanager/layout"
	"github.com/srika/srika/client/internal/updatemanager/lock"
	"github.com/srika/srika/util"
)

const (
	DefaultLockWait     = 30 * time.Second
	defaultPollInterval = 250 * time.Millisecond
)

var (
	// ErrNoBackup means the installation cannot be repaired automatically
	ErrNoBackup = errors.New("installation is broken and no usable backup exists")
	// ErrSwapInProgress is returned when a live swap still holds the lock after the wait bound
	ErrSwapInProgress = errors.New("swap still in progress")
)

// Action is what a recovery run did
type Action int

const (
	ActionNone Action = iota
	ActionRestored
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRestored:
		return "restored"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Report describes the outcome of Run
type Report struct {
	Action      Action
	Backup      string
	Quarantined string
}

// Option configures an Inspector
type Option func(*Inspector)

// WithLockWait bounds how long Run waits for a live swap to finish
func WithLockWait(wait, poll time.Duration) Option {
	return func(i *Inspector) {
		if wait >= 0 {
			i.lockWait = wait
		}
		if poll > 0 {
			i.poll = poll
		}
	}
}

// WithLockOptions passes options to lock inspection
func WithLockOptions(opts ...lock.Option) Option {
	return func(i *Inspector) {
		i.lockOpts = opts
	}
}

// WithClock overrides the time source used to name quarantine directories
func WithClock(now func() time.Time) Option {
	return func(i *Inspector) {
		i.now = now
	}
}

type Inspector struct {
	layout   layout.Layout
	lockWait time.Duration
	poll     time.Duration
	lockOpts []lock.Option
	now      func() time.Time
}

func NewInspector(l layout.Layout, opts ...Option) *Inspector {
	i := &Inspector{
		layout:   l,
		lockWait: DefaultLockWait,
		poll:     defaultPollInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run checks current/ and restores the newest usable backup if it is not runnable.
// Running it again on an unchanged tree is a no-op.
func (i *Inspector) Run(ctx context.Context) (Report, error) {
	logger := log.WithContext(util.WithLogSource(ctx, util.RecoverySource))
	current := i.layout.CurrentDir()

	if i.layout.HasValidEntryPoint(current) {
		logger.Debugf("installation at %s is healthy", current)
		return Report{Action: ActionNone}, nil
	}

	logger.Warnf("installation at %s has no valid entry point", current)

	healed, err := i.waitForSwap(ctx, logger)
	if err != nil {
		return Report{}, err
	}
	if healed {
		logger.Infof("swap in progress finished, installation is healthy")
		return Report{Action: ActionNone}, nil
	}

	// a broken current/ is only moved aside when something can replace it
	backup, err := i.newestUsableBackup(logger)
	if err != nil {
		return Report{}, err
	}

	report := Report{Action: ActionRestored}

	if _, err := os.Lstat(current); err == nil {
		broken := i.layout.NewBrokenDir(i.now())
		logger.Warnf("moving broken installation %s to %s", current, broken)
		if err := os.Rename(current, broken); err != nil {
			return Report{}, uerrors.NewFatalInstallation("recover", fmt.Errorf("quarantine %s: %w", current, err))
		}
		report.Quarantined = broken
	} else if !os.IsNotExist(err) {
		return Report{}, uerrors.NewFatalInstallation("recover", err)
	}

	logger.Infof("restoring backup %s to %s", backup, current)
	if err := os.Rename(backup, current); err != nil {
		return Report{}, uerrors.NewFatalInstallation("recover", fmt.Errorf("restore %s: %w", backup, err))
	}

	report.Backup = backup
	logger.Infof("installation restored from %s", backup)
	return report, nil
}

// waitForSwap waits while a live process holds the lock, since current/ is
// legitimately absent during a swap. It reports whether current/ became valid.
func (i *Inspector) waitForSwap(ctx context.Context, logger *log.Entry) (bool, error) {
	state, err := lock.Inspect(ctx, i.layout.LockFile(), i.lockOpts...)
	if err != nil {
		logger.Warnf("failed to inspect update lock: %v", err)
		return false, nil
	}
	if !state.Live {
		return false, nil
	}

	logger.Infof("update lock held by live pid %d, waiting up to %s", state.Info.PID, i.lockWait)

	deadline := time.NewTimer(i.lockWait)
	defer deadline.Stop()
	ticker := time.NewTicker(i.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, uerrors.NewRetryable("recover", ctx.Err())
		case <-deadline.C:
			if i.layout.HasValidEntryPoint(i.layout.CurrentDir()) {
				return true, nil
			}
			return false, uerrors.NewRetryable("recover", fmt.Errorf("%w: pid %d", ErrSwapInProgress, state.Info.PID))
		case <-ticker.C:
			if i.layout.HasValidEntryPoint(i.layout.CurrentDir()) {
				return true, nil
			}
			st, err := lock.Inspect(ctx, i.layout.LockFile(), i.lockOpts...)
			if err == nil && !st.Live {
				return i.layout.HasValidEntryPoint(i.layout.CurrentDir()), nil
			}
		}
	}
}

func (i *Inspector) newestUsableBackup(logger *log.Entry) (string, error) {
	backups, err := i.layout.Backups()
	if err != nil {
		return "", uerrors.NewFatalInstallation("recover", err)
	}
	for _, b := range backups {
		if i.layout.HasValidEntryPoint(b.Path) {
			return b.Path, nil
		}
		logger.Warnf("skipping backup %s without a valid entry point", b.Path)
	}
	return "", uerrors.NewFatalInstallation("recover", ErrNoBackup)
}
