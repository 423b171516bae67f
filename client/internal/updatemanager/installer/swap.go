package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	uerrors "github.com/srika/srika/client/errors"
	"github.com/srika/srika/client/internal/process"
	"github.com/srika/srika/client/internal/updatemanager/integrity"
	"github.com/srika/srika/client/internal/updatemanager/layout"
	"github.com/srika/srika/client/internal/updatemanager/lock"
	"github.com/srika/srika/util"
)

// SwapState is a step of the swap state machine
type SwapState string

const (
	StateWaitingForExit SwapState = "WAITING_FOR_EXIT"
	StateBackup         SwapState = "BACKUP"
	StateSwap           SwapState = "SWAP"
	StateSuccess        SwapState = "SUCCESS"
	StateRelaunch       SwapState = "RELAUNCH"
	StateCleanup        SwapState = "CLEANUP"
	StateFailure        SwapState = "FAILURE"
	StateRollback       SwapState = "ROLLBACK"
	StateAbort          SwapState = "ABORT"
)

const (
	DefaultWaitAttempts = 15
	DefaultWaitInterval = 2 * time.Second
	DefaultKeepBackups  = 1

	versionFileName = "version.txt"
)

var (
	ErrProcessStillRunning = errors.New("watched process did not exit")
	ErrStagingInvalid      = errors.New("staging directory has no valid entry point")
	ErrRollbackFailed      = errors.New("rollback failed")
)

// SwapParams are the inputs of one swap, as passed on the helper command line
type SwapParams struct {
	Version   string
	SessionID string
	PID       int
	Archive   string
	// ArchiveSHA256, when set, is checked against the archive before the swap
	ArchiveSHA256 string
	WaitAttempts  int
	WaitInterval  time.Duration
	KeepBackups   int
}

// SwapOption replaces one of the Swapper's system interactions
type SwapOption func(*Swapper)

func WithRename(fn func(oldpath, newpath string) error) SwapOption {
	return func(s *Swapper) { s.rename = fn }
}

func WithAlive(fn func(ctx context.Context, pid int) bool) SwapOption {
	return func(s *Swapper) { s.alive = fn }
}

func WithKill(fn func(ctx context.Context, pid int) error) SwapOption {
	return func(s *Swapper) { s.kill = fn }
}

func WithLaunch(fn func(path, dir string) error) SwapOption {
	return func(s *Swapper) { s.launch = fn }
}

func WithNow(fn func() time.Time) SwapOption {
	return func(s *Swapper) { s.now = fn }
}

func WithLockOptions(opts ...lock.Option) SwapOption {
	return func(s *Swapper) { s.lockOpts = opts }
}

// Swapper replaces current/ with a staged version. It runs in the detached helper
// process after the application has exited.
type Swapper struct {
	layout  layout.Layout
	params  SwapParams
	results *ResultHandler

	rename   func(oldpath, newpath string) error
	alive    func(ctx context.Context, pid int) bool
	kill     func(ctx context.Context, pid int) error
	launch   func(path, dir string) error
	now      func() time.Time
	lockOpts []lock.Option

	trace  []SwapState
	logger *log.Entry
}

func NewSwapper(l layout.Layout, params SwapParams, opts ...SwapOption) *Swapper {
	if params.WaitAttempts <= 0 {
		params.WaitAttempts = DefaultWaitAttempts
	}
	if params.WaitInterval <= 0 {
		params.WaitInterval = DefaultWaitInterval
	}
	if params.KeepBackups < 0 {
		params.KeepBackups = DefaultKeepBackups
	}
	if params.Archive == "" {
		params.Archive = l.ArchivePath(params.Version)
	}

	s := &Swapper{
		layout:  l,
		params:  params,
		results: NewResultHandler(l.UpdaterDir()),
		rename:  os.Rename,
		alive:   defaultAlive,
		kill:    process.Kill,
		launch:  launchDetached,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trace returns the states visited by the last Run
func (s *Swapper) Trace() []SwapState {
	return append([]SwapState(nil), s.trace...)
}

// Run executes the swap and writes the result file. The returned error carries the
// severity: FatalInstallation means current/ could not be restored.
func (s *Swapper) Run(ctx context.Context) (Result, error) {
	s.trace = nil
	s.logger = log.WithContext(util.WithLogSource(ctx, util.SwapSource)).
		WithField("version", s.params.Version)

	result, err := s.run(ctx)
	result.Version = s.params.Version
	result.ExecutedAt = s.now().UTC()
	if len(s.trace) > 0 {
		result.FinalState = s.trace[len(s.trace)-1]
	}
	if err != nil {
		result.Error = err.Error()
		result.Severity = uerrors.SeverityOf(err).String()
	}

	if writeErr := s.results.Write(result); writeErr != nil {
		s.logger.Errorf("failed to write swap result: %v", writeErr)
	}
	return result, err
}

func (s *Swapper) run(ctx context.Context) (Result, error) {
	lk, err := lock.Adopt(ctx, s.layout.LockFile(), s.params.SessionID, os.Getpid(), s.lockOpts...)
	if err != nil {
		s.enter(StateAbort)
		return Result{}, err
	}

	if err := s.waitForExit(ctx); err != nil {
		return Result{}, s.abort(lk, err, true)
	}

	staging := s.layout.StagingDir(s.params.Version)
	if !s.layout.HasValidEntryPoint(staging) {
		return Result{}, s.abort(lk, uerrors.NewFatalAttempt("swap", fmt.Errorf("%w: %s", ErrStagingInvalid, staging)), true)
	}
	if err := s.verifyArchive(); err != nil {
		return Result{}, s.abort(lk, err, true)
	}

	backup, err := s.backup()
	if err != nil {
		return Result{}, s.abort(lk, err, true)
	}

	s.enter(StateSwap)
	current := s.layout.CurrentDir()
	if err := s.rename(staging, current); err != nil {
		s.logger.Errorf("swap %s -> %s failed: %v", staging, current, err)
		s.enter(StateFailure)
		if rbErr := s.rollback(backup); rbErr != nil {
			s.enter(StateAbort)
			return Result{BackupPath: backup}, rbErr
		}
		if backup == "" {
			// staging is the only runnable copy left
			return Result{}, s.abort(lk, uerrors.NewFatalInstallation("swap", err), false)
		}
		return Result{}, s.abort(lk, uerrors.NewRetryable("swap", err), true)
	}

	s.enter(StateSuccess)
	s.logger.Infof("swapped %s into %s", staging, current)
	s.stampVersion(current)

	result := Result{Success: true, BackupPath: backup}

	s.enter(StateRelaunch)
	entry := s.layout.EntryPointIn(current)
	if err := s.launch(entry, current); err != nil {
		s.logger.Errorf("relaunch %s failed: %v", entry, err)
		result.RelaunchError = err.Error()
	}

	s.enter(StateCleanup)
	if err := s.cleanup(lk, backup); err != nil {
		s.logger.Warnf("cleanup after swap: %v", err)
	}
	return result, nil
}

// verifyArchive hashes the archive again, since it sat on disk between the
// download and the swap. A missing archive is not an error.
func (s *Swapper) verifyArchive() error {
	if s.params.ArchiveSHA256 == "" || s.params.Archive == "" {
		return nil
	}
	if !util.FileExists(s.params.Archive) {
		s.logger.Debugf("archive %s is gone, skipping checksum", s.params.Archive)
		return nil
	}
	if err := integrity.VerifyFile(s.params.Archive, s.params.ArchiveSHA256); err != nil {
		return fmt.Errorf("archive changed after download: %w", err)
	}
	s.logger.Infof("archive %s matches %s", s.params.Archive, s.params.ArchiveSHA256)
	return nil
}

func (s *Swapper) enter(state SwapState) {
	s.trace = append(s.trace, state)
	s.logger.Infof("swap state: %s", state)
}

// waitForExit polls the watched pid and kills it once the attempt bound is reached
func (s *Swapper) waitForExit(ctx context.Context) error {
	s.enter(StateWaitingForExit)
	if s.params.PID <= 0 {
		return nil
	}

	for attempt := 0; attempt < s.params.WaitAttempts; attempt++ {
		if !s.alive(ctx, s.params.PID) {
			s.logger.Infof("process %d exited", s.params.PID)
			return nil
		}
		select {
		case <-ctx.Done():
			return uerrors.NewRetryable("wait for exit", ctx.Err())
		case <-time.After(s.params.WaitInterval):
		}
	}

	s.logger.Warnf("process %d still running after %d attempts, terminating it", s.params.PID, s.params.WaitAttempts)
	if err := s.kill(ctx, s.params.PID); err != nil {
		return uerrors.NewRetryable("wait for exit", fmt.Errorf("kill %d: %w", s.params.PID, err))
	}

	for attempt := 0; attempt < s.params.WaitAttempts; attempt++ {
		if !s.alive(ctx, s.params.PID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return uerrors.NewRetryable("wait for exit", ctx.Err())
		case <-time.After(s.params.WaitInterval):
		}
	}
	return uerrors.NewRetryable("wait for exit", fmt.Errorf("%w: pid %d", ErrProcessStillRunning, s.params.PID))
}

// backup moves current/ aside. A missing current/ is skipped and yields an empty path.
func (s *Swapper) backup() (string, error) {
	s.enter(StateBackup)
	current := s.layout.CurrentDir()

	if _, err := os.Lstat(current); err != nil {
		if os.IsNotExist(err) {
			s.logger.Warnf("%s does not exist, skipping backup", current)
			return "", nil
		}
		return "", uerrors.NewRetryable("backup", err)
	}

	backup := s.layout.NewBackupDir(s.now())
	if err := s.rename(current, backup); err != nil {
		return "", uerrors.NewRetryable("backup", fmt.Errorf("rename %s to %s: %w", current, backup, err))
	}
	s.logger.Infof("backed up %s to %s", current, backup)
	return backup, nil
}

func (s *Swapper) rollback(backup string) error {
	s.enter(StateRollback)
	if backup == "" {
		s.logger.Warnf("no backup to roll back to")
		return nil
	}

	if err := s.rename(backup, s.layout.CurrentDir()); err != nil {
		s.logger.Errorf("rollback from %s failed: %v", backup, err)
		return uerrors.NewFatalInstallation("rollback", fmt.Errorf("%w: %v", ErrRollbackFailed, err))
	}
	s.logger.Infof("restored %s from %s", s.layout.CurrentDir(), backup)
	return nil
}

// abort releases the lock and, if discardStaging, removes the staged files.
// current/ is not touched.
func (s *Swapper) abort(lk *lock.Lock, cause error, discardStaging bool) error {
	s.enter(StateAbort)
	s.logger.Errorf("swap aborted: %v", cause)

	var merr *multierror.Error
	if discardStaging {
		if err := os.RemoveAll(s.layout.StagingDir(s.params.Version)); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("remove staging dir: %w", err))
		}
	} else {
		s.logger.Warnf("keeping %s for recovery", s.layout.StagingDir(s.params.Version))
	}
	if err := removeFile(s.params.Archive); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("remove archive: %w", err))
	}
	if err := lk.Release(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("release lock: %w", err))
	}
	if err := uerrors.FormatErrorOrNil(merr); err != nil {
		s.logger.Warnf("abort cleanup: %v", err)
	}
	return cause
}

func (s *Swapper) cleanup(lk *lock.Lock, backup string) error {
	var merr *multierror.Error
	if err := removeFile(s.params.Archive); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("remove archive: %w", err))
	}
	if err := PruneBackups(s.layout, s.params.KeepBackups, backup); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := lk.Release(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("release lock: %w", err))
	}
	return uerrors.FormatErrorOrNil(merr)
}

func (s *Swapper) stampVersion(current string) {
	if s.params.Version == "" {
		return
	}
	path := filepath.Join(current, versionFileName)
	if err := os.WriteFile(path, []byte(s.params.Version+"\n"), 0o644); err != nil {
		s.logger.Warnf("failed to write %s: %v", path, err)
	}
}

// PruneBackups removes all but the newest keep backups. keepPath is never removed.
func PruneBackups(l layout.Layout, keep int, keepPath string) error {
	backups, err := l.Backups()
	if err != nil {
		return err
	}

	var merr *multierror.Error
	kept := 0
	for _, b := range backups {
		if b.Path == keepPath || kept < keep {
			kept++
			continue
		}
		log.Infof("removing old backup %s", b.Path)
		if err := os.RemoveAll(b.Path); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("remove backup %s: %w", b.Path, err))
		}
	}
	return uerrors.FormatErrorOrNil(merr)
}

func defaultAlive(ctx context.Context, pid int) bool {
	running, err := process.IsRunning(ctx, pid)
	if err != nil {
		log.Debugf("liveness check for pid %d: %v", pid, err)
		return false
	}
	return running
}

// launchDetached starts path with dir as working directory, detached from the helper
func launchDetached(path, dir string) error {
	cmd := exec.Command(path)
	cmd.Dir = dir
	setDetachedProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return err
	}
	log.Infof("relaunched %s with PID %d", path, cmd.Process.Pid)

	if err := cmd.Process.Release(); err != nil {
		log.Warnf("failed to release relaunched process: %v", err)
	}
	return nil
}

func removeFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
