// Package installer hands a staged version over to the detached swap helper and
// implements the swap the helper performs.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	uerrors "github.com/srika/srika/client/errors"
	"github.com/srika/srika/client/internal/updatemanager/layout"
	"github.com/srika/srika/util"
)

const helperBaseName = "srika-swap"

// ErrHelperNotFound is returned when no swap helper binary can be located
var ErrHelperNotFound = errors.New("swap helper binary not found")

// HelperBinary is the file name of the swap helper on this platform
func HelperBinary() string {
	if runtime.GOOS == "windows" {
		return helperBaseName + ".exe"
	}
	return helperBaseName
}

// LaunchRequest describes the swap the helper should perform
type LaunchRequest struct {
	Version   string
	SessionID string
	PID       int
	Archive   string
	// ArchiveSHA256 is the digest the archive was verified against
	ArchiveSHA256 string
	WaitAttempts  int
	WaitInterval  time.Duration
	KeepBackups   int
	LogLevel      string
}

// Launcher copies the swap helper out of the installation and starts it detached
type Launcher struct {
	layout     layout.Layout
	helperPath string
	spawn      func(cmd *exec.Cmd) (int, error)
}

// LauncherOption configures a Launcher
type LauncherOption func(*Launcher)

// WithHelperPath sets the helper binary to copy instead of looking it up
func WithHelperPath(path string) LauncherOption {
	return func(l *Launcher) { l.helperPath = path }
}

// WithSpawn replaces process creation
func WithSpawn(fn func(cmd *exec.Cmd) (int, error)) LauncherOption {
	return func(l *Launcher) { l.spawn = fn }
}

func NewLauncher(l layout.Layout, opts ...LauncherOption) *Launcher {
	ln := &Launcher{
		layout: l,
		spawn:  spawnDetached,
	}
	for _, opt := range opts {
		opt(ln)
	}
	return ln
}

// Launch starts the helper and returns its pid. The helper binary is copied to the
// updater directory first, so the swap never renames a directory holding the running helper.
func (ln *Launcher) Launch(ctx context.Context, req LaunchRequest) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, uerrors.NewRetryable("launch helper", err)
	}

	src, err := ln.findHelper()
	if err != nil {
		return 0, uerrors.NewFatalAttempt("launch helper", err)
	}

	dst := filepath.Join(ln.layout.UpdaterDir(), HelperBinary())
	if err := os.MkdirAll(ln.layout.UpdaterDir(), 0o755); err != nil {
		return 0, uerrors.NewRetryable("launch helper", err)
	}
	if err := util.EnforcePermission(dst); err != nil {
		log.Warnf("failed to restrict access to %s: %v", ln.layout.UpdaterDir(), err)
	}
	log.Infof("copying %s to %s", src, dst)
	if err := util.CopyFileContents(src, dst, 0o755); err != nil {
		return 0, uerrors.NewRetryable("launch helper", fmt.Errorf("failed to copy helper binary: %w", err))
	}

	cmd := exec.Command(dst, ln.args(req)...)
	cmd.Dir = ln.layout.UpdaterDir()
	log.Infof("starting swap helper: %s", cmd.String())

	pid, err := ln.spawn(cmd)
	if err != nil {
		return 0, uerrors.NewRetryable("launch helper", err)
	}
	log.Infof("swap helper started with PID %d", pid)
	return pid, nil
}

func (ln *Launcher) args(req LaunchRequest) []string {
	args := []string{
		"--root", ln.layout.Root,
		"--entry", ln.layout.EntryPoint,
		"--version", req.Version,
		"--session", req.SessionID,
		"--pid", strconv.Itoa(req.PID),
		"--log-file", ln.layout.LogFile(),
	}
	if req.Archive != "" {
		args = append(args, "--archive", req.Archive)
	}
	if req.ArchiveSHA256 != "" {
		args = append(args, "--sha256", req.ArchiveSHA256)
	}
	if req.WaitAttempts > 0 {
		args = append(args, "--wait-attempts", strconv.Itoa(req.WaitAttempts))
	}
	if req.WaitInterval > 0 {
		args = append(args, "--wait-interval", req.WaitInterval.String())
	}
	if req.KeepBackups >= 0 {
		args = append(args, "--keep-backups", strconv.Itoa(req.KeepBackups))
	}
	if req.LogLevel != "" {
		args = append(args, "--log-level", req.LogLevel)
	}
	return args
}

// findHelper looks for the helper in current/, then next to the running executable
func (ln *Launcher) findHelper() (string, error) {
	candidates := []string{}
	if ln.helperPath != "" {
		candidates = append(candidates, ln.helperPath)
	}
	candidates = append(candidates, filepath.Join(ln.layout.CurrentDir(), HelperBinary()))
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), HelperBinary()))
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", ErrHelperNotFound, strings.Join(candidates, ", "))
}

// CleanUpHelper removes helper copies and temp files left in the updater directory.
// It must not run while a swap is in progress.
func CleanUpHelper(l layout.Layout) error {
	dir := l.UpdaterDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var merr *multierror.Error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, helperBaseName) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, fmt.Errorf("failed to remove %s: %w", name, err))
			continue
		}
		log.Debugf("removed stale helper %s", name)
	}
	return uerrors.FormatErrorOrNil(merr)
}

// RemoveSelf deletes the running helper binary. Platforms that keep running
// executables locked leave it for CleanUpHelper.
func RemoveSelf() {
	exe, err := os.Executable()
	if err != nil {
		log.Debugf("resolve own executable: %v", err)
		return
	}
	if err := os.Remove(exe); err != nil {
		log.Debugf("could not remove %s, it is cleaned up on next start: %v", exe, err)
	}
}

func spawnDetached(cmd *exec.Cmd) (int, error) {
	// Configure the helper to run in a separate session/process group
	// so it survives the application exiting
	setDetachedProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	// Release the process so the OS can fully detach it
	if err := cmd.Process.Release(); err != nil {
		log.Warnf("failed to release helper process: %v", err)
	}
	return pid, nil
}
