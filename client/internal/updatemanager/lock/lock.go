// Package lock implements the update.lock session marker shared by the
// application and the swap helper.
package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	uerrors "github.com/srika/srika/client/errors"
	"github.com/srika/srika/client/internal/process"
)

var (
	// ErrLocked is returned when a live process holds the lock
	ErrLocked = errors.New("update already in progress")
	// ErrNotOwner is returned when the lock on disk belongs to another session
	ErrNotOwner = errors.New("lock is owned by another session")
)

// Info is the content of the lock file
type Info struct {
	PID           int       `json:"pid"`
	SessionID     string    `json:"session_id"`
	TargetVersion string    `json:"target_version,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// AliveFunc reports whether pid is a running process
type AliveFunc func(ctx context.Context, pid int) bool

func defaultAlive(ctx context.Context, pid int) bool {
	running, err := process.IsRunning(ctx, pid)
	if err != nil {
		log.Debugf("liveness check for pid %d: %v", pid, err)
		return false
	}
	return running
}

// Option configures lock handling
type Option func(*options)

type options struct {
	alive AliveFunc
}

// WithAliveFunc replaces the process liveness check
func WithAliveFunc(fn AliveFunc) Option {
	return func(o *options) {
		o.alive = fn
	}
}

func newOptions(opts []Option) options {
	o := options{alive: defaultAlive}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// State describes what is currently on disk
type State struct {
	Exists bool
	Live   bool
	// Valid is false when the file exists but cannot be parsed
	Valid bool
	Info  Info
}

// Inspect reads the lock at path without modifying it
func Inspect(ctx context.Context, path string, opts ...Option) (State, error) {
	o := newOptions(opts)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("read lock %s: %w", path, err)
	}
	return inspectData(ctx, data, o), nil
}

func inspectData(ctx context.Context, data []byte, o options) State {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil || info.PID <= 0 || info.SessionID == "" {
		return State{Exists: true}
	}
	return State{Exists: true, Valid: true, Info: info, Live: o.alive(ctx, info.PID)}
}

// Lock is a held update lock
type Lock struct {
	path string
	mu   sync.Mutex
	info Info
}

// Acquire creates the lock at path for info. A lock held by a live process yields
// ErrLocked; an unreadable lock or one whose pid is gone is reclaimed. Contenders
// are serialized on the guard file, so a reclaim never removes a lock another
// contender has just created.
func Acquire(ctx context.Context, path string, info Info, opts ...Option) (*Lock, error) {
	o := newOptions(opts)
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return nil, uerrors.NewFatalAttempt("acquire lock", err)
	}

	g, err := takeGuard(ctx, path)
	if err != nil {
		return nil, uerrors.NewRetryable("acquire lock", err)
	}
	defer g.release()

	for attempt := 0; attempt < 3; attempt++ {
		err := createExclusive(path, data)
		if err == nil {
			log.Infof("acquired update lock %s (pid %d, session %s)", path, info.PID, info.SessionID)
			return &Lock{path: path, info: info}, nil
		}
		if !os.IsExist(err) {
			return nil, uerrors.NewRetryable("acquire lock", err)
		}

		existing, readErr := os.ReadFile(path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				continue
			}
			return nil, uerrors.NewRetryable("acquire lock", readErr)
		}

		state := inspectData(ctx, existing, o)
		if state.Live {
			return nil, uerrors.NewRetryable("acquire lock",
				fmt.Errorf("%w: pid %d since %s", ErrLocked, state.Info.PID, state.Info.StartedAt.Format(time.RFC3339)))
		}

		log.Warnf("reclaiming stale update lock %s (pid %d)", path, state.Info.PID)
		if err := removeIfUnchanged(path, existing); err != nil {
			return nil, uerrors.NewRetryable("acquire lock", err)
		}
	}
	return nil, uerrors.NewRetryable("acquire lock", fmt.Errorf("%w: lock kept changing", ErrLocked))
}

// Adopt takes over the lock of sessionID for pid. It is used by the swap helper,
// which inherits the session started by the application. A missing lock is
// recreated; a lock of another live session yields ErrLocked.
func Adopt(ctx context.Context, path, sessionID string, pid int, opts ...Option) (*Lock, error) {
	state, err := Inspect(ctx, path, opts...)
	if err != nil {
		return nil, uerrors.NewRetryable("adopt lock", err)
	}

	if state.Valid && state.Info.SessionID == sessionID {
		l := &Lock{path: path, info: state.Info}
		if err := l.Handoff(pid); err != nil {
			return nil, err
		}
		return l, nil
	}

	if state.Exists {
		log.Warnf("lock %s belongs to session %q, expected %q", path, state.Info.SessionID, sessionID)
	}
	return Acquire(ctx, path, Info{PID: pid, SessionID: sessionID}, opts...)
}

// Info returns the current lock content
func (l *Lock) Info() Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info
}

func (l *Lock) Path() string {
	return l.path
}

// Handoff rewrites the lock so that pid becomes its owner
func (l *Lock) Handoff(pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOwner(); err != nil {
		return err
	}

	info := l.info
	info.PID = pid
	data, err := json.Marshal(info)
	if err != nil {
		return uerrors.NewFatalAttempt("handoff lock", err)
	}
	if err := replace(l.path, data); err != nil {
		return uerrors.NewRetryable("handoff lock", err)
	}
	l.info = info
	log.Infof("update lock handed to pid %d", pid)
	return nil
}

// Release removes the lock if it still belongs to this session
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOwner(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock %s: %w", l.path, err)
	}
	log.Infof("released update lock %s", l.path)
	return nil
}

func (l *Lock) checkOwner() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	var onDisk Info
	if err := json.Unmarshal(data, &onDisk); err != nil || onDisk.SessionID != l.info.SessionID {
		return fmt.Errorf("%w: %s", ErrNotOwner, l.path)
	}
	return nil
}

// createExclusive publishes data at path only if path does not exist. The content is
// written to a private file first and hard-linked into place, so readers never see
// a partially written lock.
func createExclusive(path string, data []byte) error {
	tmp, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			log.Debugf("remove temp lock %s: %v", tmp, err)
		}
	}()

	err = os.Link(tmp, path)
	if err == nil || os.IsExist(err) {
		return err
	}

	// filesystems without hard links
	log.Debugf("hard link unavailable for %s, using exclusive create: %v", path, err)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func replace(path string, data []byte) error {
	tmp, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func writeTemp(path string, data []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func removeIfUnchanged(path string, seen []byte) error {
	current, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !bytes.Equal(current, seen) {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
