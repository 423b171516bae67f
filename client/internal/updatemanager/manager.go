package updatemanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	uerrors "github.com/srika/srika/client/errors"
	"github.com/srika/srika/client/internal/updatemanager/installer"
	"github.com/srika/srika/client/internal/updatemanager/layout"
	"github.com/srika/srika/client/internal/updatemanager/lock"
	"github.com/srika/srika/client/internal/updatemanager/recovery"
	"github.com/srika/srika/client/internal/updatemanager/releases"
)

// Manager drives updates on behalf of the running application: startup recovery,
// scheduled checks and the handoff to the swap helper.
type Manager struct {
	cfg      Config
	layout   layout.Layout
	pipeline *Pipeline
	recovery *recovery.Inspector
	results  *installer.ResultHandler
	lockOpts []lock.Option

	installedVersion string
	watchPID         int
	onHandoff        func(Outcome)

	triggerCh chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	blocked map[string]struct{}
	running bool
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithInstalledVersion sets the version of the running application
func WithInstalledVersion(v string) ManagerOption {
	return func(m *Manager) { m.installedVersion = v }
}

// WithWatchPID sets the process the swap helper waits for. It defaults to the
// current process, which is only right when the manager runs inside the application.
func WithWatchPID(pid int) ManagerOption {
	return func(m *Manager) { m.watchPID = pid }
}

// WithOnHandoff registers the hook called after the helper took over. It should quit the application.
func WithOnHandoff(fn func(Outcome)) ManagerOption {
	return func(m *Manager) { m.onHandoff = fn }
}

// WithPipeline replaces the pipeline built from the configuration
func WithPipeline(p *Pipeline) ManagerOption {
	return func(m *Manager) { m.pipeline = p }
}

// WithManagerLockOptions passes lock options to recovery
func WithManagerLockOptions(opts ...lock.Option) ManagerOption {
	return func(m *Manager) { m.lockOpts = opts }
}

func NewManager(cfg Config, l layout.Layout, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		cfg:       cfg,
		layout:    l,
		results:   installer.NewResultHandler(l.UpdaterDir()),
		triggerCh: make(chan struct{}, 1),
		blocked:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.pipeline == nil {
		p, err := NewPipeline(cfg, l)
		if err != nil {
			return nil, err
		}
		m.pipeline = p
	}
	m.recovery = recovery.NewInspector(l,
		recovery.WithLockWait(cfg.RecoveryLockWait.Duration, 0),
		recovery.WithLockOptions(m.lockOpts...),
	)
	return m, nil
}

// Subscribe registers a listener for update events
func (m *Manager) Subscribe(fn Listener) {
	m.pipeline.Subscribe(fn)
}

// Startup must run before anything else touches the installation. It restores a
// broken installation, removes leftovers of a finished swap and reports its result.
func (m *Manager) Startup(ctx context.Context) (recovery.Report, error) {
	report, err := m.recovery.Run(ctx)
	if err != nil {
		log.Errorf("startup recovery failed: %v", err)
		m.pipeline.events.publish(errorEvent(err))
		return report, err
	}
	if report.Action == recovery.ActionRestored {
		log.Warnf("installation restored from %s", report.Backup)
	}

	state, err := lock.Inspect(ctx, m.layout.LockFile(), m.lockOpts...)
	if err != nil {
		log.Warnf("failed to inspect update lock: %v", err)
	} else if !state.Live {
		if err := installer.CleanUpHelper(m.layout); err != nil {
			log.Warnf("failed to clean up swap helper: %v", err)
		}
	}

	m.reportPreviousResult()
	return report, nil
}

func (m *Manager) reportPreviousResult() {
	result, found, err := m.results.Consume()
	if err != nil {
		log.Warnf("failed to read previous swap result: %v", err)
		return
	}
	if !found {
		return
	}

	if result.Success {
		log.Infof("previous update to %s succeeded", result.Version)
		m.pipeline.events.publish(completeEvent(result.Version))
		return
	}

	log.Warnf("previous update to %s failed in state %s: %s", result.Version, result.FinalState, result.Error)
	severity := uerrors.FatalAttempt
	if result.Severity == uerrors.FatalInstallation.String() {
		severity = uerrors.FatalInstallation
	} else if result.Severity == uerrors.Retryable.String() {
		severity = uerrors.Retryable
	}
	m.pipeline.events.publish(Event{
		Type:     EventError,
		Version:  result.Version,
		Message:  result.Error,
		Severity: severity,
	})
}

// Start runs scheduled checks until ctx is done, Stop is called or an update was handed off
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		log.Errorf("update manager already started")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.updateLoop(ctx)
}

// Stop ends the scheduler and waits for a running check to finish
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	m.wg.Wait()
}

// TriggerCheck requests an immediate check from the scheduler
func (m *Manager) TriggerCheck() {
	select {
	case m.triggerCh <- struct{}{}:
	default:
	}
}

// CheckNow runs one update attempt against the latest release
func (m *Manager) CheckNow(ctx context.Context) (Outcome, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return Outcome{}, uerrors.NewRetryable("check", fmt.Errorf("%w: check already running", lock.ErrLocked))
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	outcome, err := m.pipeline.Run(ctx, Request{
		InstalledVersion: m.installedVersion,
		WatchPID:         m.watchPID,
		Accept:           m.accept,
	})
	if err != nil && uerrors.SeverityOf(err) != uerrors.Retryable && outcome.Release.Version != "" &&
		!errors.Is(err, ErrUpToDate) && !errors.Is(err, ErrReleaseBlocked) {
		m.block(outcome.Release)
	}
	return outcome, err
}

func (m *Manager) updateLoop(ctx context.Context) {
	defer m.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Minute
	bo.MaxInterval = m.cfg.CheckInterval.Duration
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(m.cfg.InitialDelay.Duration)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-m.triggerCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		outcome, err := m.CheckNow(ctx)
		next := m.cfg.CheckInterval.Duration
		switch {
		case err == nil:
			log.Infof("update to %s handed off", outcome.Release.Version)
			if m.onHandoff != nil {
				m.onHandoff(outcome)
			}
			return
		case errors.Is(err, ErrUpToDate), errors.Is(err, ErrReleaseBlocked):
			log.Debugf("no update to install: %v", err)
			bo.Reset()
		case uerrors.IsRetryable(err):
			next = bo.NextBackOff()
			if next > m.cfg.CheckInterval.Duration || next == backoff.Stop {
				next = m.cfg.CheckInterval.Duration
			}
			log.Infof("update check failed, retrying in %s: %v", next, err)
		default:
			bo.Reset()
			log.Warnf("update attempt failed, not retrying this release: %v", err)
		}

		if ctx.Err() != nil {
			return
		}
		timer.Reset(next)
	}
}

func (m *Manager) accept(desc releases.ReleaseDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocked[blockKey(desc)]; ok {
		return fmt.Errorf("%w: %s (%s)", ErrReleaseBlocked, desc.Version, desc.ExpectedSHA256)
	}
	return nil
}

func (m *Manager) block(desc releases.ReleaseDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Warnf("blocking release %s until it changes", desc.Version)
	m.blocked[blockKey(desc)] = struct{}{}
}

func blockKey(desc releases.ReleaseDescriptor) string {
	return desc.Version + "|" + strings.ToLower(desc.ExpectedSHA256)
}
