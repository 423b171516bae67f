package updatemanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	uerrors "github.com/srika/srika/client/errors"
	"github.com/srika/srika/client/internal/updatemanager/downloader"
	"github.com/srika/srika/client/internal/updatemanager/installer"
	"github.com/srika/srika/client/internal/updatemanager/integrity"
	"github.com/srika/srika/client/internal/updatemanager/layout"
	"github.com/srika/srika/client/internal/updatemanager/lock"
	"github.com/srika/srika/client/internal/updatemanager/releases"
	"github.com/srika/srika/client/internal/updatemanager/stager"
	"github.com/srika/srika/util"
	"github.com/srika/srika/version"
)

// overall progress milestones; the download owns 2-85
const (
	progressStart      = 0
	progressDownload   = 2
	progressDownloaded = 85
	progressVerify     = 86
	progressVerified   = 88
	progressExtract    = 90
	progressApply      = 95
	progressRestart    = 99
)

var (
	// ErrUpToDate means there is nothing to install. It is not a failure.
	ErrUpToDate = errors.New("already up to date")
	// ErrDowngrade is returned for a requested version not newer than the installed one
	ErrDowngrade = errors.New("refusing to install a version not newer than the installed one")
	// ErrChecksumConflict is returned when a caller supplied checksum disagrees with the release metadata
	ErrChecksumConflict = errors.New("supplied checksum does not match the release metadata")
	// ErrVersionMismatch is returned when the resolved release is not the requested version
	ErrVersionMismatch = errors.New("resolved release does not match the requested version")
	// ErrReleaseBlocked is returned when a release was refused by Request.Accept
	ErrReleaseBlocked = errors.New("release is blocked")
)

// ReleaseResolver decides which release to install
type ReleaseResolver interface {
	Resolve(ctx context.Context, installed string) (releases.ReleaseDescriptor, error)
	ResolveTag(ctx context.Context, tag string) (releases.ReleaseDescriptor, error)
}

// ArchiveDownloader fetches release archives
type ArchiveDownloader interface {
	ValidateURL(rawURL string) error
	Download(ctx context.Context, rawURL, dst string, pr downloader.ProgressRange, onProgress downloader.ProgressFunc) (downloader.Result, error)
}

// ArchiveStager extracts a verified archive into versions/<v>/
type ArchiveStager interface {
	Stage(ctx context.Context, archivePath, version string) (string, error)
}

// HelperLauncher starts the detached swap helper
type HelperLauncher interface {
	Launch(ctx context.Context, req installer.LaunchRequest) (int, error)
}

// Request are the inputs of one update attempt
type Request struct {
	// TargetVersion pins the release to install; empty selects the latest release
	TargetVersion string
	// DownloadURL overrides the archive url from the release metadata. It must pass the allow-list.
	DownloadURL string
	// ExpectedSHA256 must agree with the checksum published with the release when set
	ExpectedSHA256 string
	// WatchPID is the process the helper waits for; 0 means this process
	WatchPID int
	// InstalledVersion is the running version; empty reads current/version.txt
	InstalledVersion string
	// Accept may veto a resolved release before anything is downloaded
	Accept func(releases.ReleaseDescriptor) error
}

// Outcome describes a finished attempt
type Outcome struct {
	Session   Session
	Release   releases.ReleaseDescriptor
	HelperPID int
}

// Pipeline runs resolve, lock, download, verify, stage and handoff in sequence
type Pipeline struct {
	cfg      Config
	layout   layout.Layout
	resolver ReleaseResolver
	fetcher  ArchiveDownloader
	stager   ArchiveStager
	launcher HelperLauncher
	lockOpts []lock.Option
	events   *eventBus
	now      func() time.Time
}

// PipelineOption replaces a pipeline collaborator
type PipelineOption func(*Pipeline)

func WithResolver(r ReleaseResolver) PipelineOption {
	return func(p *Pipeline) { p.resolver = r }
}

func WithDownloader(d ArchiveDownloader) PipelineOption {
	return func(p *Pipeline) { p.fetcher = d }
}

func WithStager(s ArchiveStager) PipelineOption {
	return func(p *Pipeline) { p.stager = s }
}

func WithLauncher(l HelperLauncher) PipelineOption {
	return func(p *Pipeline) { p.launcher = l }
}

func WithLockOptions(opts ...lock.Option) PipelineOption {
	return func(p *Pipeline) { p.lockOpts = opts }
}

// NewPipeline wires the default collaborators from cfg
func NewPipeline(cfg Config, l layout.Layout, opts ...PipelineOption) (*Pipeline, error) {
	p := &Pipeline{
		cfg:    cfg,
		layout: l,
		events: &eventBus{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.fetcher == nil {
		tlsConfig, err := cfg.TLSConfig()
		if err != nil {
			return nil, err
		}
		p.fetcher = downloader.New(
			downloader.WithAllowedHosts(cfg.AllowedHosts...),
			downloader.WithConnectTimeout(cfg.ConnectTimeout.Duration),
			downloader.WithInactivityTimeout(cfg.InactivityTimeout.Duration),
			downloader.WithMaxRedirects(cfg.MaxRedirects),
			downloader.WithTLSConfig(tlsConfig),
		)
	}
	if p.resolver == nil {
		fetcher, ok := p.fetcher.(releases.Fetcher)
		if !ok {
			return nil, fmt.Errorf("downloader %T cannot fetch release metadata", p.fetcher)
		}
		r, err := releases.New(fetcher,
			releases.WithBaseURL(cfg.APIBaseURL),
			releases.WithRepository(cfg.Repository),
			releases.WithAssetSuffix(cfg.AssetSuffix),
		)
		if err != nil {
			return nil, err
		}
		p.resolver = r
	}
	if p.stager == nil {
		p.stager = stager.New(l, stager.WithRequiredPaths(cfg.RequiredPaths...))
	}
	if p.launcher == nil {
		p.launcher = installer.NewLauncher(l)
	}
	return p, nil
}

// Subscribe registers a listener for pipeline events
func (p *Pipeline) Subscribe(fn Listener) {
	p.events.subscribe(fn)
}

// Run performs one update attempt. On success the helper has been started and owns
// the lock; the caller should exit so the helper can swap. Everything created by a
// failed attempt is removed again and current/ is never touched.
func (p *Pipeline) Run(ctx context.Context, req Request) (Outcome, error) {
	ctx = util.WithLogSource(ctx, util.PipelineSource)
	logger := log.WithContext(ctx)

	outcome, err := p.run(ctx, logger, req)
	if err != nil && !errors.Is(err, ErrUpToDate) && !errors.Is(err, ErrReleaseBlocked) {
		logger.Errorf("update attempt failed (%s): %v", uerrors.SeverityOf(err), err)
		p.events.publish(errorEvent(err))
	}
	return outcome, err
}

func (p *Pipeline) run(ctx context.Context, logger *log.Entry, req Request) (Outcome, error) {
	session := newSession(p.now())
	outcome := Outcome{}

	installed := req.InstalledVersion
	if installed == "" {
		v, err := p.layout.InstalledVersion()
		if err != nil {
			logger.Warnf("failed to read installed version: %v", err)
		}
		installed = v
	}

	if req.TargetVersion != "" && installed != "" {
		if err := checkTarget(req.TargetVersion, installed); err != nil {
			outcome.Session = *session
			return outcome, err
		}
	}

	if err := session.transition(StateResolving); err != nil {
		return outcome, uerrors.NewFatalAttempt("resolve", err)
	}
	desc, err := p.resolve(ctx, req, installed)
	outcome.Release = desc
	if err != nil {
		_ = session.transition(StateAborted)
		outcome.Session = *session
		return outcome, err
	}
	session.TargetVersion = desc.Version
	logger = logger.WithField("version", desc.Version)

	downloadURL := desc.DownloadURL
	if req.DownloadURL != "" {
		downloadURL = req.DownloadURL
	}
	if err := p.fetcher.ValidateURL(downloadURL); err != nil {
		_ = session.transition(StateAborted)
		outcome.Session = *session
		return outcome, err
	}

	p.events.publish(foundEvent(desc.Version))
	p.progress(progressStart, "Preparing update...")

	if err := session.transition(StateLocked); err != nil {
		return outcome, uerrors.NewFatalAttempt("lock", err)
	}
	lk, err := lock.Acquire(ctx, p.layout.LockFile(), lock.Info{
		PID:           os.Getpid(),
		SessionID:     session.ID,
		TargetVersion: desc.Version,
		StartedAt:     session.StartedAt.UTC(),
	}, p.lockOpts...)
	if err != nil {
		_ = session.transition(StateAborted)
		outcome.Session = *session
		return outcome, err
	}
	session.LockOwnerPID = os.Getpid()
	session.ArchivePath = p.layout.ArchivePath(desc.Version)

	helperPID, err := p.install(ctx, logger, session, lk, desc, downloadURL, req)
	if err != nil {
		p.abort(logger, session, lk)
		outcome.Session = *session
		return outcome, err
	}

	session.HelperPID = helperPID
	session.LockOwnerPID = helperPID
	outcome.Session = *session
	outcome.HelperPID = helperPID

	p.progress(progressRestart, "Restarting...")
	p.events.publish(completeEvent(desc.Version))
	logger.Infof("update %s handed to swap helper (pid %d)", desc.Version, helperPID)
	return outcome, nil
}

func (p *Pipeline) resolve(ctx context.Context, req Request, installed string) (releases.ReleaseDescriptor, error) {
	var desc releases.ReleaseDescriptor
	var err error

	if req.TargetVersion != "" {
		desc, err = p.resolver.ResolveTag(ctx, req.TargetVersion)
		if err != nil {
			return releases.ReleaseDescriptor{}, err
		}
		cmp, cmpErr := version.Compare(desc.Version, req.TargetVersion)
		if cmpErr != nil || cmp != 0 {
			return desc, uerrors.NewFatalAttempt("resolve", fmt.Errorf("%w: wanted %s, got %s", ErrVersionMismatch, req.TargetVersion, desc.Version))
		}
		if installed != "" {
			if err := checkTarget(desc.Version, installed); err != nil {
				return desc, err
			}
		}
	} else {
		desc, err = p.resolver.Resolve(ctx, installed)
		if err != nil {
			if errors.Is(err, releases.ErrNoUpdate) {
				return releases.ReleaseDescriptor{}, fmt.Errorf("%w: %v", ErrUpToDate, err)
			}
			return releases.ReleaseDescriptor{}, err
		}
	}

	if req.ExpectedSHA256 != "" {
		supplied, err := integrity.Normalize(req.ExpectedSHA256)
		if err != nil {
			return desc, uerrors.NewFatalAttempt("resolve", err)
		}
		if !strings.EqualFold(supplied, desc.ExpectedSHA256) {
			return desc, uerrors.NewFatalAttempt("resolve", ErrChecksumConflict)
		}
	}

	if req.Accept != nil {
		if err := req.Accept(desc); err != nil {
			return desc, err
		}
	}
	return desc, nil
}

// install downloads, verifies, stages and hands off. It returns the helper pid.
func (p *Pipeline) install(ctx context.Context, logger *log.Entry, session *Session, lk *lock.Lock, desc releases.ReleaseDescriptor, downloadURL string, req Request) (int, error) {
	if err := session.transition(StateDownloading); err != nil {
		return 0, uerrors.NewFatalAttempt("download", err)
	}
	p.progress(progressDownload, "Downloading...")
	res, err := p.fetcher.Download(ctx, downloadURL, session.ArchivePath,
		downloader.ProgressRange{From: progressDownload, To: progressDownloaded},
		func(percent int) { p.progress(percent, "Downloading...") })
	if err != nil {
		return 0, err
	}

	if err := session.transition(StateVerifying); err != nil {
		return 0, uerrors.NewFatalAttempt("verify", err)
	}
	p.progress(progressVerify, "Verifying integrity...")
	if err := integrity.Verify(res.SHA256, desc.ExpectedSHA256); err != nil {
		return 0, err
	}
	p.progress(progressVerified, "Integrity verified")
	logger.Infof("archive %s verified", res.Path)

	if err := session.transition(StateStaging); err != nil {
		return 0, uerrors.NewFatalAttempt("stage", err)
	}
	p.progress(progressExtract, "Extracting...")
	staging, err := p.stager.Stage(ctx, res.Path, desc.Version)
	if err != nil {
		return 0, err
	}
	session.StagingPath = staging

	if err := ctx.Err(); err != nil {
		return 0, uerrors.NewRetryable("handoff", err)
	}
	if err := session.transition(StateHandoff); err != nil {
		return 0, uerrors.NewFatalAttempt("handoff", err)
	}
	p.progress(progressApply, "Applying update...")

	watchPID := req.WatchPID
	if watchPID == 0 {
		watchPID = os.Getpid()
	}
	pid, err := p.launcher.Launch(ctx, installer.LaunchRequest{
		Version:       desc.Version,
		SessionID:     session.ID,
		PID:           watchPID,
		Archive:       res.Path,
		ArchiveSHA256: desc.ExpectedSHA256,
		WaitAttempts:  p.cfg.WaitAttempts,
		WaitInterval:  p.cfg.WaitInterval.Duration,
		KeepBackups:   p.cfg.KeepBackups,
		LogLevel:      p.cfg.LogLevel,
	})
	if err != nil {
		return 0, err
	}

	// the helper adopts the session lock itself if this fails
	if err := lk.Handoff(pid); err != nil {
		logger.Warnf("failed to hand lock to helper %d: %v", pid, err)
	}
	return pid, nil
}

// abort removes the archive, the staging directory and the lock of a failed attempt
func (p *Pipeline) abort(logger *log.Entry, session *Session, lk *lock.Lock) {
	_ = session.transition(StateAborted)

	var merr *multierror.Error
	if session.ArchivePath != "" {
		if err := os.Remove(session.ArchivePath); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, fmt.Errorf("remove archive: %w", err))
		}
	}
	if session.TargetVersion != "" {
		if err := os.RemoveAll(p.layout.StagingDir(session.TargetVersion)); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("remove staging dir: %w", err))
		}
	}
	if err := lk.Release(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("release lock: %w", err))
	}
	if err := uerrors.FormatErrorOrNil(merr); err != nil {
		logger.Warnf("cleanup after aborted update: %v", err)
	}
}

func (p *Pipeline) progress(percent int, status string) {
	p.events.publish(progressEvent(percent, status))
}

// checkTarget refuses targets that are not strictly newer than installed
func checkTarget(target, installed string) error {
	cmp, err := version.Compare(target, installed)
	if err != nil {
		return uerrors.NewFatalAttempt("check version", err)
	}
	if cmp == 0 {
		return fmt.Errorf("%w: %s", ErrUpToDate, installed)
	}
	if cmp < 0 {
		return uerrors.NewFatalAttempt("check version", fmt.Errorf("%w: %s < %s", ErrDowngrade, target, installed))
	}
	return nil
}
