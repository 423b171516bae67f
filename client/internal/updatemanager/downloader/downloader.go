// Package downloader fetches release metadata and archives from an allow-listed set of hosts.
package downloader

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	uerrors "github.com/srika/srika/client/errors"
	"github.com/srika/srika/version"
)

const (
	userAgent = "SRIKA updater/%s"

	DefaultConnectTimeout    = 15 * time.Second
	DefaultInactivityTimeout = 30 * time.Second
	DefaultMaxRedirects      = 5

	readBufferSize = 32 * 1024
)

var (
	ErrUnauthorizedURL  = errors.New("download url is not allowed")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrStalled          = errors.New("transfer stalled")
	ErrEmptyDownload    = errors.New("empty download")
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")
	ErrResponseTooLarge = errors.New("response exceeds size limit")
	defaultAllowedHosts = []string{"github.com", "githubusercontent.com"}
)

// StatusError reports a non-200 HTTP response
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %d", ErrUnexpectedStatus, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// DefaultAllowedHosts returns a copy of the hosts archives may be fetched from
func DefaultAllowedHosts() []string {
	return append([]string(nil), defaultAllowedHosts...)
}

// ProgressRange maps the 0-100% of a transfer into a slice of the overall progress bar
type ProgressRange struct {
	From int
	To   int
}

// ProgressFunc receives the mapped percentage. It is called only when the integer value changes.
type ProgressFunc func(percent int)

// Result describes a completed download
type Result struct {
	Path   string
	Size   int64
	SHA256 string
}

// Option configures a Downloader
type Option func(*Downloader)

// WithAllowedHosts replaces the host allow-list. A host also admits its subdomains.
func WithAllowedHosts(hosts ...string) Option {
	return func(d *Downloader) {
		d.allowedHosts = normalizeHosts(hosts)
	}
}

// WithConnectTimeout bounds dialing, the TLS handshake and waiting for response headers
func WithConnectTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		if timeout > 0 {
			d.connectTimeout = timeout
		}
	}
}

// WithInactivityTimeout bounds the time between two received chunks
func WithInactivityTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		if timeout > 0 {
			d.inactivityTimeout = timeout
		}
	}
}

// WithMaxRedirects sets the redirect hop limit
func WithMaxRedirects(n int) Option {
	return func(d *Downloader) {
		if n >= 0 {
			d.maxRedirects = n
		}
	}
}

// WithTLSConfig sets the TLS client configuration, e.g. to trust a private CA
func WithTLSConfig(cfg *tls.Config) Option {
	return func(d *Downloader) {
		d.tlsConfig = cfg
	}
}

// Downloader streams HTTPS resources to disk while hashing them
type Downloader struct {
	allowedHosts      []string
	connectTimeout    time.Duration
	inactivityTimeout time.Duration
	maxRedirects      int
	tlsConfig         *tls.Config

	client *http.Client
}

func New(opts ...Option) *Downloader {
	d := &Downloader{
		allowedHosts:      normalizeHosts(defaultAllowedHosts),
		connectTimeout:    DefaultConnectTimeout,
		inactivityTimeout: DefaultInactivityTimeout,
		maxRedirects:      DefaultMaxRedirects,
	}
	for _, opt := range opts {
		opt(d)
	}

	dialer := &net.Dialer{Timeout: d.connectTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   d.connectTimeout,
		ResponseHeaderTimeout: d.connectTimeout,
		TLSClientConfig:       d.tlsConfig,
		ForceAttemptHTTP2:     true,
	}

	d.client = &http.Client{
		Transport:     transport,
		CheckRedirect: d.checkRedirect,
	}
	return d
}

// ValidateURL accepts only https URLs whose host is on the allow-list
func (d *Downloader) ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return uerrors.NewFatalAttempt("validate url", fmt.Errorf("%w: %v", ErrUnauthorizedURL, err))
	}
	return d.validate(u)
}

func (d *Downloader) validate(u *url.URL) error {
	if !strings.EqualFold(u.Scheme, "https") {
		return uerrors.NewFatalAttempt("validate url", fmt.Errorf("%w: scheme %q is not https", ErrUnauthorizedURL, u.Scheme))
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || !d.hostAllowed(host) {
		return uerrors.NewFatalAttempt("validate url", fmt.Errorf("%w: host %q", ErrUnauthorizedURL, host))
	}
	return nil
}

func (d *Downloader) hostAllowed(host string) bool {
	for _, allowed := range d.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (d *Downloader) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > d.maxRedirects {
		return fmt.Errorf("%w: more than %d hops", ErrTooManyRedirects, d.maxRedirects)
	}
	log.Debugf("following redirect to %s", req.URL.Redacted())
	return d.validate(req.URL)
}

// Download fetches rawURL into dst, reporting progress mapped into pr.
// The partial file is removed on any failure.
func (d *Downloader) Download(ctx context.Context, rawURL, dst string, pr ProgressRange, onProgress ProgressFunc) (res Result, err error) {
	if err := d.ValidateURL(rawURL); err != nil {
		return Result{}, err
	}

	log.Debugf("starting download from %s", rawURL)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	resp, err := d.get(ctx, rawURL)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Debugf("error closing response body: %v", cerr)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Result{}, uerrors.NewRetryable("download", fmt.Errorf("create destination dir: %w", err))
	}
	out, err := os.Create(dst)
	if err != nil {
		return Result{}, uerrors.NewRetryable("download", fmt.Errorf("failed to create destination file %q: %w", dst, err))
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = uerrors.NewRetryable("download", fmt.Errorf("close %q: %w", dst, cerr))
		}
		if err != nil {
			if rmErr := os.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Warnf("failed to remove partial download %s: %v", dst, rmErr)
			}
		}
	}()

	hash := sha256.New()
	w := io.MultiWriter(out, hash)
	reporter := newProgressReporter(pr, resp.ContentLength, onProgress)

	watchdog := time.AfterFunc(d.inactivityTimeout, func() {
		cancel(ErrStalled)
	})
	defer watchdog.Stop()

	var written int64
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(d.inactivityTimeout)
			if _, werr := w.Write(buf[:n]); werr != nil {
				return Result{}, uerrors.NewRetryable("download", fmt.Errorf("failed to write response body to file: %w", werr))
			}
			written += int64(n)
			reporter.update(written)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Result{}, d.readError(ctx, rerr)
		}
	}

	if written == 0 {
		return Result{}, uerrors.NewRetryable("download", ErrEmptyDownload)
	}
	if err := out.Sync(); err != nil {
		return Result{}, uerrors.NewRetryable("download", fmt.Errorf("sync %q: %w", dst, err))
	}
	reporter.finish()

	log.Infof("successfully downloaded %d bytes to %s", written, dst)
	return Result{
		Path:   dst,
		Size:   written,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// DownloadToMemory fetches rawURL and returns at most limit bytes. A larger body is an error.
func (d *Downloader) DownloadToMemory(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	if err := d.ValidateURL(rawURL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	resp, err := d.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Debugf("error closing response body: %v", cerr)
		}
	}()

	watchdog := time.AfterFunc(d.inactivityTimeout, func() {
		cancel(ErrStalled)
	})
	defer watchdog.Stop()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, d.readError(ctx, err)
	}
	if int64(len(data)) > limit {
		return nil, uerrors.NewRetryable("download", fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, limit))
	}
	return data, nil
}

func (d *Downloader) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, uerrors.NewFatalAttempt("download", fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, version.AppVersion()))

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrUnauthorizedURL) {
			return nil, uerrors.NewFatalAttempt("download", err)
		}
		return nil, uerrors.NewRetryable("download", fmt.Errorf("failed to perform HTTP request: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Debugf("error closing response body: %v", cerr)
		}
		return nil, uerrors.NewRetryable("download", &StatusError{StatusCode: resp.StatusCode})
	}
	return resp, nil
}

func (d *Downloader) readError(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrStalled) {
		return uerrors.NewRetryable("download", fmt.Errorf("%w: no data for %s", ErrStalled, d.inactivityTimeout))
	}
	return uerrors.NewRetryable("download", fmt.Errorf("failed to read response body: %w", err))
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, ".")))
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}
