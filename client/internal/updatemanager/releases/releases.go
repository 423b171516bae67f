// Package releases resolves the newest published release and the checksum that protects it.
package releases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	uerrors "github.com/srika/srika/client/errors"
	"github.com/srika/srika/client/internal/updatemanager/downloader"
	"github.com/srika/srika/version"
)

const (
	DefaultBaseURL    = "https://api.github.com"
	DefaultRepository = "FrigonF/SRIKA"
	DefaultSuffix     = ".zip"

	// maxMetadataBytes bounds the release metadata document (10 MB)
	maxMetadataBytes = 10 << 20

	assetStateReady = "uploaded"
)

var (
	// ErrNoUpdate is returned when the published release is not newer than the installed one
	ErrNoUpdate = errors.New("no update available")

	ErrMissingChecksum = errors.New("release notes carry no SHA256 checksum")
	ErrNoAsset         = errors.New("release has no matching asset")
	ErrReleaseNotFound = errors.New("release not found")

	checksumPattern = regexp.MustCompile(`SHA256:\s*([a-fA-F0-9]{64})`)
)

// Fetcher loads a bounded document over HTTPS
type Fetcher interface {
	DownloadToMemory(ctx context.Context, rawURL string, limit int64) ([]byte, error)
}

// ReleaseDescriptor is the trusted description of one release. The checksum and
// the download url always come from the same metadata document.
type ReleaseDescriptor struct {
	Version        string
	Tag            string
	DownloadURL    string
	ExpectedSHA256 string
	AssetName      string
	Size           int64
}

type githubRelease struct {
	TagName string        `json:"tag_name"`
	Body    string        `json:"body"`
	Draft   bool          `json:"draft"`
	Assets  []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	State              string `json:"state"`
	Size               int64  `json:"size"`
}

// Option configures a Resolver
type Option func(*Resolver)

// WithBaseURL overrides the API origin, mostly for tests
func WithBaseURL(base string) Option {
	return func(r *Resolver) {
		r.baseURL = strings.TrimRight(base, "/")
	}
}

// WithRepository sets the owner/name repository the releases are published under
func WithRepository(repo string) Option {
	return func(r *Resolver) {
		r.repository = strings.Trim(repo, "/")
	}
}

// WithAssetSuffix sets the file suffix of the release archive
func WithAssetSuffix(suffix string) Option {
	return func(r *Resolver) {
		r.suffix = strings.ToLower(suffix)
	}
}

// Resolver reads release metadata from one fixed origin
type Resolver struct {
	fetcher    Fetcher
	baseURL    string
	repository string
	suffix     string
}

func New(fetcher Fetcher, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		fetcher:    fetcher,
		baseURL:    DefaultBaseURL,
		repository: DefaultRepository,
		suffix:     DefaultSuffix,
	}
	for _, opt := range opts {
		opt(r)
	}

	u, err := url.Parse(r.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse release origin: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("release origin %s must use https", r.baseURL)
	}
	if strings.Count(r.repository, "/") != 1 {
		return nil, fmt.Errorf("repository %q must be in owner/name form", r.repository)
	}
	return r, nil
}

// Resolve returns the latest release if it is newer than installed.
// An empty installed version accepts any release.
func (r *Resolver) Resolve(ctx context.Context, installed string) (ReleaseDescriptor, error) {
	desc, err := r.fetch(ctx, r.releasesURL("latest"))
	if err != nil {
		return ReleaseDescriptor{}, err
	}

	if installed == "" {
		log.Warnf("installed version unknown, accepting release %s", desc.Version)
		return desc, nil
	}

	newer, err := version.IsNewer(desc.Version, installed)
	if err != nil {
		return ReleaseDescriptor{}, uerrors.NewRetryable("resolve release", err)
	}
	if !newer {
		log.Infof("release %s is not newer than installed %s", desc.Version, installed)
		return ReleaseDescriptor{}, ErrNoUpdate
	}

	log.Infof("update found: %s -> %s", installed, desc.Version)
	return desc, nil
}

// ResolveTag returns the release published under tag, trying the v-prefixed form first
func (r *Resolver) ResolveTag(ctx context.Context, tag string) (ReleaseDescriptor, error) {
	v := version.Normalize(tag)
	if v == "" {
		return ReleaseDescriptor{}, uerrors.NewFatalAttempt("resolve release", fmt.Errorf("empty tag"))
	}

	var lastErr error
	for _, candidate := range []string{"v" + v, v} {
		desc, err := r.fetch(ctx, r.releasesURL("tags/"+url.PathEscape(candidate)))
		if err == nil {
			return desc, nil
		}
		lastErr = err

		var statusErr *downloader.StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
			return ReleaseDescriptor{}, err
		}
	}
	return ReleaseDescriptor{}, uerrors.NewRetryable("resolve release", fmt.Errorf("%w: %s: %v", ErrReleaseNotFound, tag, lastErr))
}

func (r *Resolver) releasesURL(suffix string) string {
	return fmt.Sprintf("%s/repos/%s/releases/%s", r.baseURL, r.repository, suffix)
}

func (r *Resolver) fetch(ctx context.Context, u string) (ReleaseDescriptor, error) {
	log.Debugf("fetching release metadata from %s", u)

	data, err := r.fetcher.DownloadToMemory(ctx, u, maxMetadataBytes)
	if err != nil {
		return ReleaseDescriptor{}, uerrors.NewRetryable("resolve release", err)
	}

	var rel githubRelease
	if err := json.Unmarshal(data, &rel); err != nil {
		return ReleaseDescriptor{}, uerrors.NewRetryable("resolve release", fmt.Errorf("decode metadata: %w", err))
	}

	desc, err := r.describe(rel)
	if err != nil {
		return ReleaseDescriptor{}, uerrors.NewRetryable("resolve release", err)
	}
	return desc, nil
}

func (r *Resolver) describe(rel githubRelease) (ReleaseDescriptor, error) {
	if rel.Draft {
		return ReleaseDescriptor{}, fmt.Errorf("release %s is a draft", rel.TagName)
	}

	v := version.Normalize(rel.TagName)
	if _, err := version.Parse(v); err != nil {
		return ReleaseDescriptor{}, fmt.Errorf("release tag %q: %w", rel.TagName, err)
	}

	sum, err := ParseChecksum(rel.Body)
	if err != nil {
		return ReleaseDescriptor{}, err
	}

	asset, ok := r.selectAsset(rel.Assets)
	if !ok {
		return ReleaseDescriptor{}, fmt.Errorf("%w: suffix %s", ErrNoAsset, r.suffix)
	}

	return ReleaseDescriptor{
		Version:        v,
		Tag:            rel.TagName,
		DownloadURL:    asset.BrowserDownloadURL,
		ExpectedSHA256: sum,
		AssetName:      asset.Name,
		Size:           asset.Size,
	}, nil
}

func (r *Resolver) selectAsset(assets []githubAsset) (githubAsset, bool) {
	for _, a := range assets {
		if a.State != assetStateReady || a.BrowserDownloadURL == "" {
			continue
		}
		if strings.HasSuffix(strings.ToLower(a.Name), r.suffix) {
			return a, true
		}
	}
	return githubAsset{}, false
}

// ParseChecksum extracts the first "SHA256: <hex>" digest from release notes
func ParseChecksum(body string) (string, error) {
	m := checksumPattern.FindStringSubmatch(body)
	if m == nil {
		return "", ErrMissingChecksum
	}
	return strings.ToLower(m[1]), nil
}
