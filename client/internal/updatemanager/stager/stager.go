// Package stager extracts a verified archive into a fresh staging directory.
package stager

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	uerrors "github.com/srika/srika/client/errors"
	"github.com/srika/srika/client/internal/updatemanager/layout"
	"github.com/srika/srika/util"
)

// DefaultMaxUncompressed bounds the total extracted size (2 GiB)
const DefaultMaxUncompressed int64 = 2 << 30

var (
	ErrEmptyArchive        = errors.New("archive is empty")
	ErrUnsafePath          = errors.New("archive entry escapes the staging directory")
	ErrArchiveTooLarge     = errors.New("archive exceeds the uncompressed size limit")
	ErrMissingEntryPoint   = errors.New("entry point missing from archive")
	ErrMissingRequiredPath = errors.New("required path missing from archive")
	ErrInvalidVersion      = errors.New("invalid staging version")
)

// Option configures a Stager
type Option func(*Stager)

// WithRequiredPaths adds paths, relative to the installation, that must exist after extraction
func WithRequiredPaths(paths ...string) Option {
	return func(s *Stager) {
		s.requiredPaths = append(s.requiredPaths, paths...)
	}
}

// WithMaxUncompressed overrides the total extracted size bound
func WithMaxUncompressed(n int64) Option {
	return func(s *Stager) {
		if n > 0 {
			s.maxUncompressed = n
		}
	}
}

type Stager struct {
	layout          layout.Layout
	requiredPaths   []string
	maxUncompressed int64
}

func New(l layout.Layout, opts ...Option) *Stager {
	s := &Stager{
		layout:          l,
		maxUncompressed: DefaultMaxUncompressed,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stage extracts archivePath into versions/<v>/ and validates the result. Any previous
// content of the staging directory is removed first. On failure the staging directory
// is removed again.
func (s *Stager) Stage(ctx context.Context, archivePath, v string) (dir string, err error) {
	if v == "" || v != filepath.Base(v) || v == "." || v == ".." {
		return "", uerrors.NewFatalAttempt("stage", fmt.Errorf("%w: %q", ErrInvalidVersion, v))
	}

	dir = s.layout.StagingDir(v)
	if err := os.RemoveAll(dir); err != nil {
		return "", uerrors.NewRetryable("stage", fmt.Errorf("remove stale staging dir %s: %w", dir, err))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", uerrors.NewRetryable("stage", fmt.Errorf("create staging dir %s: %w", dir, err))
	}

	defer func() {
		if err == nil {
			return
		}
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			err = uerrors.FormatErrorOrNil(multierror.Append(nil, err, fmt.Errorf("remove staging dir: %w", rmErr)))
		}
	}()

	log.Infof("extracting %s to %s", archivePath, dir)
	if err := s.extract(ctx, archivePath, dir); err != nil {
		return "", err
	}

	if err := s.validate(dir); err != nil {
		return "", err
	}

	log.Infof("staged version %s in %s", v, dir)
	return dir, nil
}

func (s *Stager) extract(ctx context.Context, archivePath, dir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		if errors.Is(err, zip.ErrInsecurePath) {
			return uerrors.NewFatalAttempt("stage", fmt.Errorf("%w: %v", ErrUnsafePath, err))
		}
		return uerrors.NewFatalAttempt("stage", fmt.Errorf("open archive: %w", err))
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.Debugf("close archive: %v", err)
		}
	}()

	if len(r.File) == 0 {
		return uerrors.NewFatalAttempt("stage", ErrEmptyArchive)
	}

	prefix := s.strippablePrefix(r.File)
	if prefix != "" {
		log.Debugf("flattening top-level archive directory %s", prefix)
	}

	var total int64
	var files int
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return uerrors.NewRetryable("stage", err)
		}

		name := entryName(f)
		if prefix != "" {
			if name+"/" == prefix {
				continue
			}
			name = strings.TrimPrefix(name, prefix)
		}
		if name == "" || name == "." {
			continue
		}

		target, err := safeJoin(dir, name)
		if err != nil {
			return uerrors.NewFatalAttempt("stage", err)
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return uerrors.NewRetryable("stage", err)
			}
			continue
		case mode&os.ModeSymlink != 0:
			return uerrors.NewFatalAttempt("stage", fmt.Errorf("%w: symlink %s", ErrUnsafePath, f.Name))
		case !mode.IsRegular():
			return uerrors.NewFatalAttempt("stage", fmt.Errorf("unsupported archive entry %s", f.Name))
		}

		n, err := s.extractFile(f, target, s.maxUncompressed-total)
		total += n
		if err != nil {
			return err
		}
		files++
	}

	if files == 0 {
		return uerrors.NewFatalAttempt("stage", ErrEmptyArchive)
	}
	log.Debugf("extracted %d files, %d bytes", files, total)
	return nil
}

func (s *Stager) extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, uerrors.NewRetryable("stage", err)
	}

	src, err := f.Open()
	if err != nil {
		return 0, uerrors.NewFatalAttempt("stage", fmt.Errorf("open entry %s: %w", f.Name, err))
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Debugf("close entry %s: %v", f.Name, err)
		}
	}()

	perm := f.Mode().Perm() | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, uerrors.NewRetryable("stage", err)
	}

	n, copyErr := io.Copy(out, io.LimitReader(src, budget+1))
	closeErr := out.Close()

	switch {
	case n > budget:
		return n, uerrors.NewFatalAttempt("stage", ErrArchiveTooLarge)
	case copyErr != nil:
		return n, uerrors.NewFatalAttempt("stage", fmt.Errorf("extract %s: %w", f.Name, copyErr))
	case closeErr != nil:
		return n, uerrors.NewRetryable("stage", closeErr)
	}
	return n, nil
}

// strippablePrefix returns "<dir>/" when every entry lives under one top-level
// directory and the entry point is not at the archive root.
func (s *Stager) strippablePrefix(files []*zip.File) string {
	entry := filepath.ToSlash(s.layout.EntryPoint)
	top := ""
	for _, f := range files {
		name := entryName(f)
		if name == entry {
			return ""
		}
		first, _, nested := strings.Cut(name, "/")
		if !nested && !f.Mode().IsDir() {
			return ""
		}
		if top == "" {
			top = first
		} else if top != first {
			return ""
		}
	}
	if top == "" || top == "." || top == ".." {
		return ""
	}
	return top + "/"
}

func (s *Stager) validate(dir string) error {
	if !s.layout.HasValidEntryPoint(dir) {
		return uerrors.NewFatalAttempt("stage", fmt.Errorf("%w: %s", ErrMissingEntryPoint, s.layout.EntryPoint))
	}
	for _, p := range s.requiredPaths {
		target, err := safeJoin(dir, p)
		if err != nil {
			return uerrors.NewFatalAttempt("stage", err)
		}
		if !util.FileExists(target) {
			return uerrors.NewFatalAttempt("stage", fmt.Errorf("%w: %s", ErrMissingRequiredPath, p))
		}
	}
	return nil
}

// entryName returns the slash separated, cleaned name of an archive entry
func entryName(f *zip.File) string {
	return strings.TrimPrefix(path.Clean(strings.ReplaceAll(f.Name, `\`, "/")), "/")
}

func safeJoin(dir, name string) (string, error) {
	if filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}
