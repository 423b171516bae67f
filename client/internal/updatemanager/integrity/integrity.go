// Package integrity compares archive digests against the checksum published with a release.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	uerrors "github.com/srika/srika/client/errors"
)

// DigestLength is the length of a hex encoded SHA256 digest
const DigestLength = sha256.Size * 2

var (
	// ErrChecksumMismatch is the sentinel wrapped by every ChecksumError
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrInvalidChecksum is returned when an expected checksum is not a SHA256 hex digest
	ErrInvalidChecksum = errors.New("invalid checksum")
)

// ChecksumError reports a digest that differs from the expected one
type ChecksumError struct {
	Expected string
	Actual   string
	Path     string
}

func (e *ChecksumError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
	}
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// Normalize lower-cases a hex digest and validates its shape
func Normalize(digest string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(digest))
	if len(d) != DigestLength {
		return "", fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidChecksum, DigestLength, len(d))
	}
	if _, err := hex.DecodeString(d); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidChecksum, err)
	}
	return d, nil
}

// Verify compares a computed digest with the expected one, ignoring case.
// Any failure is fatal for the current attempt.
func Verify(computed, expected string) error {
	want, err := Normalize(expected)
	if err != nil {
		return uerrors.NewFatalAttempt("verify checksum", err)
	}
	got, err := Normalize(computed)
	if err != nil {
		return uerrors.NewFatalAttempt("verify checksum", err)
	}
	if got != want {
		return uerrors.NewFatalAttempt("verify checksum", &ChecksumError{Expected: want, Actual: got})
	}
	return nil
}

// VerifyFile hashes path from disk and compares the result with expected
func VerifyFile(path, expected string) error {
	want, err := Normalize(expected)
	if err != nil {
		return uerrors.NewFatalAttempt("verify checksum", err)
	}

	got, err := FileDigest(path)
	if err != nil {
		return uerrors.NewFatalAttempt("verify checksum", err)
	}

	if got != want {
		log.Warnf("checksum mismatch for %s", path)
		return uerrors.NewFatalAttempt("verify checksum", &ChecksumError{Expected: want, Actual: got, Path: path})
	}
	return nil
}

// FileDigest returns the hex encoded SHA256 of the file at path
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Debugf("close %s: %v", path, err)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
