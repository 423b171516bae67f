package version

import (
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// will be replaced with the release version when using goreleaser
var version = "development"

// AppVersion returns the version of the running binary
func AppVersion() string {
	return version
}

// Normalize trims whitespace and a single leading "v"/"V" marker from a release tag
func Normalize(tag string) string {
	tag = strings.TrimSpace(tag)
	if len(tag) > 1 && (tag[0] == 'v' || tag[0] == 'V') {
		return tag[1:]
	}
	return tag
}

// Parse parses a dot separated numeric version. Missing segments count as zero,
// so "1.2" and "1.2.0" are equal.
func Parse(v string) (*goversion.Version, error) {
	parsed, err := goversion.NewVersion(Normalize(v))
	if err != nil {
		return nil, fmt.Errorf("parse version %q: %w", v, err)
	}
	return parsed, nil
}

// Compare returns -1, 0 or 1 when a is lower than, equal to or greater than b
func Compare(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// IsNewer reports whether candidate is strictly greater than installed
func IsNewer(candidate, installed string) (bool, error) {
	cmp, err := Compare(candidate, installed)
	if err != nil {
		return false, err
	}
	return cmp > 0, nil
}
