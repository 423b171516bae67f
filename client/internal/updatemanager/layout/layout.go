// Package layout describes the on-disk structure of an installation root.
//
//	<root>/current/              live installation
//	<root>/versions/<v>/         staging directory for version v
//	<root>/versions/<v>.zip      downloaded archive for version v
//	<root>/backup_<millis>/      snapshots of previous installations
//	<root>/update.lock           update session marker
//	<root>/updater/              log, result and config of the updater
//
// All directories live under the same root so every rename stays on one volume.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	currentDirName  = "current"
	versionsDirName = "versions"
	updaterDirName  = "updater"
	backupPrefix    = "backup_"
	brokenPrefix    = "broken_"
	lockFileName    = "update.lock"
	logFileName     = "updater.log"
	resultFileName  = "result.json"
	configFileName  = "config.json"
	versionFileName = "version.txt"
	archiveExt      = ".zip"
)

// DefaultEntryPoint is the executable the installation is launched through
func DefaultEntryPoint() string {
	if runtime.GOOS == "windows" {
		return "SRIKA.exe"
	}
	return "srika"
}

// Layout resolves paths under an installation root
type Layout struct {
	Root       string
	EntryPoint string
}

// New returns a Layout for root. An empty entryPoint selects DefaultEntryPoint.
func New(root, entryPoint string) (Layout, error) {
	if root == "" {
		return Layout{}, fmt.Errorf("installation root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve root %s: %w", root, err)
	}
	if entryPoint == "" {
		entryPoint = DefaultEntryPoint()
	}
	if filepath.IsAbs(entryPoint) || strings.HasPrefix(filepath.Clean(entryPoint), "..") {
		return Layout{}, fmt.Errorf("entry point %q must be relative to the installation", entryPoint)
	}
	return Layout{Root: abs, EntryPoint: filepath.Clean(entryPoint)}, nil
}

// RootFromExecutable derives the installation root from an executable living in <root>/current/
func RootFromExecutable(exe string) string {
	return filepath.Dir(filepath.Dir(exe))
}

func (l Layout) CurrentDir() string  { return filepath.Join(l.Root, currentDirName) }
func (l Layout) VersionsDir() string { return filepath.Join(l.Root, versionsDirName) }
func (l Layout) UpdaterDir() string  { return filepath.Join(l.Root, updaterDirName) }
func (l Layout) LockFile() string    { return filepath.Join(l.Root, lockFileName) }
func (l Layout) LogFile() string     { return filepath.Join(l.UpdaterDir(), logFileName) }
func (l Layout) ResultFile() string  { return filepath.Join(l.UpdaterDir(), resultFileName) }
func (l Layout) ConfigFile() string  { return filepath.Join(l.UpdaterDir(), configFileName) }

// StagingDir is the extraction target for version v
func (l Layout) StagingDir(v string) string {
	return filepath.Join(l.VersionsDir(), v)
}

// ArchivePath is the download target for version v
func (l Layout) ArchivePath(v string) string {
	return filepath.Join(l.VersionsDir(), v+archiveExt)
}

// EntryPointIn returns the entry point path inside dir
func (l Layout) EntryPointIn(dir string) string {
	return filepath.Join(dir, l.EntryPoint)
}

// HasValidEntryPoint reports whether dir contains the entry point as a regular file
func (l Layout) HasValidEntryPoint(dir string) bool {
	info, err := os.Stat(l.EntryPointIn(dir))
	return err == nil && info.Mode().IsRegular()
}

// InstalledVersion reads current/version.txt. It returns an empty string when the file is absent.
func (l Layout) InstalledVersion() (string, error) {
	data, err := os.ReadFile(filepath.Join(l.CurrentDir(), versionFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// NewBackupDir returns a backup path stamped with now that does not exist yet
func (l Layout) NewBackupDir(now time.Time) string {
	return l.uniqueStamped(backupPrefix, now)
}

// NewBrokenDir returns a quarantine path for an invalid current/ directory
func (l Layout) NewBrokenDir(now time.Time) string {
	return l.uniqueStamped(brokenPrefix, now)
}

func (l Layout) uniqueStamped(prefix string, now time.Time) string {
	ts := now.UnixMilli()
	for {
		p := filepath.Join(l.Root, prefix+strconv.FormatInt(ts, 10))
		if _, err := os.Lstat(p); os.IsNotExist(err) {
			return p
		}
		ts++
	}
}

// Backup is a backup_<millis> directory under the root
type Backup struct {
	Path  string
	Stamp int64
}

// Backups lists backup directories, newest first. Names whose suffix is not a
// number sort after all numeric ones, in reverse lexicographic order.
func (l Layout) Backups() ([]Backup, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return nil, fmt.Errorf("read root %s: %w", l.Root, err)
	}

	type candidate struct {
		Backup
		name    string
		numeric bool
	}

	var found []candidate
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) {
			continue
		}
		suffix := strings.TrimPrefix(e.Name(), backupPrefix)
		stamp, parseErr := strconv.ParseInt(suffix, 10, 64)
		found = append(found, candidate{
			Backup:  Backup{Path: filepath.Join(l.Root, e.Name()), Stamp: stamp},
			name:    e.Name(),
			numeric: parseErr == nil,
		})
	}

	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if a.numeric != b.numeric {
			return a.numeric
		}
		if a.numeric && a.Stamp != b.Stamp {
			return a.Stamp > b.Stamp
		}
		return a.name > b.name
	})

	backups := make([]Backup, 0, len(found))
	for _, c := range found {
		backups = append(backups, c.Backup)
	}
	return backups, nil
}
