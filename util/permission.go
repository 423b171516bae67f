//go:build !windows

package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnforcePermission removes group and world write access from the directory holding
// file, so other accounts cannot replace what the updater runs from it.
func EnforcePermission(file string) error {
	dirPath := filepath.Dir(file)

	info, err := os.Stat(dirPath)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode&0o022 == 0 {
		return nil
	}
	if err := os.Chmod(dirPath, mode&^0o022); err != nil {
		return fmt.Errorf("restrict %s: %w", dirPath, err)
	}
	return nil
}
