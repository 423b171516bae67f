package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

const guardPollInterval = 5 * time.Millisecond

// guard serializes lock reclaims between processes. It is an OS advisory lock on
// a sidecar file next to the lock; the sidecar itself is never removed, since
// unlinking it would let two contenders lock different inodes.
type guard struct {
	file *os.File
}

func guardPath(path string) string {
	return path + ".guard"
}

// takeGuard blocks until the guard of path is held or ctx is done
func takeGuard(ctx context.Context, path string) (*guard, error) {
	gp := guardPath(path)
	if err := os.MkdirAll(filepath.Dir(gp), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(gp, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock guard %s: %w", gp, err)
	}

	ticker := time.NewTicker(guardPollInterval)
	defer ticker.Stop()
	for {
		busy, err := tryLockFile(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("lock guard %s: %w", gp, err)
		}
		if !busy {
			return &guard{file: f}, nil
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *guard) release() {
	if err := unlockFile(g.file); err != nil {
		log.Debugf("unlock guard %s: %v", g.file.Name(), err)
	}
	if err := g.file.Close(); err != nil {
		log.Debugf("close guard %s: %v", g.file.Name(), err)
	}
}
