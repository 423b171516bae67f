package process

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidPID is returned for pids that can never identify a running process
var ErrInvalidPID = errors.New("invalid pid")

// IsRunning reports whether a process with the given pid currently exists
func IsRunning(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, ErrInvalidPID
	}
	if pid == os.Getpid() {
		return true, nil
	}

	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false, fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !exists {
		return false, nil
	}

	// zombies keep their pid until reaped but hold no files open
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return true, nil
	}
	if isZombie(ctx, p) {
		log.Debugf("pid %d is a zombie, treating as exited", pid)
		return false, nil
	}
	return true, nil
}

// Kill forcibly terminates the process with the given pid. A process that is
// already gone is not an error.
func Kill(ctx context.Context, pid int) error {
	if pid <= 0 {
		return ErrInvalidPID
	}
	if pid == os.Getpid() {
		return fmt.Errorf("refusing to kill own pid %d", pid)
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("open process %d: %w", pid, err)
	}

	if err := p.KillWithContext(ctx); err != nil {
		if running, _ := p.IsRunningWithContext(ctx); !running {
			return nil
		}
		return fmt.Errorf("kill process %d: %w", pid, err)
	}

	log.Infof("killed process %d", pid)
	return nil
}

func isZombie(ctx context.Context, p *process.Process) bool {
	statuses, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return true
		}
	}
	return false
}
