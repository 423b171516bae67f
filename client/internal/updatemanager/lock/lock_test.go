package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uerrors "github.com/srika/srika/client/errors"
)

func aliveSet(pids ...int) Option {
	return WithAliveFunc(func(_ context.Context, pid int) bool {
		for _, p := range pids {
			if p == pid {
				return true
			}
		}
		return false
	})
}

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.lock")

	l, err := Acquire(context.Background(), path, Info{PID: os.Getpid(), SessionID: "s1", TargetVersion: "1.0.1"})
	require.NoError(t, err)

	state, err := Inspect(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, state.Exists)
	assert.True(t, state.Live)
	assert.Equal(t, "s1", state.Info.SessionID)
	assert.Equal(t, "1.0.1", state.Info.TargetVersion)
	assert.False(t, state.Info.StartedAt.IsZero())

	require.NoError(t, l.Release())
	assert.NoFileExists(t, path)
	require.NoError(t, l.Release(), "releasing twice is a no-op")
}

func TestAcquire_LiveHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.lock")
	_, err := Acquire(context.Background(), path, Info{PID: 100, SessionID: "first"}, aliveSet(100))
	require.NoError(t, err)

	_, err = Acquire(context.Background(), path, Info{PID: 200, SessionID: "second"}, aliveSet(100))
	require.ErrorIs(t, err, ErrLocked)
	assert.True(t, uerrors.IsRetryable(err))
}

func TestAcquire_ReclaimsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.lock")
	_, err := Acquire(context.Background(), path, Info{PID: 100, SessionID: "dead"}, aliveSet())
	require.NoError(t, err)

	l, err := Acquire(context.Background(), path, Info{PID: 200, SessionID: "new"}, aliveSet())
	require.NoError(t, err)
	assert.Equal(t, "new", l.Info().SessionID)
}

func TestAcquire_ReclaimsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.lock")
	require.NoError(t, os.WriteFile(path, []byte("12345\n2024-01-01"), 0o644))

	state, err := Inspect(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, state.Exists)
	assert.False(t, state.Valid)
	assert.False(t, state.Live)

	_, err = Acquire(context.Background(), path, Info{PID: os.Getpid(), SessionID: "s"})
	require.NoError(t, err)
}

func TestAcquire_ConcurrentExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.lock")

	const n = 16
	var wg sync.WaitGroup
	var winners, locked atomic.Int32
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := Acquire(context.Background(), path, Info{PID: os.Getpid(), SessionID: fmt.Sprintf("s%d", i)})
			switch {
			case err == nil:
				winners.Add(1)
			case assert.ErrorIs(t, err, ErrLocked):
				locked.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(n-1), locked.Load())

	matches, err := filepath.Glob(path + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files must not be left behind")
}

func TestAcquire_ConcurrentStaleReclaim(t *testing.T) {
	const (
		stalePID   = 999999
		contenders = 8
		iterations = 200
	)
	alive := WithAliveFunc(func(_ context.Context, pid int) bool { return pid != stalePID })

	for i := 0; i < iterations; i++ {
		path := filepath.Join(t.TempDir(), "update.lock")
		_, err := Acquire(context.Background(), path, Info{PID: stalePID, SessionID: "stale"}, aliveSet(stalePID))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var winners atomic.Int32
		start := make(chan struct{})
		for c := 0; c < contenders; c++ {
			wg.Add(1)
			go func(c int) {
				defer wg.Done()
				<-start
				_, err := Acquire(context.Background(), path, Info{PID: os.Getpid(), SessionID: fmt.Sprintf("s%d", c)}, alive)
				if err == nil {
					winners.Add(1)
					return
				}
				assert.ErrorIs(t, err, ErrLocked)
			}(c)
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), winners.Load(), "iteration %d", i)
		state, err := Inspect(context.Background(), path, alive)
		require.NoError(t, err)
		assert.True(t, state.Live)
		assert.NotEqual(t, "stale", state.Info.SessionID)
	}
}

func TestAcquire_GuardHonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.lock")
	g, err := takeGuard(context.Background(), path)
	require.NoError(t, err)
	defer g.release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, path, Info{PID: os.Getpid(), SessionID: "blocked"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, uerrors.IsRetryable(err))
	assert.NoFileExists(t, path)
}

func TestHandoffAndAdopt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.lock")
	l, err := Acquire(context.Background(), path, Info{PID: 100, SessionID: "sess"}, aliveSet(100, 200))
	require.NoError(t, err)

	require.NoError(t, l.Handoff(200))
	state, err := Inspect(context.Background(), path, aliveSet(200))
	require.NoError(t, err)
	assert.Equal(t, 200, state.Info.PID)
	assert.True(t, state.Live)

	adopted, err := Adopt(context.Background(), path, "sess", 300, aliveSet(200, 300))
	require.NoError(t, err)
	assert.Equal(t, 300, adopted.Info().PID)

	_, err = Adopt(context.Background(), path, "other", 400, aliveSet(300, 400))
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, adopted.Release())
	assert.NoFileExists(t, path)
}

func TestAdopt_MissingLockIsRecreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.lock")
	l, err := Adopt(context.Background(), path, "sess", 300, aliveSet(300))
	require.NoError(t, err)
	assert.Equal(t, "sess", l.Info().SessionID)
	assert.FileExists(t, path)
}

func TestRelease_OtherSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.lock")
	l, err := Acquire(context.Background(), path, Info{PID: 100, SessionID: "mine"}, aliveSet())
	require.NoError(t, err)

	_, err = Acquire(context.Background(), path, Info{PID: 200, SessionID: "theirs"}, aliveSet())
	require.NoError(t, err)

	assert.ErrorIs(t, l.Release(), ErrNotOwner)
	assert.FileExists(t, path)
}
