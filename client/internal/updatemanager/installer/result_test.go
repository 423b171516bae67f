package installer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultHandler_WriteConsume(t *testing.T) {
	rh := NewResultHandler(t.TempDir())

	_, found, err := rh.Consume()
	require.NoError(t, err)
	assert.False(t, found)

	want := Result{Success: true, Version: "1.0.1", FinalState: StateCleanup, ExecutedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, rh.Write(want))

	got, found, err := rh.Consume()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want.Version, got.Version)
	assert.True(t, got.Success)
	assert.True(t, want.ExecutedAt.Equal(got.ExecutedAt))
	assert.NoFileExists(t, rh.Path())
}

func TestResultHandler_Cleanup(t *testing.T) {
	rh := NewResultHandler(t.TempDir())
	assert.NoError(t, rh.Cleanup(), "nothing to remove")

	require.NoError(t, rh.Write(Result{Version: "1.0.1"}))
	require.FileExists(t, rh.Path())
	require.NoError(t, rh.Cleanup())
	assert.NoFileExists(t, rh.Path())
}

func TestResultHandler_Watch(t *testing.T) {
	rh := NewResultHandler(t.TempDir())

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = rh.Write(Result{Success: false, Error: "swap: access denied", Version: "1.0.1", FinalState: StateAbort})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := rh.Watch(ctx)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, StateAbort, result.FinalState)
	assert.NoFileExists(t, rh.Path())
}

func TestResultHandler_WatchExisting(t *testing.T) {
	rh := NewResultHandler(t.TempDir())
	require.NoError(t, rh.Write(Result{Success: true, Version: "2.0.0"}))

	result, err := rh.Watch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", result.Version)
}

func TestResultHandler_WatchCancelled(t *testing.T) {
	rh := NewResultHandler(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := rh.Watch(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
