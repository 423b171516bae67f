package process

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRunning_Self(t *testing.T) {
	running, err := IsRunning(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.True(t, running)
}

func TestIsRunning_InvalidPID(t *testing.T) {
	_, err := IsRunning(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidPID)
}

func TestIsRunning_ExitedProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a unix shell")
	}
	cmd := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())

	running, err := IsRunning(context.Background(), cmd.Process.Pid)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestKill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a unix shell")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	require.NoError(t, Kill(context.Background(), pid))
	_ = cmd.Wait()

	running, err := IsRunning(context.Background(), pid)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestKill_Self(t *testing.T) {
	assert.Error(t, Kill(context.Background(), os.Getpid()))
}
