package util

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	SomeMap   map[string]string `json:"some_map"`
	SomeArray []string          `json:"some_array"`
	SomeField int               `json:"some_field"`
}

func TestWriteJson_ReadJson(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "config.json")
	written := &testConfig{
		SomeMap:   map[string]string{"key1": "value1"},
		SomeArray: []string{"value1", "value2"},
		SomeField: 99,
	}

	require.NoError(t, WriteJson(context.Background(), file, written))

	var read testConfig
	require.NoError(t, ReadJson(file, &read))
	assert.Equal(t, *written, read)

	entries, err := os.ReadDir(filepath.Dir(file))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestWriteJson_CancelledContext(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.json")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, WriteJson(ctx, file, &testConfig{}))
	assert.False(t, FileExists(file))
}

func TestReadJsonWithEnvSub(t *testing.T) {
	t.Setenv("SRIKA_TEST_VALUE", "from-env")
	file := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"some_map":{"k":"{{ .SRIKA_TEST_VALUE }}"},"some_field":3}`), 0o600))

	var read testConfig
	require.NoError(t, ReadJsonWithEnvSub(file, &read))
	assert.Equal(t, "from-env", read.SomeMap["k"])
	assert.Equal(t, 3, read.SomeField)
}

func TestRemoveJson_Missing(t *testing.T) {
	assert.NoError(t, RemoveJson(filepath.Join(t.TempDir(), "absent.json")))
}

func TestCopyFileContents(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	require.NoError(t, CopyFileContents(src, dst, 0o755))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestSetFlagsFromEnvVars(t *testing.T) {
	var level string
	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().StringVar(&level, "log-level", "info", "")

	t.Setenv("SRIKA_LOG_LEVEL", "debug")
	SetFlagsFromEnvVars(cmd)
	assert.Equal(t, "debug", level)
	assert.Equal(t, "SRIKA_LOG_FILE", FlagNameToEnvVar("log-file", EnvPrefix))
}
