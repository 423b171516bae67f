package util

import (
	"bytes"
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomFormatter_Component(t *testing.T) {
	f := &CustomFormatter{TextFormatter: log.TextFormatter{DisableTimestamp: true}, pid: 42}

	logger := log.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetFormatter(f)

	logger.WithContext(WithLogSource(context.Background(), SwapSource)).Info("renamed")

	out := buf.String()
	assert.Contains(t, out, "component=SWAP")
	assert.Contains(t, out, "pid=42")
	assert.Contains(t, out, "renamed")
}

func TestInitLog_InvalidLevel(t *testing.T) {
	require.Error(t, InitLog("loud", "console"))
}
