package errors

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{name: "untagged", err: io.EOF, want: FatalAttempt},
		{name: "retryable", err: NewRetryable("fetch", io.EOF), want: Retryable},
		{name: "wrapped retryable", err: fmt.Errorf("check: %w", NewRetryable("fetch", io.EOF)), want: Retryable},
		{name: "fatal attempt", err: NewFatalAttempt("verify", io.EOF), want: FatalAttempt},
		{
			name: "nested keeps the most severe",
			err:  NewRetryable("outer", fmt.Errorf("x: %w", NewFatalInstallation("rollback", io.EOF))),
			want: FatalInstallation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SeverityOf(tt.err))
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	sentinel := errors.New("stalled")
	err := NewRetryable("download", sentinel)

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, "download: stalled", err.Error())
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(nil))
	assert.NoError(t, NewFatalAttempt("noop", nil))
}

func TestFormatErrorOrNil(t *testing.T) {
	assert.NoError(t, FormatErrorOrNil(nil))

	var merr *multierror.Error
	merr = multierror.Append(merr, errors.New("first"), errors.New("second"))
	err := FormatErrorOrNil(merr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.Contains(t, err.Error(), "* second")
}

func TestSeverity_String(t *testing.T) {
	assert.Equal(t, "retryable", Retryable.String())
	assert.Equal(t, "fatal-attempt", FatalAttempt.String())
	assert.Equal(t, "fatal-installation", FatalInstallation.String())
}
