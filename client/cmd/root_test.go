package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uerrors "github.com/srika/srika/client/errors"
	"github.com/srika/srika/client/internal/updatemanager"
	"github.com/srika/srika/client/internal/updatemanager/installer"
	"github.com/srika/srika/client/internal/updatemanager/layout"
)

func TestInitCommands(t *testing.T) {
	helpFlag := "-h"
	commandArgs := [][]string{{"root", helpFlag}}
	for _, command := range rootCmd.Commands() {
		commandArgs = append(commandArgs, []string{command.Name(), command.Name(), helpFlag})
	}

	for _, args := range commandArgs {
		t.Run(fmt.Sprintf("Testing Command %s", args[0]), func(t *testing.T) {
			defer func() {
				err := recover()
				if err != nil {
					t.Fatalf("got an panic error while running the command: %s -h. Error: %s", args[0], err)
				}
			}()

			rootCmd.SetArgs(args[1:])
			rootCmd.SetOut(io.Discard)
			if err := rootCmd.Execute(); err != nil {
				t.Errorf("expected no error while running %s command, got %v", args[0], err)
				return
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", want: ExitOK},
		{name: "up to date", err: fmt.Errorf("%w: 1.0.0", updatemanager.ErrUpToDate), want: ExitOK},
		{name: "retryable", err: uerrors.NewRetryable("download", io.ErrUnexpectedEOF), want: ExitAborted},
		{name: "untagged", err: io.EOF, want: ExitAborted},
		{name: "fatal installation", err: uerrors.NewFatalInstallation("rollback", io.EOF), want: ExitFatalInstallation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestReportResult(t *testing.T) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	require.NoError(t, reportResult(cmd, installer.Result{Success: true, Version: "1.0.1", BackupPath: "backup_1"}))
	assert.Contains(t, out.String(), "Updated to 1.0.1")

	err := reportResult(cmd, installer.Result{Version: "1.0.1", FinalState: installer.StateAbort, Error: "denied", Severity: uerrors.FatalInstallation.String()})
	require.Error(t, err)
	assert.Equal(t, ExitFatalInstallation, ExitCode(err))

	err = reportResult(cmd, installer.Result{Version: "1.0.1", FinalState: installer.StateAbort, Error: "busy", Severity: uerrors.Retryable.String()})
	require.Error(t, err)
	assert.Equal(t, ExitAborted, ExitCode(err))
}

func TestRecoverCommand(t *testing.T) {
	root := t.TempDir()
	backup := filepath.Join(root, "backup_1700000000000")
	require.NoError(t, os.MkdirAll(backup, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(backup, layout.DefaultEntryPoint()), []byte("app"), 0o755))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"recover", "--root", root})
	t.Cleanup(func() {
		rootDir = ""
		rootCmd.SetOut(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Restored")
	assert.FileExists(t, filepath.Join(root, "current", layout.DefaultEntryPoint()))
}

func TestUpdateWaitRequiresPID(t *testing.T) {
	rootCmd.SetArgs([]string{"update", "--wait", "--root", t.TempDir()})
	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	t.Cleanup(func() {
		rootDir = ""
		waitForResult = false
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--pid")
}
