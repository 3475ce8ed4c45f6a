package main

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/cmd"
)

// resetMocks restores the original function implementations.
func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
	execute = cmd.Execute
}

func TestRun_ExitCodes(t *testing.T) {
	defer resetMocks()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"succeeded", nil, 0},
		{"failed", &cmd.ExitError{Code: cmd.ExitFailed, Status: schemas.StatusFailed}, 2},
		{"aborted", &cmd.ExitError{Code: cmd.ExitAborted, Status: schemas.StatusAborted}, 3},
		{"setup error", errors.New("chrome not found"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			execute = func(context.Context) error { return tt.err }
			assert.Equal(t, tt.want, run(context.Background()))
		})
	}
}

func TestHandlePanic(t *testing.T) {
	defer resetMocks()

	t.Run("writes the panic log", func(t *testing.T) {
		var (
			written  string
			exitCode = -1
		)
		osWriteFile = func(name string, data []byte, _ os.FileMode) error {
			assert.Equal(t, panicLogFile, name)
			written = string(data)
			return nil
		}
		osExit = func(code int) { exitCode = code }

		func() {
			defer handlePanic()
			panic("boom")
		}()

		assert.Equal(t, 1, exitCode)
		assert.Contains(t, written, "panic: boom")
		assert.Contains(t, written, "goroutine")
	})

	t.Run("log write failure still exits", func(t *testing.T) {
		exitCode := -1
		osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only file system") }
		osExit = func(code int) { exitCode = code }

		func() {
			defer handlePanic()
			panic("boom")
		}()
		assert.Equal(t, 1, exitCode)
	})

	t.Run("no panic is a no-op", func(t *testing.T) {
		osExit = func(int) { require.FailNow(t, "exit should not be called") }
		func() {
			defer handlePanic()
		}()
	})
}
