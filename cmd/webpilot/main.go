package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/webpilot/cmd"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

const panicLogFile = "panic.log"

// Define function variables for dependency injection/mocking in tests.
var (
	osWriteFile = os.WriteFile
	// Allows mocking os.Exit in tests.
	osExit  = os.Exit
	execute = cmd.Execute
)

// main is the entry point of the application.
func main() {
	defer handlePanic()

	// Set up a context that listens for interrupt signals (SIGINT, SIGTERM) for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := run(ctx)
	stop()
	observability.Sync()
	osExit(code)
}

func run(ctx context.Context) int {
	err := execute(ctx)
	if err == nil {
		return cmd.ExitSucceeded
	}
	var exitErr *cmd.ExitError
	if !errors.As(err, &exitErr) {
		// Setup failures are logged by Execute; repeat them on stderr for
		// the case where logging went to a file.
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return cmd.ExitCode(err)
}

// handlePanic writes the stack of an unrecovered panic to panic.log and exits 1.
func handlePanic() {
	if r := recover(); r != nil {
		// Ensure logs are flushed before proceeding.
		observability.Sync()

		panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
		if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
			// If logging fails, print to stderr as a fallback.
			fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
			fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
			osExit(1)
			return // Return facilitates testing when osExit is mocked.
		}

		fmt.Fprintf(os.Stderr, "webpilot crashed. Details logged to %s\n", panicLogFile)
		osExit(1)
	}
}
