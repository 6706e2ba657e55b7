// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/atlas-cli/cmd"
	"github.com/xkilldash9x/atlas-cli/internal/observability"
)

// Allows mocking os.Exit in tests.
var osExit = os.Exit

// main is the entry point for the atlas CLI application.
func main() {
	// Set up a context that listens for interrupt signals (SIGINT, SIGTERM)
	// so long-running syncs and analyses can shut down gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)

	// Flush buffered log entries before deciding the exit code.
	observability.Sync()

	if err != nil {
		// A canceled context means the user interrupted a run; that is a
		// clean shutdown, not a failure.
		if errors.Is(err, context.Canceled) {
			osExit(0)
			return // Return facilitates testing when osExit is mocked.
		}
		osExit(1)
	}
}
