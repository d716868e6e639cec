package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tbleier/capgate/cmd"
)

// main is the thin entry point; cmd/capgate carries the full panic
// handling wrapper for release builds.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
