// Package main is the entry point for the mcpgate CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcpgate/mcpgate/cmd/mcpgate/app"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

func main() {
	logger.Initialize()

	// Canceled on the first signal; a second signal kills the process the
	// usual way.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
