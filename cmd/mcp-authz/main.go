// Package main is the entry point for the mcp-authz server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/giantswarm/mcp-authz/cmd/mcp-authz/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
