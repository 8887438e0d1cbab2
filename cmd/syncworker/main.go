// Command syncworker is the background sync context: it fires deferred
// telemetry drains registered by the agent once connectivity returns.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"tracker-agent/internal/app"
	"tracker-agent/internal/config"
	"tracker-agent/internal/observability"
)

func main() {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		observability.NewLogger().Error("syncworker: invalid configuration", "err", err)
		os.Exit(2)
	}
	logger := observability.NewLoggerTo(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunSyncWorker(ctx, cfg, logger); err != nil {
		logger.Error("syncworker: failed", "err", err)
		os.Exit(1)
	}
}
