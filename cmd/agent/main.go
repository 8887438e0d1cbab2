// Command agent samples positions, queues them durably and delivers them to
// the telemetry sink.
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
		observability.NewLogger().Error("agent: invalid configuration", "err", err)
		os.Exit(2)
	}
	logger := observability.NewLoggerTo(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunAgent(ctx, cfg, logger); err != nil {
		logger.Error("agent: failed", "err", err)
		os.Exit(1)
	}
}
