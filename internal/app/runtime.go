// Package app assembles the foreground agent and the background sync worker
// from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"tracker-agent/internal/bgsync"
	"tracker-agent/internal/config"
	"tracker-agent/internal/delivery"
	"tracker-agent/internal/grpcclient"
	"tracker-agent/internal/link"
	"tracker-agent/internal/netmon"
	"tracker-agent/internal/observability"
	"tracker-agent/internal/position"
	"tracker-agent/internal/queue"
	"tracker-agent/internal/store"
	"tracker-agent/internal/tracker"
)

// RunAgent runs the foreground context until ctx is done.
func RunAgent(ctx context.Context, cfg config.Config, lg *slog.Logger) error {
	lg = observability.OrDefault(lg)
	if cfg.ProducerID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("producer id: %w", err)
		}
		cfg.ProducerID = host
	}

	st, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	monitor := netmon.New(false, lg)
	sink, sinkState, closeSink, err := openSink(ctx, cfg, monitor, lg)
	if err != nil {
		return err
	}
	defer closeSink()

	q := queue.New(st, queue.Options{Capacity: cfg.QueueCapacity, Logger: lg})
	if err := q.Load(ctx); err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	engine := delivery.New(deliveryConfig(cfg), q, sink, monitor.Online, nil, lg)

	fixes, err := openFixes(cfg.FixesPath)
	if err != nil {
		return err
	}
	defer fixes.Close()
	provider := position.NewReplay(fixes, cfg.FixInterval)
	defer provider.Close()
	source := position.New(position.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		FixTimeout:        cfg.FixTimeout,
		MinDistanceMeters: cfg.MinDistanceMeters,
	}, provider, nil, lg)

	// The agent only writes registrations; cmd/syncworker fires them.
	trigger := bgsync.NewTrigger(bgsync.NewLocalHost(st, "", nil, lg), cfg.SyncTag, lg)

	tr := tracker.New(q, engine, monitor, source, trigger, lg)
	tr.SetSinkState(sinkState)
	if cfg.MetricsPort != "" {
		go observability.StartMetricsServer(ctx, cfg.MetricsPort, func() any { return tr.Status() }, lg)
	}

	lg.Info("agent: starting",
		"producer", cfg.ProducerID, "store", cfg.Store, "sink", cfg.Sink, "queued", q.Len())
	tr.Start(ctx)
	defer tr.Stop()
	if err := tr.StartTracking(ctx); err != nil {
		if !errors.Is(err, position.ErrPermissionDenied) {
			return err
		}
		lg.Error("agent: position permission denied, delivering queued records only")
	}

	<-ctx.Done()
	lg.Info("agent: shutting down", "queued", q.Len())
	return nil
}

// RunSyncWorker runs the background context until ctx is done: it watches its
// own connectivity and drains the shared queue for every fired registration.
func RunSyncWorker(ctx context.Context, cfg config.Config, lg *slog.Logger) error {
	lg = observability.OrDefault(lg)
	st, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	monitor := netmon.New(false, lg)
	sink, sinkState, closeSink, err := openSink(ctx, cfg, monitor, lg)
	if err != nil {
		return err
	}
	defer closeSink()

	worker := bgsync.NewWorker(st, sink, bgsync.WorkerOptions{
		Queue:    queue.Options{Capacity: cfg.QueueCapacity},
		Delivery: deliveryConfig(cfg),
		Online:   monitor.Online,
		Logger:   lg,
	})
	host := bgsync.NewLocalHost(st, "", worker.HandleSync, lg)

	if cfg.MetricsPort != "" {
		go observability.StartMetricsServer(ctx, cfg.MetricsPort, func() any {
			tags, _ := host.Registered(ctx)
			return map[string]any{"online": monitor.Online(), "sink": sinkState(), "registrations": tags}
		}, lg)
	}

	lg.Info("syncworker: starting", "store", cfg.Store, "sink", cfg.Sink)
	host.Run(ctx, monitor, cfg.DrainInterval)
	lg.Info("syncworker: stopped")
	return nil
}

// OpenStore opens the configured durable store and returns its closer.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, func() error, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(), func() error { return nil }, nil
	case config.StoreRedis:
		r, err := store.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return r, r.Close, nil
	default:
		if dir := filepath.Dir(cfg.StorePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		s, err := store.OpenSQLite(ctx, cfg.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s.Close, nil
	}
}

// openSink builds the configured sink and feeds m from its connectivity. The
// returned state func reports the transport's connection state.
func openSink(ctx context.Context, cfg config.Config, m *netmon.Monitor, lg *slog.Logger) (delivery.Sink, func() string, func() error, error) {
	switch cfg.Sink {
	case config.SinkLink:
		c := link.New(cfg.ProxyAddr, link.Options{
			ProducerID: cfg.ProducerID,
			OnState:    func(online bool) { m.Set(online) },
			Logger:     lg,
		})
		go c.Run(ctx)
		return c, func() string { return c.State().String() }, func() error { return nil }, nil
	default:
		c, err := grpcclient.NewGRPCClient(cfg.GRPCServer, lg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("grpc sink %s: %w", cfg.GRPCServer, err)
		}
		go netmon.WatchGRPC(ctx, c.Conn(), m)
		return c, func() string { return c.Conn().GetState().String() }, c.Close, nil
	}
}

func deliveryConfig(cfg config.Config) delivery.Config {
	return delivery.Config{
		ProducerID:     cfg.ProducerID,
		MaxRetries:     cfg.MaxRetries,
		BackoffBase:    cfg.BackoffBase,
		BackoffCap:     cfg.BackoffCap,
		TickInterval:   cfg.DrainInterval,
		AttemptTimeout: cfg.RequestTimeout,
	}
}

func openFixes(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixes: %w", err)
	}
	return f, nil
}
