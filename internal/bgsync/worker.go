package bgsync

import (
	"context"
	"fmt"
	"log/slog"

	"tracker-agent/internal/clock"
	"tracker-agent/internal/delivery"
	"tracker-agent/internal/observability"
	"tracker-agent/internal/queue"
	"tracker-agent/internal/store"
)

type WorkerOptions struct {
	Queue    queue.Options
	Delivery delivery.Config
	// Online is consulted between attempts; nil means always online.
	Online func() bool
	Clock  clock.Clock
	Logger *slog.Logger
}

// Worker is the background drain entry point.
type Worker struct {
	store  store.Store
	sink   delivery.Sink
	opts   WorkerOptions
	logger *slog.Logger
}

func NewWorker(s store.Store, sink delivery.Sink, opts WorkerOptions) *Worker {
	lg := observability.OrDefault(opts.Logger)
	opts.Queue.Clock = clock.OrReal(opts.Clock)
	opts.Queue.Logger = lg
	return &Worker{
		store:  s,
		sink:   sink,
		opts:   opts,
		logger: lg.With("component", "bgsync"),
	}
}

// HandleSync loads the queue fresh from the store and drains it once, until
// it empties or the retry budget runs out.
func (w *Worker) HandleSync(ctx context.Context, tag string) error {
	observability.BackgroundSyncs.WithLabelValues("fired").Inc()

	q := queue.New(w.store, w.opts.Queue)
	if err := q.Load(ctx); err != nil {
		observability.BackgroundSyncs.WithLabelValues("failed").Inc()
		return fmt.Errorf("bgsync: load queue: %w", err)
	}
	w.logger.Info("bgsync: draining", "tag", tag, "queued", q.Len())

	eng := delivery.New(w.opts.Delivery, q, w.sink, w.opts.Online, w.opts.Clock, w.opts.Logger)
	res := eng.Drain(ctx)

	w.logger.Info("bgsync: drain finished",
		"tag", tag, "delivered", res.Delivered, "reason", res.Reason, "remaining", q.Len())
	if err := res.Err(); err != nil {
		observability.BackgroundSyncs.WithLabelValues("failed").Inc()
		return fmt.Errorf("bgsync: %s: %w", tag, err)
	}
	observability.BackgroundSyncs.WithLabelValues("completed").Inc()
	return nil
}
