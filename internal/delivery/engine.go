// Package delivery drains the telemetry queue into a remote sink, one record
// at a time, with exponential backoff between failed attempts.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tracker-agent/internal/clock"
	"tracker-agent/internal/observability"
	"tracker-agent/internal/pipeline"
	"tracker-agent/internal/queue"
)

// ErrRetryBudgetExhausted is reported when a drain parked after MaxRetries
// failures. Nothing is dropped; the records wait for the next trigger.
var ErrRetryBudgetExhausted = errors.New("delivery: retry budget exhausted")

const (
	DefaultMaxRetries     = 3
	DefaultBackoffBase    = time.Second
	DefaultBackoffCap     = 30 * time.Second
	DefaultTickInterval   = 5 * time.Second
	DefaultAttemptTimeout = 5 * time.Second
)

// Delivery is one attempt to hand a record to the sink. RecordID is stable
// across retries so sinks can deduplicate at-least-once deliveries.
type Delivery struct {
	RecordID string
	Attempt  int // 1 for the first try
	Payload  pipeline.Payload
}

// Sink is the insert-only remote endpoint.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Queue is the part of *queue.Queue the engine drives.
type Queue interface {
	PeekFront() (queue.Record, bool)
	ConfirmDelivered(ctx context.Context, rec queue.Record) bool
	RequeueFront(ctx context.Context, rec queue.Record) queue.Record
}

type Config struct {
	ProducerID     string
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	TickInterval   time.Duration
	AttemptTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	return c
}

// StopReason says why a drain returned.
type StopReason string

const (
	ReasonEmptied              StopReason = "emptied"
	ReasonOffline              StopReason = "offline"
	ReasonRetryBudgetExhausted StopReason = "retry_budget_exhausted"
	ReasonCanceled             StopReason = "canceled"
	ReasonBusy                 StopReason = "busy"
)

type Result struct {
	Delivered int
	Reason    StopReason
}

// Err maps the stop reason onto the package error values.
func (r Result) Err() error {
	switch r.Reason {
	case ReasonRetryBudgetExhausted:
		return ErrRetryBudgetExhausted
	case ReasonCanceled:
		return context.Canceled
	}
	return nil
}

// Engine runs at most one drain at a time. The consecutive-failure counter
// lives here and is reset only when a drain empties the queue.
type Engine struct {
	cfg    Config
	queue  Queue
	sink   Sink
	online func() bool
	clock  clock.Clock
	logger *slog.Logger

	busy atomic.Bool
	wg   sync.WaitGroup

	mu       sync.Mutex
	failures int
	runCtx   context.Context
	cancel   context.CancelFunc
	stopped  bool // set by Stop; Trigger refuses to add drains
}

// New builds an engine. online reports reachability; nil means always online.
func New(cfg Config, q Queue, sink Sink, online func() bool, clk clock.Clock, lg *slog.Logger) *Engine {
	if online == nil {
		online = func() bool { return true }
	}
	return &Engine{
		cfg:    cfg.normalized(),
		queue:  q,
		sink:   sink,
		online: online,
		clock:  clock.OrReal(clk),
		logger: observability.OrDefault(lg).With("component", "delivery"),
		runCtx: context.Background(),
	}
}

// Start runs the periodic drain tick until Stop or ctx is done.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	ticker := e.clock.NewTicker(e.cfg.TickInterval)
	e.mu.Lock()
	e.runCtx, e.cancel = ctx, cancel
	e.stopped = false
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				e.Trigger()
			}
		}
	}()
}

// Stop ends the tick loop, cancels any in-flight drain and waits for it.
// Triggers after Stop are no-ops until the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.stopped = true
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Wait blocks until the tick loop and any triggered drain have returned.
func (e *Engine) Wait() { e.wg.Wait() }

// Trigger starts a background drain if online and none is active. It reports
// whether a drain was started.
func (e *Engine) Trigger() bool {
	if !e.online() {
		return false
	}
	if !e.busy.CompareAndSwap(false, true) {
		return false
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.busy.Store(false)
		return false
	}
	ctx := e.runCtx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.busy.Store(false)
		e.drain(ctx)
	}()
	return true
}

// Drain runs a drain on the caller's goroutine. It returns ReasonBusy
// without doing anything if another drain is active.
func (e *Engine) Drain(ctx context.Context) Result {
	if !e.busy.CompareAndSwap(false, true) {
		return Result{Reason: ReasonBusy}
	}
	defer e.busy.Store(false)
	return e.drain(ctx)
}

// Busy reports whether a drain is active.
func (e *Engine) Busy() bool { return e.busy.Load() }

// ConsecutiveFailures returns the failure counter driving backoff.
func (e *Engine) ConsecutiveFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

func (e *Engine) drain(ctx context.Context) Result {
	res := Result{}
	defer func() {
		observability.Drains.WithLabelValues(string(res.Reason)).Inc()
		e.logger.Debug("delivery: drain finished", "delivered", res.Delivered, "reason", res.Reason)
	}()

	for {
		if ctx.Err() != nil {
			res.Reason = ReasonCanceled
			return res
		}
		if !e.online() {
			res.Reason = ReasonOffline
			return res
		}
		rec, ok := e.queue.PeekFront()
		if !ok {
			e.setFailures(0)
			res.Reason = ReasonEmptied
			return res
		}

		err := e.attempt(ctx, rec)
		if err == nil {
			e.queue.ConfirmDelivered(ctx, rec)
			observability.RecordsDelivered.Inc()
			res.Delivered++
			continue
		}
		if ctx.Err() != nil {
			res.Reason = ReasonCanceled
			return res
		}

		rec = e.queue.RequeueFront(ctx, rec)
		failures := e.incFailures()
		observability.DeliveryFailures.Inc()
		e.logger.Warn("delivery: attempt failed",
			"record", rec.ID, "attempts", rec.AttemptCount, "failures", failures, "err", err)

		if failures >= e.cfg.MaxRetries {
			e.logger.Warn("delivery: retry budget exhausted, parking until next trigger",
				"record", rec.ID, "failures", failures)
			res.Reason = ReasonRetryBudgetExhausted
			return res
		}

		select {
		case <-ctx.Done():
			res.Reason = ReasonCanceled
			return res
		case <-e.clock.After(Backoff(e.cfg.BackoffBase, e.cfg.BackoffCap, failures)):
		}
	}
}

func (e *Engine) attempt(ctx context.Context, rec queue.Record) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	defer observability.ObserveDeliveryLatency(start)
	return e.sink.Deliver(ctx, Delivery{
		RecordID: rec.ID,
		Attempt:  rec.AttemptCount + 1,
		Payload:  pipeline.BuildPayload(e.cfg.ProducerID, rec.Sample),
	})
}

func (e *Engine) incFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures++
	return e.failures
}

func (e *Engine) setFailures(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = n
}
