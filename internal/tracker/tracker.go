// Package tracker wires the position source, queue, delivery engine,
// connectivity monitor and background sync trigger of the foreground agent.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tracker-agent/internal/bgsync"
	"tracker-agent/internal/delivery"
	"tracker-agent/internal/netmon"
	"tracker-agent/internal/observability"
	"tracker-agent/internal/pipeline"
	"tracker-agent/internal/position"
	"tracker-agent/internal/queue"
)

// Status is the observability surface of the agent.
type Status struct {
	QueueLength         int                 `json:"queueLength"`
	LastSampleAt        *time.Time          `json:"lastSampleAt"`
	Online              bool                `json:"online"`
	Permission          position.Permission `json:"permission"`
	Sampling            string              `json:"sampling"`
	Draining            bool                `json:"draining"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
	BackgroundSyncArmed bool                `json:"backgroundSyncArmed"`
	Sink                string              `json:"sink,omitempty"`
}

type Tracker struct {
	queue   *queue.Queue
	engine  *delivery.Engine
	monitor *netmon.Monitor
	source  *position.Source
	trigger *bgsync.Trigger
	logger  *slog.Logger

	mu         sync.Mutex
	ctx        context.Context
	subscribed bool
	started    bool
	sinkState  func() string
}

// New expects engine to have been built over q with monitor.Online as its
// reachability check.
func New(q *queue.Queue, engine *delivery.Engine, monitor *netmon.Monitor, source *position.Source, trigger *bgsync.Trigger, lg *slog.Logger) *Tracker {
	t := &Tracker{
		queue:   q,
		engine:  engine,
		monitor: monitor,
		source:  source,
		trigger: trigger,
		logger:  observability.OrDefault(lg).With("component", "tracker"),
		ctx:     context.Background(),
	}
	source.OnError(func(err error) {
		t.logger.Error("tracker: sampling stopped", "err", err)
	})
	return t
}

// SetSinkState adds the sink transport's connection state to Status.
func (t *Tracker) SetSinkState(fn func() string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinkState = fn
}

// Start begins delivery: the periodic drain, connectivity reactions, and a
// first drain of whatever an earlier run left queued. Calling it again
// before Stop is a no-op.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.ctx = ctx
	if !t.subscribed {
		t.monitor.Subscribe(t.onConnectivity)
		t.subscribed = true
	}
	t.mu.Unlock()

	t.engine.Start(ctx)
	if t.monitor.Online() {
		t.engine.Trigger()
	} else if t.queue.Len() > 0 {
		t.trigger.Arm(ctx)
	}
}

// StartTracking arms the position source. position.ErrPermissionDenied is
// returned wrapped; delivery keeps running either way.
func (t *Tracker) StartTracking(ctx context.Context) error {
	err := t.source.Start(ctx, func(s pipeline.Sample) { t.handleSample(ctx, s) })
	if err != nil {
		return fmt.Errorf("tracker: start tracking: %w", err)
	}
	return nil
}

// StopTracking stops sampling. An in-flight drain is left to finish.
func (t *Tracker) StopTracking() {
	t.source.Stop()
}

// Stop stops sampling and delivery. Start may be called again afterwards.
func (t *Tracker) Stop() {
	t.source.Stop()
	t.engine.Stop()
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()
}

func (t *Tracker) Status() Status {
	st := Status{
		QueueLength:         t.queue.Len(),
		Online:              t.monitor.Online(),
		Permission:          t.source.Permission(),
		Sampling:            t.source.State().String(),
		Draining:            t.engine.Busy(),
		ConsecutiveFailures: t.engine.ConsecutiveFailures(),
		BackgroundSyncArmed: t.trigger.Armed(),
	}
	if at := t.source.LastSampleAt(); !at.IsZero() {
		st.LastSampleAt = &at
	}
	t.mu.Lock()
	sinkState := t.sinkState
	t.mu.Unlock()
	if sinkState != nil {
		st.Sink = sinkState()
	}
	return st
}

func (t *Tracker) handleSample(ctx context.Context, s pipeline.Sample) {
	rec := t.queue.Enqueue(ctx, s)
	t.logger.Debug("tracker: sample queued", "record", rec.ID, "kind", s.Kind)
	if t.monitor.Online() {
		t.engine.Trigger()
		return
	}
	t.trigger.Arm(ctx)
}

func (t *Tracker) onConnectivity(online bool) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()

	if online {
		t.trigger.Cancel(ctx)
		t.engine.Trigger()
		return
	}
	t.trigger.Arm(ctx)
}
