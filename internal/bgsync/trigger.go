// Package bgsync defers a queue drain to a host-managed background context.
//
// The foreground agent arms a one-shot registration while offline; the host
// fires it once connectivity returns and the worker drains the durable queue
// on its own, sharing nothing with the foreground but the store.
package bgsync

import (
	"context"
	"log/slog"
	"sync"

	"tracker-agent/internal/observability"
)

// DefaultTag names the telemetry drain registration.
const DefaultTag = "telemetry-sync"

// Host schedules named one-shot tasks. Registering an already registered tag
// is a no-op, as is unregistering an unknown one.
type Host interface {
	Register(ctx context.Context, tag string) error
	Unregister(ctx context.Context, tag string) error
}

// Trigger is the foreground side of the registration.
type Trigger struct {
	host   Host
	tag    string
	logger *slog.Logger

	mu    sync.Mutex
	armed bool
}

func NewTrigger(host Host, tag string, lg *slog.Logger) *Trigger {
	if tag == "" {
		tag = DefaultTag
	}
	return &Trigger{
		host:   host,
		tag:    tag,
		logger: observability.OrDefault(lg).With("component", "bgsync"),
	}
}

// Arm registers the sync with the host. Every offline enqueue calls it: the
// host may have fired and dropped an earlier registration while this process
// stayed offline, and registering a pending tag again is a no-op. Failures
// are logged; the next offline enqueue tries again.
func (t *Trigger) Arm(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		return
	}
	if err := t.host.Register(ctx, t.tag); err != nil {
		t.logger.Warn("bgsync: register failed", "tag", t.tag, "err", err)
		return
	}
	if !t.armed {
		observability.BackgroundSyncs.WithLabelValues("registered").Inc()
		t.logger.Info("bgsync: registered", "tag", t.tag)
	}
	t.armed = true
}

// Cancel drops the registration. It always asks the host, since a
// registration may outlive the process that armed it.
func (t *Trigger) Cancel(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		return
	}
	if err := t.host.Unregister(ctx, t.tag); err != nil {
		t.logger.Warn("bgsync: unregister failed", "tag", t.tag, "err", err)
		return
	}
	if t.armed {
		observability.BackgroundSyncs.WithLabelValues("canceled").Inc()
		t.logger.Info("bgsync: canceled", "tag", t.tag)
	}
	t.armed = false
}

func (t *Trigger) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}
