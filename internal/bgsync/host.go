package bgsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"tracker-agent/internal/netmon"
	"tracker-agent/internal/observability"
	"tracker-agent/internal/store"
)

// DefaultRegistrationsKey holds the registered tags in the store.
const DefaultRegistrationsKey = "bgsync-registrations"

var errNotRegistered = errors.New("bgsync: not registered")

// Handler runs a fired registration.
type Handler func(ctx context.Context, tag string) error

// LocalHost keeps registrations in the durable store so they outlive the
// process that made them, and fires them when its own monitor goes online.
// A LocalHost with a nil handler only records registrations.
type LocalHost struct {
	store   store.Store
	key     string
	handler Handler
	logger  *slog.Logger

	wg sync.WaitGroup
}

func NewLocalHost(s store.Store, key string, handler Handler, lg *slog.Logger) *LocalHost {
	if key == "" {
		key = DefaultRegistrationsKey
	}
	return &LocalHost{
		store:   s,
		key:     key,
		handler: handler,
		logger:  observability.OrDefault(lg).With("component", "bgsync-host"),
	}
}

func (h *LocalHost) Register(ctx context.Context, tag string) error {
	return h.store.Update(ctx, h.key, func(cur []byte, found bool) ([]byte, error) {
		tags, err := decodeTags(cur, found)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(tags, tag) {
			tags = append(tags, tag)
		}
		return json.Marshal(tags)
	})
}

func (h *LocalHost) Unregister(ctx context.Context, tag string) error {
	err := h.remove(ctx, tag)
	if errors.Is(err, errNotRegistered) {
		return nil
	}
	return err
}

// Registered lists pending tags in registration order.
func (h *LocalHost) Registered(ctx context.Context) ([]string, error) {
	b, found, err := h.store.Get(ctx, h.key)
	if err != nil {
		return nil, err
	}
	return decodeTags(b, found)
}

// Watch fires pending registrations now if m is online, and again on every
// online transition.
func (h *LocalHost) Watch(ctx context.Context, m *netmon.Monitor) {
	m.Subscribe(func(online bool) {
		if online && ctx.Err() == nil {
			h.Fire(ctx)
		}
	})
	if m.Online() {
		h.Fire(ctx)
	}
}

// Run watches m and, while online, also picks up registrations made since
// the last transition every interval. It returns when ctx is done, after
// fired handlers finish.
func (h *LocalHost) Run(ctx context.Context, m *netmon.Monitor, interval time.Duration) {
	h.Watch(ctx, m)
	defer h.Wait()
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if m.Online() {
				h.Fire(ctx)
			}
		}
	}
}

// Fire claims every pending registration and runs its handler in the
// background. A claim removes the registration, so each one fires once even
// when several hosts share the store.
func (h *LocalHost) Fire(ctx context.Context) int {
	if h.handler == nil {
		return 0
	}
	tags, err := h.Registered(ctx)
	if err != nil {
		h.logger.Error("bgsync: read registrations failed", "err", err)
		return 0
	}
	fired := 0
	for _, tag := range tags {
		if err := h.remove(ctx, tag); err != nil {
			if !errors.Is(err, errNotRegistered) {
				h.logger.Error("bgsync: claim failed", "tag", tag, "err", err)
			}
			continue
		}
		fired++
		h.wg.Add(1)
		go func(tag string) {
			defer h.wg.Done()
			if err := h.handler(ctx, tag); err != nil {
				h.logger.Warn("bgsync: sync ended with error", "tag", tag, "err", err)
			}
		}(tag)
	}
	return fired
}

// Wait blocks until every fired handler has returned.
func (h *LocalHost) Wait() { h.wg.Wait() }

func (h *LocalHost) remove(ctx context.Context, tag string) error {
	return h.store.Update(ctx, h.key, func(cur []byte, found bool) ([]byte, error) {
		tags, err := decodeTags(cur, found)
		if err != nil {
			return nil, err
		}
		i := slices.Index(tags, tag)
		if i < 0 {
			return nil, errNotRegistered
		}
		return json.Marshal(slices.Delete(tags, i, i+1))
	})
}

func decodeTags(b []byte, found bool) ([]string, error) {
	if !found || len(b) == 0 {
		return []string{}, nil
	}
	var tags []string
	if err := json.Unmarshal(b, &tags); err != nil {
		return nil, fmt.Errorf("bgsync: decode registrations: %w", err)
	}
	return tags, nil
}

var _ Host = (*LocalHost)(nil)
