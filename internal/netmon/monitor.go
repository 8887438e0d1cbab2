// Package netmon tracks online/offline state from connectivity events.
// It never polls; sources push transitions with Set.
package netmon

import (
	"log/slog"
	"sync"

	"tracker-agent/internal/observability"
)

type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners []func(online bool)
	logger    *slog.Logger
}

func New(initial bool, lg *slog.Logger) *Monitor {
	m := &Monitor{
		online: initial,
		logger: observability.OrDefault(lg).With("component", "netmon"),
	}
	m.publish(initial)
	return m
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for every future transition. Listeners run on the
// goroutine that called Set, in registration order.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Set records the current state and notifies listeners if it changed.
// It reports whether a transition happened.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	m.publish(online)
	if online {
		m.logger.Info("netmon: online")
	} else {
		m.logger.Warn("netmon: offline")
	}
	for _, fn := range listeners {
		fn(online)
	}
	return true
}

func (m *Monitor) publish(online bool) {
	if online {
		observability.Online.Set(1)
	} else {
		observability.Online.Set(0)
	}
}
