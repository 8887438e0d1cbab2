// Package position turns a platform position stream into live samples plus
// fixed-cadence heartbeat samples.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tracker-agent/internal/clock"
	"tracker-agent/internal/observability"
	"tracker-agent/internal/pipeline"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultFixTimeout        = 10 * time.Second
)

var ErrAlreadyArmed = errors.New("position: source already armed")

type State int

const (
	StateIdle State = iota
	StateStarting
	StateArmed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateArmed:
		return "armed"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

type Config struct {
	HeartbeatInterval time.Duration
	FixTimeout        time.Duration
	// MinDistanceMeters > 0 drops live samples closer than this to the
	// previous live sample. Heartbeats are never dropped.
	MinDistanceMeters float64
}

type Source struct {
	cfg      Config
	provider Provider
	clock    clock.Clock
	logger   *slog.Logger

	mu         sync.Mutex
	state      State
	permission Permission
	last       *pipeline.Sample // latest live coordinates
	lastAt     time.Time        // timestamp of the latest emitted sample
	onError    func(error)
	gen        uint64 // bumped by every Start
	cancel     context.CancelFunc
	done       chan struct{}
}

func New(cfg Config, p Provider, clk clock.Clock, lg *slog.Logger) *Source {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = DefaultFixTimeout
	}
	return &Source{
		cfg:        cfg,
		provider:   p,
		clock:      clock.OrReal(clk),
		logger:     observability.OrDefault(lg).With("component", "position"),
		permission: PermissionUnknown,
	}
}

// OnError sets the callback for a terminal error that stops sampling after
// Start returned.
func (s *Source) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Start probes for permission with a one-shot fix, then subscribes to the
// provider and starts the heartbeat. ErrPermissionDenied is returned as is.
// The source is StateStarting while the probe runs; Stop during the probe
// aborts Start with context.Canceled.
func (s *Source) Start(ctx context.Context, onSample func(pipeline.Sample)) error {
	s.mu.Lock()
	if s.state == StateArmed || s.state == StateStarting {
		s.mu.Unlock()
		return ErrAlreadyArmed
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.gen++
	gen := s.gen
	s.state = StateStarting
	s.cancel = cancel
	s.mu.Unlock()

	probeCtx, cancelProbe := context.WithTimeout(runCtx, s.cfg.FixTimeout)
	fix, err := s.provider.CurrentPosition(probeCtx)
	cancelProbe()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting || s.gen != gen {
		cancel()
		return context.Canceled
	}
	fail := func(err error) error {
		cancel()
		s.cancel = nil
		s.state = StateStopped
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrPositionTimeout
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		s.permission = PermissionDenied
		observability.PositionErrors.WithLabelValues("permission_denied").Inc()
		return fail(err)
	case err != nil && IsTransient(err):
		s.permission = PermissionGranted
		s.logger.Warn("position: initial fix failed, waiting for stream", "err", err)
	case err != nil:
		return fail(fmt.Errorf("position: initial fix: %w", err))
	default:
		s.permission = PermissionGranted
		if pipeline.CoordsValid(fix.Lat, fix.Lng) {
			seed := s.liveSample(fix)
			s.last = &seed
		}
	}

	readings, err := s.provider.Watch(runCtx, WatchOptions{Timeout: s.cfg.FixTimeout})
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			s.permission = PermissionDenied
		}
		return fail(err)
	}

	ticker := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	s.done = make(chan struct{})
	s.state = StateArmed
	go s.run(runCtx, readings, ticker, onSample, s.done)
	s.logger.Info("position: armed", "heartbeat", s.cfg.HeartbeatInterval, "min_distance_m", s.cfg.MinDistanceMeters)
	return nil
}

// Stop cancels the subscription and heartbeat, or an in-progress Start.
// Calling it again is a no-op.
func (s *Source) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	if s.state == StateArmed || s.state == StateStarting {
		s.state = StateStopped
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		if done != nil {
			<-done
		}
		s.logger.Info("position: stopped")
	}
}

func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Source) Permission() Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission
}

// LastSampleAt returns the timestamp of the last emitted sample, zero if none.
func (s *Source) LastSampleAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAt
}

func (s *Source) run(ctx context.Context, readings <-chan Reading, ticker clock.Ticker, onSample func(pipeline.Sample), done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-readings:
			if !ok {
				s.logger.Warn("position: provider stream ended, heartbeat only")
				readings = nil
				continue
			}
			if r.Err != nil {
				if s.handleError(r.Err) {
					return
				}
				continue
			}
			if sample, ok := s.acceptLive(r.Fix); ok {
				onSample(sample)
			}
		case <-ticker.C():
			if sample, ok := s.heartbeat(); ok {
				onSample(sample)
			}
		}
	}
}

// handleError reports whether the error ended sampling.
func (s *Source) handleError(err error) bool {
	if IsTransient(err) {
		kind := "unavailable"
		if errors.Is(err, ErrPositionTimeout) {
			kind = "timeout"
		}
		observability.PositionErrors.WithLabelValues(kind).Inc()
		s.logger.Warn("position: transient error", "err", err)
		return false
	}

	observability.PositionErrors.WithLabelValues("permission_denied").Inc()
	s.logger.Error("position: sampling halted", "err", err)
	s.mu.Lock()
	if errors.Is(err, ErrPermissionDenied) {
		s.permission = PermissionDenied
	}
	s.state = StateStopped
	cancel := s.cancel
	s.cancel, s.done = nil, nil
	onError := s.onError
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if onError != nil {
		onError(err)
	}
	return true
}

func (s *Source) acceptLive(fix Fix) (pipeline.Sample, bool) {
	if !pipeline.CoordsValid(fix.Lat, fix.Lng) {
		observability.PositionErrors.WithLabelValues("invalid_fix").Inc()
		s.logger.Warn("position: dropping invalid fix", "lat", fix.Lat, "lng", fix.Lng)
		return pipeline.Sample{}, false
	}
	sample := s.liveSample(fix)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MinDistanceMeters > 0 && s.last != nil {
		d := Distance(s.last.Lat, s.last.Lng, sample.Lat, sample.Lng)
		if d < s.cfg.MinDistanceMeters {
			observability.SamplesGated.Inc()
			return pipeline.Sample{}, false
		}
	}
	s.last = &sample
	if sample.CapturedAt.After(s.lastAt) {
		s.lastAt = sample.CapturedAt
	}
	observability.SamplesEmitted.WithLabelValues(string(pipeline.KindLive)).Inc()
	return sample, true
}

func (s *Source) heartbeat() (pipeline.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return pipeline.Sample{}, false
	}
	at := s.clock.Now()
	if !at.After(s.lastAt) {
		at = s.lastAt.Add(time.Millisecond)
	}
	s.lastAt = at
	observability.SamplesEmitted.WithLabelValues(string(pipeline.KindHeartbeat)).Inc()
	return s.last.Heartbeat(at), true
}

func (s *Source) liveSample(fix Fix) pipeline.Sample {
	at := fix.Timestamp
	if at.IsZero() {
		at = s.clock.Now()
	}
	return pipeline.Sample{
		Lat:        fix.Lat,
		Lng:        fix.Lng,
		Accuracy:   fix.Accuracy,
		CapturedAt: at,
		Speed:      fix.Speed,
		Heading:    fix.Heading,
		Kind:       pipeline.KindLive,
	}
}
