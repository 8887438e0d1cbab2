package position

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// replayLine is one line of a replay feed. A non-empty Error simulates a
// platform error: "permission_denied", "unavailable" or "timeout".
type replayLine struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Replay is a Provider fed by newline-delimited JSON fixes, e.g. a recorded
// track file or stdin. Each line is handed out once, to CurrentPosition or
// to the Watch stream.
type Replay struct {
	src      io.Reader
	interval time.Duration

	once  sync.Once
	lines chan Reading
	quit  chan struct{}
	stop  sync.Once
}

// NewReplay reads fixes from r, pausing interval between lines.
func NewReplay(r io.Reader, interval time.Duration) *Replay {
	return &Replay{
		src:      r,
		interval: interval,
		lines:    make(chan Reading),
		quit:     make(chan struct{}),
	}
}

// Close stops reading the feed.
func (p *Replay) Close() error {
	p.stop.Do(func() { close(p.quit) })
	return nil
}

func (p *Replay) CurrentPosition(ctx context.Context) (Fix, error) {
	p.once.Do(p.start)
	select {
	case <-ctx.Done():
		return Fix{}, ctx.Err()
	case r, ok := <-p.lines:
		if !ok {
			return Fix{}, ErrPositionUnavailable
		}
		return r.Fix, r.Err
	}
}

func (p *Replay) Watch(ctx context.Context, opts WatchOptions) (<-chan Reading, error) {
	p.once.Do(p.start)
	out := make(chan Reading)
	go func() {
		defer close(out)
		for {
			var (
				timer   *time.Timer
				timeout <-chan time.Time
			)
			if opts.Timeout > 0 {
				timer = time.NewTimer(opts.Timeout)
				timeout = timer.C
			}
			r, ok := p.next(ctx, timeout)
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- r:
			}
		}
	}()
	return out, nil
}

// next waits for the next line, or ErrPositionTimeout when timeout fires.
func (p *Replay) next(ctx context.Context, timeout <-chan time.Time) (Reading, bool) {
	select {
	case <-ctx.Done():
		return Reading{}, false
	case <-timeout:
		return Reading{Err: ErrPositionTimeout}, true
	case line, ok := <-p.lines:
		return line, ok
	}
}

func (p *Replay) start() {
	go func() {
		defer close(p.lines)
		sc := bufio.NewScanner(p.src)
		first := true
		for sc.Scan() {
			raw := sc.Bytes()
			if len(raw) == 0 {
				continue
			}
			if !first && p.interval > 0 {
				select {
				case <-p.quit:
					return
				case <-time.After(p.interval):
				}
			}
			first = false
			select {
			case <-p.quit:
				return
			case p.lines <- parseReplayLine(raw):
			}
		}
	}()
}

func parseReplayLine(raw []byte) Reading {
	var l replayLine
	if err := json.Unmarshal(raw, &l); err != nil {
		return Reading{Err: fmt.Errorf("%w: bad replay line: %v", ErrPositionUnavailable, err)}
	}
	switch l.Error {
	case "":
	case "permission_denied":
		return Reading{Err: ErrPermissionDenied}
	case "timeout":
		return Reading{Err: ErrPositionTimeout}
	default:
		return Reading{Err: ErrPositionUnavailable}
	}
	return Reading{Fix: Fix{
		Lat:       l.Lat,
		Lng:       l.Lng,
		Accuracy:  l.Accuracy,
		Timestamp: l.Timestamp,
		Speed:     l.Speed,
		Heading:   l.Heading,
	}}
}

var _ Provider = (*Replay)(nil)
