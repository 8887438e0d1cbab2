package position

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"tracker-agent/internal/clock"
	"tracker-agent/internal/observability"
	"tracker-agent/internal/pipeline"
)

// chanProvider hands out a scripted initial fix and a test-driven stream.
type chanProvider struct {
	initial    Fix
	initialErr error
	stream     chan Reading
}

func (p *chanProvider) CurrentPosition(context.Context) (Fix, error) {
	return p.initial, p.initialErr
}

func (p *chanProvider) Watch(ctx context.Context, _ WatchOptions) (<-chan Reading, error) {
	return p.stream, nil
}

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func startSource(t *testing.T, cfg Config, p *chanProvider) (*Source, *clock.Fake, chan pipeline.Sample) {
	t.Helper()
	clk := clock.NewFake(t0)
	src := New(cfg, p, clk, observability.Discard())
	samples := make(chan pipeline.Sample, 16)
	if err := src.Start(context.Background(), func(s pipeline.Sample) { samples <- s }); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(src.Stop)
	return src, clk, samples
}

func next(t *testing.T, samples <-chan pipeline.Sample) pipeline.Sample {
	t.Helper()
	select {
	case s := <-samples:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no sample emitted")
	}
	return pipeline.Sample{}
}

func expectNone(t *testing.T, samples <-chan pipeline.Sample) {
	t.Helper()
	select {
	case s := <-samples:
		t.Fatalf("unexpected sample %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHeartbeat_ReusesLastLiveCoordinates(t *testing.T) {
	p := &chanProvider{initial: Fix{Lat: 1, Lng: 1, Timestamp: t0}, stream: make(chan Reading)}
	src, clk, samples := startSource(t, Config{}, p)
	if src.State() != StateArmed || src.Permission() != PermissionGranted {
		t.Fatalf("state = %v, permission = %v", src.State(), src.Permission())
	}

	p.stream <- Reading{Fix: Fix{Lat: 19.4326, Lng: -99.1332, Timestamp: t0.Add(time.Second)}}
	live := next(t, samples)
	if live.Kind != pipeline.KindLive || live.Lat != 19.4326 {
		t.Fatalf("live = %+v", live)
	}

	prev := live.CapturedAt
	for i := 0; i < 3; i++ {
		clk.Advance(5 * time.Second)
		hb := next(t, samples)
		if hb.Kind != pipeline.KindHeartbeat {
			t.Fatalf("tick %d kind = %s", i, hb.Kind)
		}
		if hb.Lat != live.Lat || hb.Lng != live.Lng {
			t.Fatalf("tick %d coords = %v,%v, want %v,%v", i, hb.Lat, hb.Lng, live.Lat, live.Lng)
		}
		if !hb.CapturedAt.After(prev) {
			t.Fatalf("tick %d timestamp %v not after %v", i, hb.CapturedAt, prev)
		}
		prev = hb.CapturedAt
	}
	if !src.LastSampleAt().Equal(prev) {
		t.Fatalf("last sample at = %v, want %v", src.LastSampleAt(), prev)
	}
}

func TestHeartbeat_SkippedWithoutAnyFix(t *testing.T) {
	p := &chanProvider{initialErr: ErrPositionUnavailable, stream: make(chan Reading)}
	_, clk, samples := startSource(t, Config{}, p)
	clk.Advance(5 * time.Second)
	expectNone(t, samples)
}

func TestStart_PermissionDenied(t *testing.T) {
	p := &chanProvider{initialErr: ErrPermissionDenied}
	src := New(Config{}, p, clock.NewFake(t0), observability.Discard())
	err := src.Start(context.Background(), func(pipeline.Sample) {})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("start err = %v", err)
	}
	if src.State() != StateStopped || src.Permission() != PermissionDenied {
		t.Fatalf("state = %v, permission = %v", src.State(), src.Permission())
	}
}

func TestStream_PermissionDeniedHaltsSampling(t *testing.T) {
	p := &chanProvider{initial: Fix{Lat: 1, Lng: 1}, stream: make(chan Reading)}
	clk := clock.NewFake(t0)
	src := New(Config{}, p, clk, observability.Discard())
	errs := make(chan error, 1)
	src.OnError(func(err error) { errs <- err })
	samples := make(chan pipeline.Sample, 4)
	if err := src.Start(context.Background(), func(s pipeline.Sample) { samples <- s }); err != nil {
		t.Fatalf("start: %v", err)
	}

	p.stream <- Reading{Err: ErrPermissionDenied}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("reported err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal error not reported")
	}
	if src.State() != StateStopped || src.Permission() != PermissionDenied {
		t.Fatalf("state = %v, permission = %v", src.State(), src.Permission())
	}
	clk.Advance(5 * time.Second)
	expectNone(t, samples)
	src.Stop()
}

func TestStream_TransientErrorsKeepSampling(t *testing.T) {
	p := &chanProvider{initial: Fix{Lat: 1, Lng: 1}, stream: make(chan Reading)}
	src, _, samples := startSource(t, Config{}, p)

	p.stream <- Reading{Err: ErrPositionUnavailable}
	p.stream <- Reading{Err: ErrPositionTimeout}
	p.stream <- Reading{Fix: Fix{Lat: 2, Lng: 2, Timestamp: t0}}
	if s := next(t, samples); s.Lat != 2 {
		t.Fatalf("sample = %+v", s)
	}
	if src.State() != StateArmed {
		t.Fatalf("state = %v, want armed", src.State())
	}
}

func TestStop_IdempotentAndRearmable(t *testing.T) {
	p := &chanProvider{initial: Fix{Lat: 1, Lng: 1}, stream: make(chan Reading)}
	src := New(Config{}, p, clock.NewFake(t0), observability.Discard())
	if err := src.Start(context.Background(), func(pipeline.Sample) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := src.Start(context.Background(), func(pipeline.Sample) {}); !errors.Is(err, ErrAlreadyArmed) {
		t.Fatalf("second start err = %v", err)
	}
	src.Stop()
	src.Stop()
	if src.State() != StateStopped {
		t.Fatalf("state = %v", src.State())
	}
	if err := src.Start(context.Background(), func(pipeline.Sample) {}); err != nil {
		t.Fatalf("re-arm: %v", err)
	}
	src.Stop()
}

// slowProvider holds the one-shot fix until its context ends.
type slowProvider struct {
	chanProvider
	probing chan struct{}
}

func (p *slowProvider) CurrentPosition(ctx context.Context) (Fix, error) {
	close(p.probing)
	<-ctx.Done()
	return Fix{}, ctx.Err()
}

func TestStart_AccessorsStayResponsiveWhileStarting(t *testing.T) {
	p := &slowProvider{chanProvider: chanProvider{stream: make(chan Reading)}, probing: make(chan struct{})}
	src := New(Config{FixTimeout: 2 * time.Second}, p, clock.NewFake(t0), observability.Discard())
	started := make(chan error, 1)
	go func() { started <- src.Start(context.Background(), func(pipeline.Sample) {}) }()
	<-p.probing

	begin := time.Now()
	_ = src.Permission()
	_ = src.LastSampleAt()
	if st := src.State(); st != StateStarting {
		t.Fatalf("state = %v, want starting", st)
	}
	if waited := time.Since(begin); waited > 500*time.Millisecond {
		t.Fatalf("accessors blocked for %v", waited)
	}

	// Stop aborts the probe instead of waiting out the fix timeout.
	src.Stop()
	select {
	case err := <-started:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("start err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if src.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", src.State())
	}
}

func TestStream_InvalidFixDropped(t *testing.T) {
	p := &chanProvider{initial: Fix{Lat: 1, Lng: 1}, stream: make(chan Reading)}
	_, _, samples := startSource(t, Config{}, p)

	p.stream <- Reading{Fix: Fix{Lat: 0, Lng: 0, Timestamp: t0}}
	p.stream <- Reading{Fix: Fix{Lat: 95, Lng: 10, Timestamp: t0}}
	expectNone(t, samples)
	p.stream <- Reading{Fix: Fix{Lat: 3, Lng: 3, Timestamp: t0.Add(time.Second)}}
	if s := next(t, samples); s.Lat != 3 {
		t.Fatalf("sample = %+v", s)
	}
}

func TestDistanceGate_OptIn(t *testing.T) {
	p := &chanProvider{initialErr: ErrPositionUnavailable, stream: make(chan Reading)}
	_, _, samples := startSource(t, Config{MinDistanceMeters: 50}, p)

	p.stream <- Reading{Fix: Fix{Lat: 10, Lng: 10, Timestamp: t0}}
	next(t, samples)
	// ~11 m north: gated.
	p.stream <- Reading{Fix: Fix{Lat: 10.0001, Lng: 10, Timestamp: t0.Add(time.Second)}}
	expectNone(t, samples)
	// ~111 m north: emitted.
	p.stream <- Reading{Fix: Fix{Lat: 10.001, Lng: 10, Timestamp: t0.Add(2 * time.Second)}}
	if s := next(t, samples); s.Lat != 10.001 {
		t.Fatalf("sample = %+v", s)
	}
}

func TestDistance(t *testing.T) {
	d := Distance(0, 0, 1, 0)
	if math.Abs(d-111195) > 10 {
		t.Fatalf("one degree of latitude = %.0f m, want ~111195", d)
	}
	if Distance(45, 45, 45, 45) != 0 {
		t.Fatal("distance to self is not zero")
	}
}

func TestReplay_ParsesFixesAndErrors(t *testing.T) {
	feed := strings.Join([]string{
		`{"lat":19.5,"lng":-99.1,"accuracy":5,"timestamp":"2026-05-01T08:00:00Z"}`,
		`{"lat":19.6,"lng":-99.2}`,
		`{"error":"timeout"}`,
		`not json`,
		`{"error":"permission_denied"}`,
	}, "\n")
	p := NewReplay(strings.NewReader(feed), 0)
	defer p.Close()

	ctx := context.Background()
	fix, err := p.CurrentPosition(ctx)
	if err != nil || fix.Lat != 19.5 || fix.Accuracy == nil || *fix.Accuracy != 5 {
		t.Fatalf("current = %+v, %v", fix, err)
	}

	stream, err := p.Watch(ctx, WatchOptions{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	var got []Reading
	for r := range stream {
		got = append(got, r)
	}
	if len(got) != 4 {
		t.Fatalf("readings = %d, want 4", len(got))
	}
	if got[0].Err != nil || got[0].Fix.Lng != -99.2 {
		t.Fatalf("reading 0 = %+v", got[0])
	}
	if !errors.Is(got[1].Err, ErrPositionTimeout) {
		t.Fatalf("reading 1 err = %v", got[1].Err)
	}
	if !errors.Is(got[2].Err, ErrPositionUnavailable) {
		t.Fatalf("reading 2 err = %v", got[2].Err)
	}
	if !errors.Is(got[3].Err, ErrPermissionDenied) {
		t.Fatalf("reading 3 err = %v", got[3].Err)
	}
}

func TestReplay_WatchTimesOutWhenFeedStalls(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := NewReplay(pr, 0)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, _ := p.Watch(ctx, WatchOptions{Timeout: 20 * time.Millisecond})
	select {
	case r := <-stream:
		if !errors.Is(r.Err, ErrPositionTimeout) {
			t.Fatalf("reading = %+v, want timeout", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout reading")
	}
}
