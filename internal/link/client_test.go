package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"tracker-agent/internal/delivery"
	"tracker-agent/internal/pipeline"
)

type stateLog chan bool

func (s stateLog) record(online bool) { s <- online }

func (s stateLog) expect(t *testing.T, want bool) {
	t.Helper()
	select {
	case got := <-s:
		if got != want {
			t.Fatalf("state = %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for state %v", want)
	}
}

func acceptOne(t *testing.T, lis net.Listener) (net.Conn, *bufio.Scanner) {
	t.Helper()
	conn, err := lis.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewScanner(conn)
}

func readLine(t *testing.T, sc *bufio.Scanner, v any) {
	t.Helper()
	if !sc.Scan() {
		t.Fatalf("scan: %v", sc.Err())
	}
	if err := json.Unmarshal(sc.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", sc.Text(), err)
	}
}

func TestClient_DeliversNDJSONAndReportsState(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	states := make(stateLog, 4)
	c := New(lis.Addr().String(), Options{
		ProducerID:  "producer-1",
		OnState:     states.record,
		RedialDelay: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	conn, sc := acceptOne(t, lis)
	states.expect(t, true)
	if c.State() != StateConnected {
		t.Fatalf("State = %v", c.State())
	}

	var hello producerConnectPayload
	readLine(t, sc, &hello)
	if !hello.ProducerConnect || hello.ProducerID != "producer-1" {
		t.Fatalf("hello = %+v", hello)
	}

	delivered := make(chan error, 1)
	go func() {
		dctx, dcancel := context.WithTimeout(ctx, 5*time.Second)
		defer dcancel()
		delivered <- c.Deliver(dctx, delivery.Delivery{
			RecordID: "rec-7",
			Attempt:  1,
			Payload: pipeline.BuildPayload("producer-1", pipeline.Sample{
				Lat: 1.5, Lng: 2.5, CapturedAt: time.Unix(1700000000, 0),
			}),
		})
	}()

	var line map[string]any
	readLine(t, sc, &line)
	if line["type"] != "position" || line["record_id"] != "rec-7" || line["lat"] != 1.5 || line["producerId"] != "producer-1" {
		t.Fatalf("line = %v", line)
	}
	if v, ok := line["accuracy"]; !ok || v != nil {
		t.Fatalf("accuracy = %v (present %v), want null", v, ok)
	}
	if _, err := conn.Write([]byte(`{"ack":"rec-7"}` + "\n")); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	select {
	case err := <-delivered:
		if err != nil {
			t.Fatalf("deliver: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Deliver did not return after ack")
	}

	_ = conn.Close()
	states.expect(t, false)

	// The client redials after the proxy drops the connection.
	acceptOne(t, lis)
	states.expect(t, true)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClient_DeliverWhileDisconnected(t *testing.T) {
	c := New("127.0.0.1:1", Options{})
	err := c.Deliver(context.Background(), delivery.Delivery{RecordID: "rec-1", Attempt: 1})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("State = %v", c.State())
	}
}

func connectedClient(t *testing.T) (*Client, net.Conn, *bufio.Scanner) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = lis.Close() })

	states := make(stateLog, 4)
	c := New(lis.Addr().String(), Options{OnState: states.record, RedialDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	conn, sc := acceptOne(t, lis)
	states.expect(t, true)
	var hello producerConnectPayload
	readLine(t, sc, &hello)
	return c, conn, sc
}

func TestClient_DeliverWithoutAckTimesOut(t *testing.T) {
	c, conn, sc := connectedClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.Deliver(ctx, delivery.Delivery{RecordID: "rec-1", Attempt: 1}) }()

	var line map[string]any
	readLine(t, sc, &line)
	// An ack for another record does not confirm this one.
	_, _ = conn.Write([]byte(`{"ack":"rec-other"}` + "\n"))
	err := <-errc
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestClient_DeliverFailsWhenConnectionDropsBeforeAck(t *testing.T) {
	c, conn, sc := connectedClient(t)

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errc <- c.Deliver(ctx, delivery.Delivery{RecordID: "rec-1", Attempt: 1})
	}()

	var line map[string]any
	readLine(t, sc, &line)
	_ = conn.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("err = %v, want ErrConnectionLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Deliver did not return after the connection dropped")
	}
}
