// Package link is a reconnecting NDJSON-over-TCP client to a telemetry proxy.
// It doubles as a delivery sink and as a connectivity source.
package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"tracker-agent/internal/delivery"
	"tracker-agent/internal/observability"
	"tracker-agent/internal/pipeline"
)

var (
	ErrNotConnected   = errors.New("link: not connected")
	ErrConnectionLost = errors.New("link: connection lost before ack")
)

const (
	defaultRedialDelay = 2 * time.Second
	dialTimeout        = 5 * time.Second
)

type Options struct {
	ProducerID string
	// OnState is called on every connect and disconnect.
	OnState     func(online bool)
	RedialDelay time.Duration
	Logger      *slog.Logger
}

type Client struct {
	addr       string
	producerID string
	onState    func(bool)
	redial     time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed chan struct{} // closed when conn goes away
	state  State
	acks   map[string]chan struct{} // record_id -> waiting Deliver

	wmu sync.Mutex // serializes lines on the wire
}

func New(addr string, opts Options) *Client {
	redial := opts.RedialDelay
	if redial <= 0 {
		redial = defaultRedialDelay
	}
	return &Client{
		addr:       addr,
		producerID: opts.ProducerID,
		onState:    opts.OnState,
		redial:     redial,
		logger:     observability.OrDefault(opts.Logger).With("component", "link"),
		acks:       make(map[string]chan struct{}),
	}
}

// Run dials the proxy and keeps the link up until ctx is done.
func (c *Client) Run(ctx context.Context) {
	var d net.Dialer
	for {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := d.DialContext(dctx, "tcp", c.addr)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("link: dial failed", "addr", c.addr, "err", err)
			if !sleep(ctx, c.redial) {
				return
			}
			continue
		}

		c.setConn(conn)
		c.logger.Info("link: connected", "remote", conn.RemoteAddr().String())
		if err := c.sendHello(); err != nil {
			c.logger.Warn("link: send producer_connect failed", "err", err)
		}

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		c.readLoop(conn)
		stop()

		c.clearConn(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("link: connection closed, reconnecting")
		if !sleep(ctx, c.redial) {
			return
		}
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.closed = make(chan struct{})
	c.state = StateConnected
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(true)
	}
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	_ = c.conn.Close()
	close(c.closed)
	c.conn, c.closed = nil, nil
	c.state = StateDisconnected
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(false)
	}
}

func (c *Client) getConn() (net.Conn, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.closed
}

func (c *Client) readLoop(conn net.Conn) {
	r := bufio.NewScanner(conn)
	for r.Scan() {
		c.handleIncomingLine(r.Bytes())
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.logger.Warn("link: read error", "err", err)
	}
}

// ackPayload is the proxy's confirmation that a position was stored.
type ackPayload struct {
	Ack string `json:"ack"`
}

func (c *Client) handleIncomingLine(line []byte) {
	var ack ackPayload
	if err := json.Unmarshal(line, &ack); err != nil || ack.Ack == "" {
		c.logger.Debug("link: incoming line", "line", string(line))
		return
	}
	c.mu.Lock()
	ch, ok := c.acks[ack.Ack]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("link: ack for unknown record", "record", ack.Ack)
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

type producerConnectPayload struct {
	ProducerConnect bool   `json:"producer_connect"`
	ProducerID      string `json:"producer_id"`
}

// positionPayload is one queued record on the wire.
type positionPayload struct {
	Type     string `json:"type"`
	RecordID string `json:"record_id"`
	Attempt  int    `json:"attempt"`
	pipeline.Payload
}

func (c *Client) sendHello() error {
	_, err := c.send(context.Background(), producerConnectPayload{ProducerConnect: true, ProducerID: c.producerID})
	return err
}

// Deliver writes the record as one NDJSON line and waits for the proxy to
// ack its record_id. A dropped connection or an expired ctx before the ack
// is a failed attempt; the proxy deduplicates on record_id.
func (c *Client) Deliver(ctx context.Context, d delivery.Delivery) error {
	acked := make(chan struct{}, 1)
	c.mu.Lock()
	c.acks[d.RecordID] = acked
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, d.RecordID)
		c.mu.Unlock()
	}()

	closed, err := c.send(ctx, positionPayload{
		Type:     "position",
		RecordID: d.RecordID,
		Attempt:  d.Attempt,
		Payload:  d.Payload,
	})
	if err != nil {
		return fmt.Errorf("link: send position %s: %w", d.RecordID, err)
	}
	select {
	case <-acked:
		return nil
	case <-closed:
		return fmt.Errorf("link: position %s: %w", d.RecordID, ErrConnectionLost)
	case <-ctx.Done():
		return fmt.Errorf("link: position %s: waiting for ack: %w", d.RecordID, ctx.Err())
	}
}

// send writes v as one line and returns the closed channel of the connection
// it went out on.
func (c *Client) send(ctx context.Context, v any) (<-chan struct{}, error) {
	conn, closed := c.getConn()
	if conn == nil {
		return nil, ErrNotConnected
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(append(b, '\n')); err != nil {
		return nil, err
	}
	return closed, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ delivery.Sink = (*Client)(nil)
