package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"tracker-agent/internal/delivery"
	"tracker-agent/internal/observability"
)

// InsertMethod is the unary sink RPC. The request is a google.protobuf.Struct
// holding one position row; the response is google.protobuf.Empty.
const InsertMethod = "/telemetry.v1.Sink/Insert"

// Metadata keys sent with every insert so the sink can deduplicate retries.
const (
	MDRecordID = "x-record-id"
	MDAttempt  = "x-attempt"
)

type GRPCClient struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

func NewGRPCClient(addr string, lg *slog.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &GRPCClient{
		conn:   conn,
		logger: observability.OrDefault(lg).With("component", "grpcclient"),
	}, nil
}

// Conn exposes the channel for connectivity watching.
func (g *GRPCClient) Conn() *grpc.ClientConn { return g.conn }

func (g *GRPCClient) Close() error {
	return g.conn.Close()
}

// Deliver inserts one row. The per-attempt deadline comes from ctx.
func (g *GRPCClient) Deliver(ctx context.Context, d delivery.Delivery) error {
	var accuracy any
	if d.Payload.Accuracy != nil {
		accuracy = *d.Payload.Accuracy
	}
	req, err := structpb.NewStruct(map[string]any{
		"lat":        d.Payload.Lat,
		"lng":        d.Payload.Lng,
		"accuracy":   accuracy,
		"timestamp":  d.Payload.Timestamp,
		"producerId": d.Payload.ProducerID,
	})
	if err != nil {
		return fmt.Errorf("grpc insert %s: build request: %w", d.RecordID, err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		MDRecordID, d.RecordID,
		MDAttempt, strconv.Itoa(d.Attempt),
	)
	var res emptypb.Empty
	if err := g.conn.Invoke(ctx, InsertMethod, req, &res); err != nil {
		err = fmt.Errorf("grpc insert %s (%s): %w", d.RecordID, status.Code(err), err)
		if !Retryable(err) {
			// Still requeued; a rejected row blocks the queue head until the
			// sink accepts it.
			observability.SinkRejections.WithLabelValues(status.Code(errors.Unwrap(err)).String()).Inc()
			g.logger.Warn("grpc: sink rejected row", "record", d.RecordID, "attempt", d.Attempt, "err", err)
		}
		return err
	}
	return nil
}

// Retryable reports whether err looks like a transient transport problem
// rather than a rejected row.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	st, ok := status.FromError(errors.Unwrap(err))
	if !ok {
		st, ok = status.FromError(err)
	}
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.DeadlineExceeded, codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

var _ delivery.Sink = (*GRPCClient)(nil)
