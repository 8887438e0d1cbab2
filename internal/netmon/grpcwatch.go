package netmon

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// WatchGRPC follows conn's channel state until ctx is done: Ready is online,
// TransientFailure and Shutdown are offline. Idle channels are asked to
// reconnect so a dropped link is noticed without waiting for traffic.
func WatchGRPC(ctx context.Context, conn *grpc.ClientConn, m *Monitor) {
	conn.Connect()
	state := conn.GetState()
	for {
		switch state {
		case connectivity.Ready:
			m.Set(true)
		case connectivity.TransientFailure, connectivity.Shutdown:
			m.Set(false)
		case connectivity.Idle:
			conn.Connect()
		}
		if state == connectivity.Shutdown {
			return
		}
		if !conn.WaitForStateChange(ctx, state) {
			return
		}
		state = conn.GetState()
	}
}
