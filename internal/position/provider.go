package position

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is terminal: no samples until access is granted again.
	ErrPermissionDenied = errors.New("position: permission denied")
	// ErrPositionUnavailable and ErrPositionTimeout are transient.
	ErrPositionUnavailable = errors.New("position: unavailable")
	ErrPositionTimeout     = errors.New("position: timeout")
)

// IsTransient reports whether sampling should simply continue after err.
func IsTransient(err error) bool {
	return errors.Is(err, ErrPositionUnavailable) || errors.Is(err, ErrPositionTimeout)
}

// Fix is a raw reading from the platform.
type Fix struct {
	Lat       float64
	Lng       float64
	Accuracy  *float64
	Timestamp time.Time
	Speed     *float64
	Heading   *float64
}

// Reading is one push from a continuous subscription: a fix or an error.
type Reading struct {
	Fix Fix
	Err error
}

type WatchOptions struct {
	// Timeout bounds the wait for each fix; a provider reports
	// ErrPositionTimeout when it elapses.
	Timeout time.Duration
}

// Provider is the platform position capability. Watch pushes readings at an
// irregular cadence until ctx is done, then closes the channel.
type Provider interface {
	CurrentPosition(ctx context.Context) (Fix, error)
	Watch(ctx context.Context, opts WatchOptions) (<-chan Reading, error)
}
