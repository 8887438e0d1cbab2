package pipeline

import "time"

// Kind tells downstream consumers how fresh a sample's coordinates are.
type Kind string

const (
	KindLive      Kind = "live"      // a new fix from the provider
	KindHeartbeat Kind = "heartbeat" // last live coordinates, fresh timestamp
)

// Sample is one position reading. Samples are values; nothing mutates them
// after creation.
type Sample struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	Kind       Kind      `json:"kind"`
}

// Heartbeat returns a heartbeat copy of s stamped at t.
func (s Sample) Heartbeat(t time.Time) Sample {
	hb := s
	hb.CapturedAt = t
	hb.Kind = KindHeartbeat
	return hb
}
