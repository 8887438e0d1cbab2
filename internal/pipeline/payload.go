package pipeline

import (
	"time"
)

// Payload is the insert-only row written to the delivery sink.
type Payload struct {
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	Accuracy   *float64 `json:"accuracy"` // null when the provider gave none
	Timestamp  string   `json:"timestamp"`
	ProducerID string   `json:"producerId"`
}

// CoordsValid rejects out-of-range coordinates and the 0,0 null fix.
func CoordsValid(lat, lng float64) bool {
	if lat == 0 && lng == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return false
	}
	return true
}

// BuildPayload converts a sample into the sink row for producerID.
func BuildPayload(producerID string, s Sample) Payload {
	return Payload{
		Lat:        s.Lat,
		Lng:        s.Lng,
		Accuracy:   s.Accuracy,
		Timestamp:  s.CapturedAt.UTC().Format(time.RFC3339Nano),
		ProducerID: producerID,
	}
}
