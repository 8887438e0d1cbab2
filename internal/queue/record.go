package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"tracker-agent/internal/pipeline"
)

// Record is a queued sample. ID is the record identity; AttemptCount counts
// failed delivery attempts.
type Record struct {
	ID           string          `json:"id"`
	Sample       pipeline.Sample `json:"sample"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	AttemptCount int             `json:"attempt_count"`
}

const snapshotVersion = 1

// snapshot is the value stored under the queue key.
type snapshot struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

func encodeSnapshot(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	return json.Marshal(snapshot{Version: snapshotVersion, Records: records})
}

func decodeSnapshot(b []byte, found bool) ([]Record, error) {
	if !found || len(b) == 0 {
		return nil, nil
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode queue snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("decode queue snapshot: unsupported version %d", snap.Version)
	}
	return snap.Records, nil
}
