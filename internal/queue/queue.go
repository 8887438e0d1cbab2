// Package queue implements the durable, capacity-bounded FIFO of position
// records awaiting delivery.
//
// The in-memory list is authoritative for this process; the durable store is
// authoritative across restarts and across the foreground and background
// contexts. Every mutation is persisted with a store.Update read-modify-write
// that reconciles with whatever the other context wrote meanwhile: records it
// removed stay removed, records it added are appended after ours.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"tracker-agent/internal/clock"
	"tracker-agent/internal/observability"
	"tracker-agent/internal/pipeline"
	"tracker-agent/internal/store"
)

const (
	DefaultCapacity = 100
	DefaultKey      = "telemetry-queue"
)

type Options struct {
	Capacity int    // default DefaultCapacity
	Key      string // store key holding the snapshot, default DefaultKey
	Clock    clock.Clock
	Logger   *slog.Logger
	NewID    func() string // default uuid.NewString
}

type Queue struct {
	mu       sync.Mutex
	store    store.Store
	key      string
	capacity int
	clock    clock.Clock
	logger   *slog.Logger
	newID    func() string

	records []Record
	// synced holds the IDs of the snapshot last read from or written to the
	// store; it tells local deletions apart from records added elsewhere.
	synced map[string]struct{}
}

func New(s store.Store, opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Queue{
		store:    s,
		key:      opts.Key,
		capacity: opts.Capacity,
		clock:    clock.OrReal(opts.Clock),
		logger:   observability.OrDefault(opts.Logger).With("component", "queue"),
		newID:    opts.NewID,
		synced:   map[string]struct{}{},
	}
}

// Load replaces the in-memory view with the stored snapshot. Call it once at
// startup, before the first Enqueue.
func (q *Queue) Load(ctx context.Context) error {
	b, found, err := q.store.Get(ctx, q.key)
	if err != nil {
		return err
	}
	records, err := decodeSnapshot(b, found)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records, _ = q.trim(records)
	q.synced = idSet(q.records)
	q.publishLen()
	q.logger.Info("queue: loaded", "records", len(q.records))
	return nil
}

// Enqueue appends sample and persists the queue. It never fails: a store
// error is logged and the record is kept in memory until a later persist
// succeeds.
func (q *Queue) Enqueue(ctx context.Context, sample pipeline.Sample) Record {
	rec := Record{
		ID:         q.newID(),
		Sample:     sample,
		EnqueuedAt: q.clock.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
	var evicted int
	q.records, evicted = q.trim(q.records)
	if evicted > 0 {
		observability.RecordsEvicted.Add(float64(evicted))
		q.logger.Warn("queue: capacity reached, dropped oldest", "dropped", evicted, "capacity", q.capacity)
	}
	observability.RecordsEnqueued.Inc()
	q.persistLocked(ctx)
	return rec
}

// PeekFront returns the head record without removing it.
func (q *Queue) PeekFront() (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 {
		return Record{}, false
	}
	return q.records[0], true
}

// ConfirmDelivered removes rec by identity. It reports whether anything was
// removed; a second call for the same record is a no-op.
func (q *Queue) ConfirmDelivered(ctx context.Context, rec Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(rec.ID)
	if idx < 0 {
		return false
	}
	q.records = append(q.records[:idx], q.records[idx+1:]...)
	q.persistLocked(ctx)
	return true
}

// RequeueFront puts rec back at the head with one more failed attempt and
// returns the updated record. The rest of the queue keeps its order.
func (q *Queue) RequeueFront(ctx context.Context, rec Record) Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx := q.indexLocked(rec.ID); idx >= 0 {
		rec = q.records[idx]
		q.records = append(q.records[:idx], q.records[idx+1:]...)
	}
	rec.AttemptCount++
	q.records = append([]Record{rec}, q.records...)
	q.records, _ = q.trim(q.records)
	q.persistLocked(ctx)
	return rec
}

// Clear drops every record.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = nil
	q.persistLocked(ctx)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Records returns a copy of the queue in delivery order.
func (q *Queue) Records() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Record, len(q.records))
	copy(out, q.records)
	return out
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.records {
		if q.records[i].ID == id {
			return i
		}
	}
	return -1
}

// persistLocked writes the reconciled queue. On success the in-memory view
// becomes the written snapshot.
func (q *Queue) persistLocked(ctx context.Context) {
	defer q.publishLen()

	var next []Record
	err := q.store.Update(ctx, q.key, func(cur []byte, found bool) ([]byte, error) {
		stored, err := decodeSnapshot(cur, found)
		if err != nil {
			// Nothing can be learned from an unreadable snapshot, so the
			// local list is written as is.
			q.logger.Warn("queue: overwriting unreadable snapshot", "err", err)
			next, _ = q.trim(q.records)
			return encodeSnapshot(next)
		}
		next, _ = q.trim(q.reconcile(stored))
		return encodeSnapshot(next)
	})
	if err != nil {
		observability.PersistErrors.Inc()
		q.logger.Error("queue: persist failed, keeping records in memory", "records", len(q.records), "err", err)
		return
	}
	q.records = next
	q.synced = idSet(next)
}

// reconcile merges the local list with a snapshot another context may have
// changed since our last sync.
func (q *Queue) reconcile(stored []Record) []Record {
	inStore := idSet(stored)
	local := idSet(q.records)

	out := make([]Record, 0, len(q.records)+len(stored))
	for _, r := range q.records {
		_, wasSynced := q.synced[r.ID]
		_, stillStored := inStore[r.ID]
		if wasSynced && !stillStored {
			continue
		}
		out = append(out, r)
	}
	for _, r := range stored {
		if _, known := q.synced[r.ID]; known {
			continue
		}
		if _, have := local[r.ID]; have {
			continue
		}
		out = append(out, r)
	}
	return out
}

// trim drops the oldest records beyond capacity.
func (q *Queue) trim(records []Record) ([]Record, int) {
	over := len(records) - q.capacity
	if over <= 0 {
		return records, 0
	}
	out := make([]Record, q.capacity)
	copy(out, records[over:])
	return out, over
}

func (q *Queue) publishLen() {
	observability.QueueLength.Set(float64(len(q.records)))
}

func idSet(records []Record) map[string]struct{} {
	set := make(map[string]struct{}, len(records))
	for _, r := range records {
		set[r.ID] = struct{}{}
	}
	return set
}
