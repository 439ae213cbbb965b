// Package scheduler runs durable delayed callbacks. Records survive
// restarts; callbacks are re-bound by record kind when the worker starts.
package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/maibot/chatpoints/internal/store"
)

const documentQueue = "queue"

// Record is one scheduled callback. Records are immutable once queued.
type Record struct {
	Due     time.Time       `json:"due"`
	Seq     uint64          `json:"seq"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (r Record) before(o Record) bool {
	if !r.Due.Equal(o.Due) {
		return r.Due.Before(o.Due)
	}
	return r.Seq < o.Seq
}

type recordHeap []Record

func (h recordHeap) Len() int           { return len(h) }
func (h recordHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h recordHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x any)        { *h = append(*h, x.(Record)) }
func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	*h = old[:n-1]
	return r
}

type persisted struct {
	Seq     uint64   `json:"seq"`
	Records []Record `json:"records"`
}

// Queue is a persisted min-heap ordered by due time, then insertion sequence.
type Queue struct {
	mu      sync.Mutex
	doc     *store.Store
	records recordHeap
	seq     uint64
}

// NewQueue restores the queue from doc.
func NewQueue(doc *store.Store) (*Queue, error) {
	var state persisted
	if _, err := doc.Load(documentQueue, &state); err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	q := &Queue{doc: doc, records: recordHeap(state.Records), seq: state.Seq}
	for _, r := range q.records {
		q.seq = max(q.seq, r.Seq)
	}
	heap.Init(&q.records)
	return q, nil
}

// Add assigns the next sequence number to rec, queues it and persists the
// queue. The returned record is queued even when the error wraps
// store.ErrPersistence.
func (q *Queue) Add(ctx context.Context, rec Record) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	rec.Seq = q.seq
	rec.Due = rec.Due.UTC()
	heap.Push(&q.records, rec)
	return rec, q.persistLocked(ctx)
}

// Pop removes and returns the earliest record. It reports false on an
// empty queue. A record is only handed out once its removal is persisted;
// when the save fails the record stays queued and Pop reports false with
// the error.
func (q *Queue) Pop(ctx context.Context) (Record, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 {
		return Record{}, false, nil
	}
	return q.removeLocked(ctx)
}

// PeekReady reports whether the earliest record is due at now.
func (q *Queue) PeekReady(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records) > 0 && !q.records[0].Due.After(now)
}

// NextDue returns the due time of the earliest record.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 {
		return time.Time{}, false
	}
	return q.records[0].Due, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// popReady pops the earliest record only if it is due.
func (q *Queue) popReady(ctx context.Context, now time.Time) (Record, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 || q.records[0].Due.After(now) {
		return Record{}, false, nil
	}
	return q.removeLocked(ctx)
}

func (q *Queue) removeLocked(ctx context.Context) (Record, bool, error) {
	rec := heap.Pop(&q.records).(Record)
	if err := q.persistLocked(ctx); err != nil {
		heap.Push(&q.records, rec)
		// The backend still holds rec; put the in-memory document back in line with it.
		_ = q.persistLocked(ctx)
		return Record{}, false, err
	}
	return rec, true, nil
}

func (q *Queue) persistLocked(ctx context.Context) error {
	state := persisted{Seq: q.seq, Records: append([]Record(nil), q.records...)}
	if err := q.doc.Save(ctx, documentQueue, state); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}
