package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pmeredith/dosetrack/internal/store"
)

// Queue is the durable operation log. Operations are appended in enqueue
// order and never reordered; status changes mutate entries in place.
type Queue struct {
	kv store.KV

	mu   sync.Mutex
	ops  []Operation
	byID map[string]int
}

// Load reads the queue document from kv. A missing document is an empty
// queue. Operations left in processing by a crash are returned to pending
// so the next drain picks them up again.
func Load(kv store.KV) (*Queue, error) {
	q := &Queue{kv: kv, byID: make(map[string]int)}

	data, err := kv.Get(store.KeyQueue)
	if err == store.ErrNotFound {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	if err := json.Unmarshal(data, &q.ops); err != nil {
		return nil, fmt.Errorf("failed to parse queue document: %w", err)
	}

	recovered := false
	for i := range q.ops {
		q.byID[q.ops[i].OpID] = i
		if q.ops[i].Status == StatusProcessing {
			q.ops[i].Status = StatusPending
			recovered = true
		}
	}
	if recovered {
		if err := q.persistLocked(); err != nil {
			return nil, fmt.Errorf("failed to recover processing operations: %w", err)
		}
	}
	return q, nil
}

// Enqueue appends op as pending with a zero retry count and persists
// immediately.
func (q *Queue) Enqueue(op Operation) error {
	op.Status = StatusPending
	op.RetryCount = 0
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[op.OpID]; exists {
		return fmt.Errorf("operation %s already enqueued", op.OpID)
	}
	return q.mutateLocked(func() {
		q.byID[op.OpID] = len(q.ops)
		q.ops = append(q.ops, op)
	})
}

// Get returns the operation with the given id.
func (q *Queue) Get(opID string) (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.byID[opID]
	if !ok {
		return Operation{}, false
	}
	return q.ops[i], true
}

// Pending returns the pending operations in FIFO enqueue order.
func (q *Queue) Pending() []Operation {
	return q.withStatus(StatusPending)
}

// Failed returns the failed operations in enqueue order.
func (q *Queue) Failed() []Operation {
	return q.withStatus(StatusFailed)
}

// Completed returns the completed operations still inside the retention
// window, in enqueue order.
func (q *Queue) Completed() []Operation {
	return q.withStatus(StatusCompleted)
}

func (q *Queue) withStatus(status Status) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Operation
	for i := range q.ops {
		if q.ops[i].Status == status {
			out = append(out, q.ops[i])
		}
	}
	return out
}

// NextPending returns the oldest pending operation, if any.
func (q *Queue) NextPending() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.ops {
		if q.ops[i].Status == StatusPending {
			return q.ops[i], true
		}
	}
	return Operation{}, false
}

// Covers reports whether a pending or processing operation already targets
// the given local record. Push collection uses this to avoid double
// enqueueing.
func (q *Queue) Covers(localID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.ops {
		if q.ops[i].LocalID != localID {
			continue
		}
		if q.ops[i].Status == StatusPending || q.ops[i].Status == StatusProcessing {
			return true
		}
	}
	return false
}

// Update replaces the stored operation with op (matched by OpID) and
// persists.
func (q *Queue) Update(op Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.byID[op.OpID]
	if !ok {
		return fmt.Errorf("operation %s: %w", op.OpID, store.ErrNotFound)
	}
	return q.mutateLocked(func() {
		q.ops[i] = op
	})
}

// Retry resets a failed operation to pending with a zero retry count.
func (q *Queue) Retry(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.byID[opID]
	if !ok {
		return fmt.Errorf("operation %s: %w", opID, store.ErrNotFound)
	}
	if q.ops[i].Status != StatusFailed {
		return fmt.Errorf("operation %s is %s, only failed operations can be retried", opID, q.ops[i].Status)
	}
	return q.mutateLocked(func() {
		q.ops[i].Status = StatusPending
		q.ops[i].RetryCount = 0
		q.ops[i].LastError = ""
	})
}

// Clear removes a failed operation from the queue entirely.
func (q *Queue) Clear(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.byID[opID]
	if !ok {
		return fmt.Errorf("operation %s: %w", opID, store.ErrNotFound)
	}
	if q.ops[i].Status != StatusFailed {
		return fmt.Errorf("operation %s is %s, only failed operations can be cleared", opID, q.ops[i].Status)
	}
	return q.removeLocked(i)
}

// PurgeCompleted removes completed operations older than the retention
// window, bounding storage growth. Returns how many were removed.
func (q *Queue) PurgeCompleted(olderThan time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var kept []Operation
	removed := 0
	for _, op := range q.ops {
		if op.Status == StatusCompleted && op.CompletedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	if removed == 0 {
		return 0, nil
	}

	err := q.mutateLocked(func() {
		q.ops = kept
		q.reindexLocked()
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Counts returns how many operations sit in each status.
func (q *Queue) Counts() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[Status]int)
	for i := range q.ops {
		counts[q.ops[i].Status]++
	}
	return counts
}

func (q *Queue) removeLocked(i int) error {
	return q.mutateLocked(func() {
		q.ops = append(q.ops[:i], q.ops[i+1:]...)
		q.reindexLocked()
	})
}

func (q *Queue) reindexLocked() {
	q.byID = make(map[string]int, len(q.ops))
	for i := range q.ops {
		q.byID[q.ops[i].OpID] = i
	}
}

// mutateLocked applies fn and persists, rolling back the in-memory state
// if the durable write fails. Callers must hold the lock.
func (q *Queue) mutateLocked(fn func()) error {
	prev := make([]Operation, len(q.ops))
	copy(prev, q.ops)
	prevIdx := make(map[string]int, len(q.byID))
	for k, v := range q.byID {
		prevIdx[k] = v
	}

	fn()

	if err := q.persistLocked(); err != nil {
		q.ops, q.byID = prev, prevIdx
		return err
	}
	return nil
}

func (q *Queue) persistLocked() error {
	data, err := json.Marshal(q.ops)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	if err := q.kv.Set(store.KeyQueue, data); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	return nil
}
