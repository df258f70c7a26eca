package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/pmeredith/dosetrack/internal/record"
	"github.com/pmeredith/dosetrack/internal/remote"
)

// Retry policy defaults. The backoff schedule is indexed by retryCount-1:
// the wait after the first failure is 1s, after the fifth the operation is
// failed instead.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

const (
	// DefaultCeiling is the retry ceiling: attempts beyond it require a
	// manual retry.
	DefaultCeiling = 5

	// DefaultRetention is how long completed operations are kept before
	// a drain pass purges them.
	DefaultRetention = time.Hour
)

// RecordMarker is the slice of the record store the scheduler needs to
// reflect operation outcomes onto records.
type RecordMarker interface {
	MarkSynced(localID, remoteID string) error
	SetState(localID string, state record.SyncState) error
}

// TombstoneClearer removes a tombstone once its remote delete is
// confirmed.
type TombstoneClearer interface {
	Clear(entityID string) error
}

// EventType classifies scheduler events.
type EventType string

const (
	// EventOpCompleted fires when an operation succeeds.
	EventOpCompleted EventType = "op_completed"

	// EventOpFailed fires when an operation moves to failed, whether by
	// semantic rejection or retry exhaustion.
	EventOpFailed EventType = "op_failed"
)

// Event is surfaced to the caller (CLI, daemon, dashboard) so failures can
// be shown to the user without errors propagating through sync calls.
type Event struct {
	Type EventType `json:"type"`
	Op   Operation `json:"op"`
	Time time.Time `json:"time"`
}

// Config tunes the scheduler. Zero values take the defaults above.
type Config struct {
	Ceiling   int
	Backoff   []time.Duration
	Retention time.Duration
	Logger    *log.Logger

	// Now and Sleep exist so tests can drive the schedule with a fake
	// clock. Nil means real time.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Scheduler drains the queue against the remote service with exponential
// backoff. One scheduler per queue; Drain is safe to call from anywhere.
type Scheduler struct {
	queue   *Queue
	client  remote.Client
	records RecordMarker
	tombs   TombstoneClearer
	logger  *log.Logger

	ceiling   int
	backoff   []time.Duration
	retention time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	draining atomic.Bool
	events   chan Event
}

// NewScheduler creates a scheduler. tombs may be nil when delete
// confirmation has no tombstones to clear (tests).
func NewScheduler(q *Queue, client remote.Client, records RecordMarker, tombs TombstoneClearer, cfg Config) *Scheduler {
	if cfg.Ceiling == 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	return &Scheduler{
		queue:     q,
		client:    client,
		records:   records,
		tombs:     tombs,
		logger:    cfg.Logger,
		ceiling:   cfg.Ceiling,
		backoff:   cfg.Backoff,
		retention: cfg.Retention,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
		events:    make(chan Event, 64),
	}
}

// Events returns the channel on which operation outcomes are surfaced.
// Events are dropped (with a log line) if nobody is consuming.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Drain processes pending operations in FIFO order until none remain or
// ctx is cancelled. If a drain is already running, the call is a no-op:
// draining is idempotent and re-entrant-safe.
//
// One operation is in flight at a time; a backoff wait suspends the whole
// queue. Returns an error only for context cancellation or a local
// persistence failure — remote failures are recorded on the operations
// themselves.
func (s *Scheduler) Drain(ctx context.Context) error {
	if !s.draining.CompareAndSwap(false, true) {
		s.logger.Printf("Drain already in progress, skipping")
		return nil
	}
	defer s.draining.Store(false)

	completed := 0
	for {
		op, ok := s.queue.NextPending()
		if !ok {
			break
		}
		outcome, err := s.process(ctx, op)
		if err != nil {
			return err
		}
		if outcome == StatusCompleted {
			completed++
		}
	}

	if completed > 0 {
		cutoff := s.now().Add(-s.retention)
		if n, err := s.queue.PurgeCompleted(cutoff); err != nil {
			s.logger.Printf("Warning: failed to purge completed operations: %v", err)
		} else if n > 0 {
			s.logger.Printf("Purged %d completed operations", n)
		}
	}
	return nil
}

// process attempts op until it completes, fails, or ctx is cancelled.
// Returns the operation's final status.
func (s *Scheduler) process(ctx context.Context, op Operation) (Status, error) {
	for {
		op.Status = StatusProcessing
		op.LastAttemptAt = s.now()
		if err := s.queue.Update(op); err != nil {
			return op.Status, fmt.Errorf("failed to mark operation processing: %w", err)
		}

		err := s.apply(ctx, op)
		if err == nil {
			op.Status = StatusCompleted
			op.CompletedAt = s.now()
			op.LastError = ""
			if uerr := s.queue.Update(op); uerr != nil {
				return op.Status, fmt.Errorf("failed to mark operation completed: %w", uerr)
			}
			s.logger.Printf("Completed %s %s (%s, %d retries)", op.Kind, op.Entity, op.OpID, op.RetryCount)
			s.emit(Event{Type: EventOpCompleted, Op: op, Time: s.now()})
			return StatusCompleted, nil
		}

		if ctx.Err() != nil {
			// Cancellation, not a remote verdict: leave the operation
			// pending for the next drain.
			op.Status = StatusPending
			_ = s.queue.Update(op)
			return StatusPending, ctx.Err()
		}

		op.RetryCount++
		op.LastError = err.Error()

		if !remote.IsTransient(err) {
			s.logger.Printf("Operation %s rejected: %v", op.OpID, err)
			return s.fail(op)
		}
		if op.RetryCount >= s.ceiling {
			s.logger.Printf("Operation %s exhausted %d attempts: %v", op.OpID, op.RetryCount, err)
			return s.fail(op)
		}

		op.Status = StatusPending
		if uerr := s.queue.Update(op); uerr != nil {
			return op.Status, fmt.Errorf("failed to record attempt: %w", uerr)
		}

		wait := s.backoff[min(op.RetryCount-1, len(s.backoff)-1)]
		s.logger.Printf("Operation %s attempt %d failed (%v), retrying in %v", op.OpID, op.RetryCount, err, wait)
		if serr := s.sleep(ctx, wait); serr != nil {
			return StatusPending, serr
		}
	}
}

// fail moves op to failed, reflects the state onto its record, and emits a
// failure event for the caller to surface.
func (s *Scheduler) fail(op Operation) (Status, error) {
	op.Status = StatusFailed
	if err := s.queue.Update(op); err != nil {
		return op.Status, fmt.Errorf("failed to mark operation failed: %w", err)
	}
	if op.LocalID != "" && op.Kind != KindDelete {
		if err := s.records.SetState(op.LocalID, record.StateFailed); err != nil {
			s.logger.Printf("Warning: failed to mark record %s failed: %v", op.LocalID, err)
		}
	}
	s.emit(Event{Type: EventOpFailed, Op: op, Time: s.now()})
	return StatusFailed, nil
}

// apply performs the remote call for op and reflects success onto the
// record store.
func (s *Scheduler) apply(ctx context.Context, op Operation) error {
	switch op.Kind {
	case KindCreate:
		created, err := s.client.Create(ctx, op.Entity, *op.Record)
		if err != nil {
			return err
		}
		if err := s.records.MarkSynced(op.LocalID, created.RemoteID); err != nil {
			// The remote copy exists; the next pull reconciles the
			// identifiers through the deduplicator.
			s.logger.Printf("Warning: create %s succeeded remotely but local mark failed: %v", op.LocalID, err)
		}
		return nil

	case KindUpdate:
		if _, err := s.client.Update(ctx, op.Entity, op.TargetID, *op.Record); err != nil {
			return err
		}
		if err := s.records.MarkSynced(op.LocalID, op.TargetID); err != nil {
			s.logger.Printf("Warning: update %s succeeded remotely but local mark failed: %v", op.LocalID, err)
		}
		return nil

	case KindDelete:
		if err := s.client.Delete(ctx, op.Entity, op.TargetID); err != nil {
			return err
		}
		if s.tombs != nil {
			// Remote delete confirmed: the tombstone has done its job.
			if err := s.tombs.Clear(op.TargetID); err != nil {
				s.logger.Printf("Warning: failed to clear tombstone for %s: %v", op.TargetID, err)
			}
		}
		return nil

	default:
		return remote.Semantic(fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
}

func (s *Scheduler) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Printf("Warning: event channel full, dropping %s for %s", ev.Type, ev.Op.OpID)
	}
}

// sleepContext waits for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
