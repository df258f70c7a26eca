package queue

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/pmeredith/dosetrack/internal/record"
	"github.com/pmeredith/dosetrack/internal/remote"
	"github.com/pmeredith/dosetrack/internal/store"
)

// fakeClient scripts one result per remote call, in order. A nil entry is
// a success; once the script runs out, every call succeeds.
type fakeClient struct {
	mu      sync.Mutex
	script  []error
	calls   []string
	created int
	block   chan struct{} // when set, every call waits here first
}

func (c *fakeClient) next(call string) error {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	var err error
	if len(c.script) > 0 {
		err = c.script[0]
		c.script = c.script[1:]
	}
	block := c.block
	c.mu.Unlock()

	if block != nil {
		<-block
	}
	return err
}

func (c *fakeClient) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *fakeClient) List(ctx context.Context, entity record.EntityType) ([]record.Record, error) {
	return nil, c.next("list " + string(entity))
}

func (c *fakeClient) Create(ctx context.Context, entity record.EntityType, rec record.Record) (record.Record, error) {
	if err := c.next("create " + rec.LocalID); err != nil {
		return record.Record{}, err
	}
	c.mu.Lock()
	c.created++
	rec.RemoteID = fmt.Sprintf("r-%d", c.created)
	c.mu.Unlock()
	return rec, nil
}

func (c *fakeClient) Update(ctx context.Context, entity record.EntityType, remoteID string, rec record.Record) (record.Record, error) {
	if err := c.next("update " + remoteID); err != nil {
		return record.Record{}, err
	}
	rec.RemoteID = remoteID
	return rec, nil
}

func (c *fakeClient) Delete(ctx context.Context, entity record.EntityType, remoteID string) error {
	return c.next("delete " + remoteID)
}

// fakeRecords tracks MarkSynced/SetState calls.
type fakeRecords struct {
	mu       sync.Mutex
	states   map[string]record.SyncState
	remoteID map[string]string
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		states:   make(map[string]record.SyncState),
		remoteID: make(map[string]string),
	}
}

func (f *fakeRecords) MarkSynced(localID, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[localID] = record.StateSynced
	if remoteID != "" {
		f.remoteID[localID] = remoteID
	}
	return nil
}

func (f *fakeRecords) SetState(localID string, state record.SyncState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[localID] = state
	return nil
}

func (f *fakeRecords) state(localID string) record.SyncState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[localID]
}

// fakeTombs records Clear calls.
type fakeTombs struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeTombs) Clear(entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, entityID)
	return nil
}

// schedClock drives the scheduler without real waiting.
type schedClock struct {
	mu    sync.Mutex
	t     time.Time
	waits []time.Duration
}

func (c *schedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *schedClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

func newTestScheduler(t *testing.T, client *fakeClient, records *fakeRecords, tombs *fakeTombs) (*Scheduler, *Queue, *schedClock) {
	t.Helper()

	q := loadTestQueue(t, store.NewMemory())
	clock := &schedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	var tc TombstoneClearer
	if tombs != nil {
		tc = tombs
	}
	s := NewScheduler(q, client, records, tc, Config{
		Logger: log.New(io.Discard, "", 0),
		Now:    clock.now,
		Sleep:  clock.sleep,
	})
	return s, q, clock
}

func TestDrainBackoffScenario(t *testing.T) {
	// Transient failures on attempts 1 and 2, success on attempt 3: the
	// operation completes with retryCount=2 and the record is synced.
	client := &fakeClient{script: []error{
		remote.Transient("network unreachable"),
		remote.Transient("timeout"),
		nil,
	}}
	records := newFakeRecords()
	s, q, clock := newTestScheduler(t, client, records, nil)

	op := NewCreate(testDose("l-1"))
	if err := q.Enqueue(op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	got, _ := q.Get(op.OpID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", got.RetryCount)
	}
	if records.state("l-1") != record.StateSynced {
		t.Errorf("record state = %s, want synced", records.state("l-1"))
	}
	if records.remoteID["l-1"] != "r-1" {
		t.Errorf("remote id = %q, want r-1", records.remoteID["l-1"])
	}

	// Waits follow the schedule: 1s after the first failure, 2s after
	// the second.
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(clock.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", clock.waits, want)
	}
	for i := range want {
		if clock.waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, clock.waits[i], want[i])
		}
	}
}

func TestDrainRetryCeiling(t *testing.T) {
	client := &fakeClient{script: []error{
		remote.Transient("1"), remote.Transient("2"), remote.Transient("3"),
		remote.Transient("4"), remote.Transient("5"),
	}}
	records := newFakeRecords()
	s, q, _ := newTestScheduler(t, client, records, nil)

	op := NewCreate(testDose("l-1"))
	if err := q.Enqueue(op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	got, _ := q.Get(op.OpID)
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.RetryCount != 5 {
		t.Errorf("retryCount = %d, want 5", got.RetryCount)
	}
	if got.LastError == "" {
		t.Errorf("failed op lost its last error")
	}
	if records.state("l-1") != record.StateFailed {
		t.Errorf("record state = %s, want failed", records.state("l-1"))
	}
	if calls := len(client.callLog()); calls != 5 {
		t.Errorf("remote called %d times, want exactly 5 (no 6th automatic attempt)", calls)
	}

	// A failure event was emitted for the caller to surface.
	select {
	case ev := <-s.Events():
		if ev.Type != EventOpFailed {
			t.Errorf("event type = %s, want op_failed", ev.Type)
		}
	default:
		t.Errorf("no failure event emitted")
	}

	// Another drain does not touch the failed op.
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("second Drain failed: %v", err)
	}
	if calls := len(client.callLog()); calls != 5 {
		t.Errorf("failed op was retried automatically (%d calls)", calls)
	}

	// Manual retry starts over at attempt 1 and succeeds (script is
	// exhausted, so calls succeed now).
	if err := q.Retry(op.OpID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("post-retry Drain failed: %v", err)
	}
	got, _ = q.Get(op.OpID)
	if got.Status != StatusCompleted || got.RetryCount != 0 {
		t.Errorf("after manual retry: %s/%d, want completed/0", got.Status, got.RetryCount)
	}
}

func TestDrainSemanticRejectionFailsImmediately(t *testing.T) {
	client := &fakeClient{script: []error{remote.Semantic("malformed payload")}}
	records := newFakeRecords()
	s, q, clock := newTestScheduler(t, client, records, nil)

	op := NewCreate(testDose("l-1"))
	if err := q.Enqueue(op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	got, _ := q.Get(op.OpID)
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if calls := len(client.callLog()); calls != 1 {
		t.Errorf("semantic rejection retried: %d calls", calls)
	}
	if len(clock.waits) != 0 {
		t.Errorf("semantic rejection waited out a backoff: %v", clock.waits)
	}
}

func TestDrainFIFOAcrossOperations(t *testing.T) {
	client := &fakeClient{}
	s, q, _ := newTestScheduler(t, client, newFakeRecords(), nil)

	for _, local := range []string{"l-1", "l-2", "l-3"} {
		if err := q.Enqueue(NewCreate(testDose(local))); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	want := []string{"create l-1", "create l-2", "create l-3"}
	got := client.callLog()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDrainDeleteClearsTombstone(t *testing.T) {
	client := &fakeClient{}
	tombs := &fakeTombs{}
	s, q, _ := newTestScheduler(t, client, newFakeRecords(), tombs)

	if err := q.Enqueue(NewDelete(record.EntityDose, "l-1", "r-9")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if len(tombs.cleared) != 1 || tombs.cleared[0] != "r-9" {
		t.Errorf("cleared tombstones = %v, want [r-9]", tombs.cleared)
	}
}

func TestDrainIsReentrantSafe(t *testing.T) {
	client := &fakeClient{block: make(chan struct{})}
	s, q, _ := newTestScheduler(t, client, newFakeRecords(), nil)

	if err := q.Enqueue(NewCreate(testDose("l-1"))); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Drain(context.Background())
	}()

	// Wait until the first drain is inside the remote call.
	deadline := time.After(2 * time.Second)
	for len(client.callLog()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("first drain never reached the remote call")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// A second drain while one is running is an immediate no-op.
	if err := s.Drain(context.Background()); err != nil {
		t.Errorf("re-entrant Drain returned error: %v", err)
	}

	close(client.block)
	if err := <-done; err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if calls := len(client.callLog()); calls != 1 {
		t.Errorf("remote called %d times, want 1", calls)
	}
}

func TestDrainCancellationLeavesPending(t *testing.T) {
	client := &fakeClient{script: []error{remote.Transient("down")}}
	s, q, _ := newTestScheduler(t, client, newFakeRecords(), nil)

	op := NewCreate(testDose("l-1"))
	if err := q.Enqueue(op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Drain(ctx); err == nil {
		t.Fatalf("cancelled Drain returned nil")
	}

	got, _ := q.Get(op.OpID)
	if got.Status != StatusPending {
		t.Errorf("status after cancellation = %s, want pending", got.Status)
	}
}
