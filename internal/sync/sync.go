// Package sync orchestrates the offline-first flow between the local record
// store and the remote service: push enqueues outgoing writes, pull merges
// the remote record set through the deduplicator, and a full sync is push
// then pull under one latch acquisition.
//
// Sync is best-effort by design. Being offline or unauthenticated never
// produces an error; local data stays local and the next sync catches up.
// Only local persistence failures are fatal.
package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pmeredith/dosetrack/internal/dedupe"
	"github.com/pmeredith/dosetrack/internal/queue"
	"github.com/pmeredith/dosetrack/internal/record"
	"github.com/pmeredith/dosetrack/internal/remote"
	"github.com/pmeredith/dosetrack/internal/store"
	"github.com/pmeredith/dosetrack/internal/tombstone"
)

// Status is a point-in-time snapshot of the sync machinery. Reading it never
// triggers network activity.
type Status struct {
	Online        bool                       `json:"online"`
	Authenticated bool                       `json:"authenticated"`
	Syncing       bool                       `json:"syncing"`
	Queue         map[queue.Status]int       `json:"queue"`
	Records       map[record.SyncState]int   `json:"records"`
	LastFullSync  time.Time                  `json:"last_full_sync,omitempty"`
}

// PullResult summarizes one pull pass.
type PullResult struct {
	Inserted int
	Updated  int
	Skipped  int
}

// Config carries the orchestrator's collaborators. Store, Queue, Scheduler,
// Tombstones, and Client are required; a nil Logger defaults to stderr.
type Config struct {
	Store        *store.RecordStore
	Queue        *queue.Queue
	Scheduler    *queue.Scheduler
	Tombstones   *tombstone.Tracker
	Client       remote.Client
	Connectivity remote.Connectivity
	Session      remote.Session
	Logger       *log.Logger

	// TombstoneWindow overrides the default deletion-suppression window.
	TombstoneWindow time.Duration
}

// Orchestrator coordinates push and pull. At most one sync runs at a time;
// a call that finds one in flight is a logged no-op.
type Orchestrator struct {
	store   *store.RecordStore
	queue   *queue.Queue
	sched   *queue.Scheduler
	tombs   *tombstone.Tracker
	client  remote.Client
	conn    remote.Connectivity
	session remote.Session
	logger  *log.Logger
	window  time.Duration

	syncing atomic.Bool

	mu        sync.Mutex
	lastFull  time.Time
	listeners map[int]func(Status)
	nextID    int
}

// New creates an orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	window := cfg.TombstoneWindow
	if window == 0 {
		window = tombstone.DefaultWindow
	}
	return &Orchestrator{
		store:     cfg.Store,
		queue:     cfg.Queue,
		sched:     cfg.Scheduler,
		tombs:     cfg.Tombstones,
		client:    cfg.Client,
		conn:      cfg.Connectivity,
		session:   cfg.Session,
		logger:    logger,
		window:    window,
		listeners: make(map[int]func(Status)),
	}
}

// CreateRecord stores a new record and queues it for push. An empty LocalID
// gets a generated uuid. The record starts local-only and moves to pending
// once its create operation is enqueued.
func (o *Orchestrator) CreateRecord(rec record.Record) (record.Record, error) {
	if rec.LocalID == "" {
		rec.LocalID = uuid.NewString()
	}
	rec.SyncState = record.StateLocalOnly

	if err := o.store.Put(rec); err != nil {
		return record.Record{}, err
	}
	if err := o.queue.Enqueue(queue.NewCreate(rec)); err != nil {
		// The record is safe locally; the next push pass re-collects it.
		o.logger.Printf("Warning: failed to enqueue create for %s: %v", rec.LocalID, err)
		return rec, nil
	}
	if err := o.store.SetState(rec.LocalID, record.StatePending); err != nil {
		return rec, err
	}
	rec.SyncState = record.StatePending
	return rec, nil
}

// UpdateRecord stores a changed record and queues the write. Records that
// have a remote id get an update operation; records that never synced get a
// create, unless one is already queued for them.
func (o *Orchestrator) UpdateRecord(rec record.Record) error {
	existing, ok := o.store.Get(rec.LocalID)
	if !ok {
		return fmt.Errorf("record %s: %w", rec.LocalID, store.ErrNotFound)
	}
	rec.RemoteID = existing.RemoteID
	rec.CreatedAt = existing.CreatedAt
	rec.SyncState = record.StatePending

	if err := o.store.Put(rec); err != nil {
		return err
	}
	if o.queue.Covers(rec.LocalID) {
		return nil
	}

	var op queue.Operation
	if rec.RemoteID != "" {
		op = queue.NewUpdate(rec)
	} else {
		op = queue.NewCreate(rec)
	}
	if err := o.queue.Enqueue(op); err != nil {
		o.logger.Printf("Warning: failed to enqueue %s for %s: %v", op.Kind, rec.LocalID, err)
	}
	return nil
}

// DeleteRecord removes a record locally, tombstones it so a concurrent pull
// cannot resurrect it, and queues the remote delete when the record has ever
// been pushed.
func (o *Orchestrator) DeleteRecord(localID string) error {
	rec, ok := o.store.Get(localID)
	if !ok {
		return fmt.Errorf("record %s: %w", localID, store.ErrNotFound)
	}

	if err := o.tombs.MarkDeleted(rec.Identifier(), rec.ContentKey(), o.window); err != nil {
		return fmt.Errorf("failed to tombstone %s: %w", rec.Identifier(), err)
	}
	if err := o.store.Delete(localID); err != nil {
		return err
	}
	if rec.RemoteID == "" {
		// Never pushed: nothing to delete remotely. The tombstone still
		// guards against a replayed import reintroducing it.
		return nil
	}
	if err := o.queue.Enqueue(queue.NewDelete(rec.Entity, rec.LocalID, rec.RemoteID)); err != nil {
		o.logger.Printf("Warning: failed to enqueue delete for %s: %v", rec.RemoteID, err)
	}
	return nil
}

// PushLocalChanges collects unsynced records into the queue and drains it.
// A push while another sync runs, or while unauthenticated, is a logged
// no-op. Offline, the collection still happens so the queue is ready the
// moment connectivity returns, but the drain is skipped.
func (o *Orchestrator) PushLocalChanges(ctx context.Context) error {
	if !o.syncing.CompareAndSwap(false, true) {
		o.logger.Printf("Sync already in progress, skipping push")
		return nil
	}
	defer o.syncing.Store(false)

	return o.push(ctx)
}

func (o *Orchestrator) push(ctx context.Context) error {
	if !o.authenticated() {
		o.logger.Printf("Not authenticated, skipping push")
		return nil
	}

	enqueued := 0
	for _, rec := range o.store.All() {
		if rec.SyncState != record.StateLocalOnly && rec.SyncState != record.StatePending {
			continue
		}
		if o.queue.Covers(rec.LocalID) {
			continue
		}

		var op queue.Operation
		if rec.RemoteID != "" {
			op = queue.NewUpdate(rec)
		} else {
			op = queue.NewCreate(rec)
		}
		if err := o.queue.Enqueue(op); err != nil {
			return fmt.Errorf("failed to enqueue %s for %s: %w", op.Kind, rec.LocalID, err)
		}
		if err := o.store.SetState(rec.LocalID, record.StatePending); err != nil {
			return err
		}
		enqueued++
	}
	if enqueued > 0 {
		o.logger.Printf("Collected %d records for push", enqueued)
	}

	if !o.online() {
		o.logger.Printf("Offline, leaving %d operations queued", len(o.queue.Pending()))
		return nil
	}
	return o.sched.Drain(ctx)
}

// PullRemoteChanges fetches the remote record set per entity type and merges
// it through the deduplicator. Offline or unauthenticated, the local data is
// simply left as is. A remote listing failure for one entity type is logged
// and the remaining types still sync.
func (o *Orchestrator) PullRemoteChanges(ctx context.Context) (PullResult, error) {
	if !o.syncing.CompareAndSwap(false, true) {
		o.logger.Printf("Sync already in progress, skipping pull")
		return PullResult{}, nil
	}
	defer o.syncing.Store(false)

	return o.pull(ctx)
}

func (o *Orchestrator) pull(ctx context.Context) (PullResult, error) {
	var res PullResult

	if !o.authenticated() {
		o.logger.Printf("Not authenticated, skipping pull")
		return res, nil
	}
	if !o.online() {
		o.logger.Printf("Offline, skipping pull")
		return res, nil
	}

	for _, entity := range record.AllEntityTypes {
		incoming, err := o.client.List(ctx, entity)
		if err != nil {
			o.logger.Printf("Warning: failed to list remote %ss: %v", entity, err)
			continue
		}

		plan := dedupe.Plan(incoming, o.store.List(entity), o.tombs)

		for _, rec := range plan.Inserts {
			if rec.LocalID == "" {
				rec.LocalID = uuid.NewString()
			}
			if rec.RemoteID != "" {
				rec.SyncState = record.StateSynced
			}
			if err := o.store.Put(rec); err != nil {
				return res, fmt.Errorf("failed to store pulled %s: %w", entity, err)
			}
			res.Inserted++
		}
		for _, upd := range plan.Updates {
			if err := o.store.Put(upd.Record); err != nil {
				return res, fmt.Errorf("failed to apply merge for %s: %w", upd.LocalID, err)
			}
			res.Updated++
		}
		res.Skipped += len(plan.Skipped)
	}

	if res.Inserted+res.Updated > 0 {
		o.logger.Printf("Pull merged %d new and %d updated records (%d skipped)", res.Inserted, res.Updated, res.Skipped)
	}
	return res, nil
}

// Import merges externally produced records (a dropped export file, the
// import command) into the store through the deduplicator and queues the
// new ones for push. Records matching an existing copy or an unexpired
// tombstone are skipped the same way a pull skips them.
func (o *Orchestrator) Import(recs []record.Record) (PullResult, error) {
	var res PullResult

	byEntity := make(map[record.EntityType][]record.Record)
	for _, rec := range recs {
		byEntity[rec.Entity] = append(byEntity[rec.Entity], rec)
	}

	for _, entity := range record.AllEntityTypes {
		batch := byEntity[entity]
		if len(batch) == 0 {
			continue
		}

		plan := dedupe.Plan(batch, o.store.List(entity), o.tombs)

		for _, rec := range plan.Inserts {
			if rec.LocalID == "" {
				rec.LocalID = uuid.NewString()
			}
			if rec.RemoteID != "" {
				rec.SyncState = record.StateSynced
			} else {
				rec.SyncState = record.StateLocalOnly
			}
			if err := o.store.Put(rec); err != nil {
				return res, fmt.Errorf("failed to store imported %s: %w", entity, err)
			}
			res.Inserted++

			if rec.RemoteID != "" {
				continue
			}
			if err := o.queue.Enqueue(queue.NewCreate(rec)); err != nil {
				o.logger.Printf("Warning: failed to enqueue create for imported %s: %v", rec.LocalID, err)
				continue
			}
			if err := o.store.SetState(rec.LocalID, record.StatePending); err != nil {
				return res, err
			}
		}
		for _, upd := range plan.Updates {
			if err := o.store.Put(upd.Record); err != nil {
				return res, fmt.Errorf("failed to apply import merge for %s: %w", upd.LocalID, err)
			}
			res.Updated++

			if upd.Record.RemoteID != "" || o.queue.Covers(upd.LocalID) {
				continue
			}
			if err := o.queue.Enqueue(queue.NewCreate(upd.Record)); err != nil {
				o.logger.Printf("Warning: failed to enqueue create for merged %s: %v", upd.LocalID, err)
			}
		}
		res.Skipped += len(plan.Skipped)
	}

	if res.Inserted+res.Updated > 0 {
		o.logger.Printf("Imported %d new and %d updated records (%d skipped)", res.Inserted, res.Updated, res.Skipped)
	}
	return res, nil
}

// FullSync runs push then pull under a single latch acquisition, then
// notifies status listeners.
func (o *Orchestrator) FullSync(ctx context.Context) error {
	if !o.syncing.CompareAndSwap(false, true) {
		o.logger.Printf("Sync already in progress, skipping full sync")
		return nil
	}
	defer o.syncing.Store(false)

	if err := o.push(ctx); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	if _, err := o.pull(ctx); err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	o.mu.Lock()
	o.lastFull = time.Now().UTC()
	o.mu.Unlock()

	o.notify()
	return nil
}

// Status reports the current sync state without triggering any activity.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	lastFull := o.lastFull
	o.mu.Unlock()

	return Status{
		Online:        o.online(),
		Authenticated: o.authenticated(),
		Syncing:       o.syncing.Load(),
		Queue:         o.queue.Counts(),
		Records:       o.store.CountByState(),
		LastFullSync:  lastFull,
	}
}

// Subscribe registers a handler called after every completed full sync. The
// returned function unsubscribes it.
func (o *Orchestrator) Subscribe(handler func(Status)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextID
	o.nextID++
	o.listeners[id] = handler

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, id)
	}
}

func (o *Orchestrator) notify() {
	status := o.Status()

	o.mu.Lock()
	handlers := make([]func(Status), 0, len(o.listeners))
	for _, h := range o.listeners {
		handlers = append(handlers, h)
	}
	o.mu.Unlock()

	for _, h := range handlers {
		h(status)
	}
}

func (o *Orchestrator) online() bool {
	return o.conn == nil || o.conn.Online()
}

func (o *Orchestrator) authenticated() bool {
	return o.session == nil || o.session.Authenticated()
}
