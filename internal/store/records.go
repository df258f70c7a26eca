package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pmeredith/dosetrack/internal/record"
)

// RecordStore persists the domain record set as a single JSON document
// under KeyRecords. It is the single source of truth for what the rest of
// the application reads.
//
// Every mutation is written through the KV before the in-memory state is
// considered advanced; if the durable write fails, the in-memory copy is
// rolled back so the store never presents a promise it cannot keep after a
// restart.
type RecordStore struct {
	kv KV

	mu      sync.RWMutex
	records []record.Record
	byLocal map[string]int
}

// NewRecordStore loads the record document from kv. A missing document is
// an empty store, not an error.
func NewRecordStore(kv KV) (*RecordStore, error) {
	s := &RecordStore{kv: kv, byLocal: make(map[string]int)}

	data, err := kv.Get(KeyRecords)
	if err == ErrNotFound {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("failed to parse record document: %w", err)
	}
	for i := range s.records {
		s.byLocal[s.records[i].LocalID] = i
	}
	return s, nil
}

// All returns a copy of every record.
func (s *RecordStore) All() []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]record.Record, len(s.records))
	copy(out, s.records)
	return out
}

// List returns a copy of every record of the given entity type, in
// insertion order.
func (s *RecordStore) List(entity record.EntityType) []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []record.Record
	for i := range s.records {
		if s.records[i].Entity == entity {
			out = append(out, s.records[i])
		}
	}
	return out
}

// Get returns the record with the given local id.
func (s *RecordStore) Get(localID string) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byLocal[localID]
	if !ok {
		return record.Record{}, false
	}
	return s.records[i], true
}

// Put inserts rec or replaces the record with the same local id.
func (s *RecordStore) Put(rec record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("cannot store invalid record: %w", err)
	}
	rec.UpdatedAt = time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutate(func() {
		if i, ok := s.byLocal[rec.LocalID]; ok {
			s.records[i] = rec
			return
		}
		s.byLocal[rec.LocalID] = len(s.records)
		s.records = append(s.records, rec)
	})
}

// Delete removes the record with the given local id. Deleting an absent
// record is not an error.
func (s *RecordStore) Delete(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byLocal[localID]
	if !ok {
		return nil
	}

	return s.mutate(func() {
		s.records = append(s.records[:i], s.records[i+1:]...)
		delete(s.byLocal, localID)
		for j := i; j < len(s.records); j++ {
			s.byLocal[s.records[j].LocalID] = j
		}
	})
}

// MarkSynced records a successful push: the record gains its remote id (if
// it didn't have one) and moves to StateSynced.
func (s *RecordStore) MarkSynced(localID, remoteID string) error {
	return s.update(localID, func(r *record.Record) {
		if remoteID != "" {
			r.RemoteID = remoteID
		}
		r.SyncState = record.StateSynced
	})
}

// SetState moves the record to the given sync state.
func (s *RecordStore) SetState(localID string, state record.SyncState) error {
	return s.update(localID, func(r *record.Record) {
		r.SyncState = state
	})
}

// CountByState returns how many records are in each sync state.
func (s *RecordStore) CountByState() map[record.SyncState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[record.SyncState]int)
	for i := range s.records {
		counts[s.records[i].SyncState]++
	}
	return counts
}

// update applies fn to the record with the given local id and persists.
func (s *RecordStore) update(localID string, fn func(*record.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byLocal[localID]
	if !ok {
		return fmt.Errorf("record %s: %w", localID, ErrNotFound)
	}

	return s.mutate(func() {
		fn(&s.records[i])
		s.records[i].UpdatedAt = time.Now().UTC()
	})
}

// mutate applies fn to the in-memory state and persists the result. On a
// persistence failure the previous state is restored. Callers must hold
// the write lock.
func (s *RecordStore) mutate(fn func()) error {
	prev := make([]record.Record, len(s.records))
	copy(prev, s.records)
	prevIdx := make(map[string]int, len(s.byLocal))
	for k, v := range s.byLocal {
		prevIdx[k] = v
	}

	fn()

	data, err := json.Marshal(s.records)
	if err != nil {
		s.records, s.byLocal = prev, prevIdx
		return fmt.Errorf("failed to marshal records: %w", err)
	}
	if err := s.kv.Set(KeyRecords, data); err != nil {
		s.records, s.byLocal = prev, prevIdx
		return fmt.Errorf("failed to persist records: %w", err)
	}
	return nil
}
