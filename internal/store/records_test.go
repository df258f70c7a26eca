package store

import (
	"errors"
	"testing"
	"time"

	"github.com/pmeredith/dosetrack/internal/record"
)

func testRecord(id string, entity record.EntityType, quantity float64) record.Record {
	return record.Record{
		LocalID:   id,
		Entity:    entity,
		Timestamp: time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC),
		Quantity:  quantity,
		SyncState: record.StateLocalOnly,
	}
}

func newTestRecordStore(t *testing.T, kv KV) *RecordStore {
	t.Helper()

	s, err := NewRecordStore(kv)
	if err != nil {
		t.Fatalf("failed to create record store: %v", err)
	}
	return s
}

func TestRecordStorePutGetList(t *testing.T) {
	s := newTestRecordStore(t, NewMemory())

	if err := s.Put(testRecord("d1", record.EntityDose, 5)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(testRecord("w1", record.EntityWeight, 82)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := s.Get("d1")
	if !ok {
		t.Fatalf("Get(d1) not found")
	}
	if got.Quantity != 5 {
		t.Errorf("Get(d1).Quantity = %g, want 5", got.Quantity)
	}

	doses := s.List(record.EntityDose)
	if len(doses) != 1 {
		t.Errorf("List(dose) = %d records, want 1", len(doses))
	}
	if len(s.All()) != 2 {
		t.Errorf("All() = %d records, want 2", len(s.All()))
	}
}

func TestRecordStoreRejectsInvalid(t *testing.T) {
	s := newTestRecordStore(t, NewMemory())

	bad := testRecord("d1", record.EntityDose, 5)
	bad.Entity = "pill"
	if err := s.Put(bad); err == nil {
		t.Errorf("Put accepted a record with an unknown entity type")
	}
}

func TestRecordStoreMarkSynced(t *testing.T) {
	s := newTestRecordStore(t, NewMemory())

	if err := s.Put(testRecord("d1", record.EntityDose, 5)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.MarkSynced("d1", "r-99"); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	got, _ := s.Get("d1")
	if got.RemoteID != "r-99" {
		t.Errorf("RemoteID = %q, want r-99", got.RemoteID)
	}
	if got.SyncState != record.StateSynced {
		t.Errorf("SyncState = %q, want synced", got.SyncState)
	}

	// A later sync confirmation without a remote id must not erase it.
	if err := s.MarkSynced("d1", ""); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	got, _ = s.Get("d1")
	if got.RemoteID != "r-99" {
		t.Errorf("RemoteID erased by empty MarkSynced, got %q", got.RemoteID)
	}
}

func TestRecordStoreDelete(t *testing.T) {
	s := newTestRecordStore(t, NewMemory())

	if err := s.Put(testRecord("d1", record.EntityDose, 5)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(testRecord("d2", record.EntityDose, 10)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := s.Delete("d1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := s.Get("d1"); ok {
		t.Errorf("deleted record still present")
	}
	if _, ok := s.Get("d2"); !ok {
		t.Errorf("surviving record lost its index entry")
	}

	// Idempotent
	if err := s.Delete("d1"); err != nil {
		t.Errorf("Delete(absent) failed: %v", err)
	}
}

func TestRecordStoreSurvivesReload(t *testing.T) {
	kv := NewMemory()
	s := newTestRecordStore(t, kv)

	if err := s.Put(testRecord("d1", record.EntityDose, 5)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.MarkSynced("d1", "r-1"); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	reloaded := newTestRecordStore(t, kv)
	got, ok := reloaded.Get("d1")
	if !ok {
		t.Fatalf("record lost across reload")
	}
	if got.RemoteID != "r-1" || got.SyncState != record.StateSynced {
		t.Errorf("reloaded record = %+v, want synced with r-1", got)
	}
}

func TestRecordStoreRollsBackOnPersistFailure(t *testing.T) {
	kv := NewMemory()
	s := newTestRecordStore(t, kv)

	if err := s.Put(testRecord("d1", record.EntityDose, 5)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	kv.FailNextSets(1, errors.New("disk full"))
	err := s.Put(testRecord("d2", record.EntityDose, 10))
	if err == nil {
		t.Fatalf("Put succeeded despite persistence failure")
	}

	// In-memory state must not have advanced past the last durable write.
	if _, ok := s.Get("d2"); ok {
		t.Errorf("failed Put left the record in memory")
	}
	if len(s.All()) != 1 {
		t.Errorf("store has %d records, want 1", len(s.All()))
	}
}

func TestRecordStoreCountByState(t *testing.T) {
	s := newTestRecordStore(t, NewMemory())

	if err := s.Put(testRecord("d1", record.EntityDose, 5)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(testRecord("d2", record.EntityDose, 10)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.MarkSynced("d2", "r-2"); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	counts := s.CountByState()
	if counts[record.StateLocalOnly] != 1 || counts[record.StateSynced] != 1 {
		t.Errorf("CountByState = %v, want 1 local-only and 1 synced", counts)
	}
}
