// Package record defines the domain records tracked by dosetrack: dose
// events, inventory vials, and body-weight samples.
//
// Records are flat structures with last-write-wins-friendly fields. Every
// record carries two identifiers: a LocalID assigned at creation that never
// changes, and a RemoteID that stays empty until the record has been pushed
// to the remote service once. Because the same real-world event can exist
// locally and remotely under different identifiers, records also expose a
// content key derived from their semantically identifying fields; the
// deduplicator matches on that key, never on identifiers alone.
package record

import (
	"fmt"
	"time"
)

// EntityType identifies which kind of domain record this is.
type EntityType string

const (
	// EntityDose is a single administered dose event.
	EntityDose EntityType = "dose"

	// EntityVial is an inventory vial.
	EntityVial EntityType = "vial"

	// EntityWeight is a body-weight sample.
	EntityWeight EntityType = "weight"
)

// AllEntityTypes lists every entity type in a fixed order so that
// per-entity iteration (pull sync, status reporting) is deterministic.
var AllEntityTypes = []EntityType{EntityDose, EntityVial, EntityWeight}

// SyncState describes where a record stands relative to the remote service.
type SyncState string

const (
	// StateLocalOnly means the record exists only locally and no push has
	// been attempted yet.
	StateLocalOnly SyncState = "local-only"

	// StatePending means a push operation for this record is queued.
	StatePending SyncState = "pending"

	// StateSynced means the record has round-tripped through the remote
	// service and carries a RemoteID.
	StateSynced SyncState = "synced"

	// StateFailed means the push operation for this record exhausted its
	// retries or was rejected; user action is required.
	StateFailed SyncState = "failed"
)

// Record is a single domain record. The payload fields are a union across
// entity types: Site applies to doses, LotNumber to vials, BodyFatPct to
// weight samples. Unused fields stay at their zero value.
type Record struct {
	LocalID  string     `json:"local_id"`
	RemoteID string     `json:"remote_id,omitempty"`
	Entity   EntityType `json:"entity"`

	Timestamp time.Time `json:"timestamp"`
	Quantity  float64   `json:"quantity"`
	Site      string    `json:"site,omitempty"`

	// Optional fields. These feed the completeness score used by the
	// deduplicator to pick a winner between two copies of the same event.
	Notes      string  `json:"notes,omitempty"`
	LotNumber  string  `json:"lot_number,omitempty"`
	RefID      string  `json:"ref_id,omitempty"`
	BodyFatPct float64 `json:"body_fat_pct,omitempty"`

	SyncState SyncState `json:"sync_state"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContentKey returns the composite of this record's semantically identifying
// fields. Two records with equal content keys represent the same real-world
// event regardless of their identifiers.
//
// The key must be stable for the record's logical lifetime: mutating a field
// that composes the key creates a logically new record as far as dedup is
// concerned.
func (r *Record) ContentKey() string {
	h, ok := HandlerFor(r.Entity)
	if !ok {
		// Unknown entity: fall back to the widest key so nothing collides.
		return fmt.Sprintf("%s|%s|%g|%s|%s", r.Entity, keyTime(r.Timestamp), r.Quantity, r.Site, r.LotNumber)
	}
	return h.ContentKey(r)
}

// CompletenessScore counts populated optional fields. Higher scores win
// during dedup merges.
func (r *Record) CompletenessScore() int {
	score := 0
	if r.Notes != "" {
		score++
	}
	if r.LotNumber != "" {
		score++
	}
	if r.RefID != "" {
		score++
	}
	if r.BodyFatPct != 0 {
		score++
	}
	return score
}

// Validate checks that the record's required fields are present and that its
// entity type is known.
func (r *Record) Validate() error {
	if r.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	h, ok := HandlerFor(r.Entity)
	if !ok {
		return fmt.Errorf("unknown entity type %q", r.Entity)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return h.Validate(r)
}

// Identifier returns the identifier to report for this record in logs and
// merge decisions: the remote id when it exists, the local id otherwise.
func (r *Record) Identifier() string {
	if r.RemoteID != "" {
		return r.RemoteID
	}
	return r.LocalID
}

// keyTime normalizes a timestamp for content-key composition: UTC, second
// precision, RFC 3339. Sub-second jitter between the local and remote copy
// of the same event must not defeat the match.
func keyTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
