// Package tombstone suppresses resurrection of locally deleted records.
//
// When a record is deleted locally, the deletion still has to propagate to
// the remote service through the operation queue. Until that happens (or
// until the window expires), a pull sync could see the record in the remote
// list and merge it straight back in. A tombstone is a time-boxed marker
// that tells the deduplicator to drop such records instead.
//
// Expiry is a soft guarantee: once a tombstone lapses, the entity is not
// protected anymore. The window (default two minutes) is chosen to exceed a
// typical pull round trip, but it does not close the race where the delete
// operation is still pending when the window expires and a concurrent pull
// reintroduces the record; the delete retries independently through the
// queue in that case.
package tombstone

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pmeredith/dosetrack/internal/store"
)

// DefaultWindow is how long a tombstone protects an entity.
const DefaultWindow = 120 * time.Second

// Tombstone records one pending deletion.
type Tombstone struct {
	// EntityID is the deleted record's identifier: its remote id when it
	// had one, its local id otherwise.
	EntityID string `json:"entity_id"`

	// ContentKey is the deleted record's last-known content key, so a
	// remote copy carrying a different identifier is suppressed too.
	ContentKey string `json:"content_key,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`
}

// Tracker owns the tombstone set. Expiry is lazy: stale tombstones are
// removed on read, never by a background sweep.
type Tracker struct {
	kv  store.KV
	now func() time.Time

	mu     sync.Mutex
	tombs  []Tombstone
	byID   map[string]int
	byKey  map[string]int
}

// New loads the tombstone document from kv. A missing document is an empty
// tracker. A nil now defaults to time.Now.
func New(kv store.KV, now func() time.Time) (*Tracker, error) {
	if now == nil {
		now = time.Now
	}
	t := &Tracker{kv: kv, now: now}

	data, err := kv.Get(store.KeyTombstones)
	if err == store.ErrNotFound {
		t.reindex()
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tombstones: %w", err)
	}
	if err := json.Unmarshal(data, &t.tombs); err != nil {
		return nil, fmt.Errorf("failed to parse tombstone document: %w", err)
	}
	t.reindex()
	return t, nil
}

// MarkDeleted creates a tombstone expiring window from now. A zero window
// uses DefaultWindow. Marking an already-tombstoned entity extends its
// window.
func (t *Tracker) MarkDeleted(entityID, contentKey string, window time.Duration) error {
	if window == 0 {
		window = DefaultWindow
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()

	tomb := Tombstone{
		EntityID:   entityID,
		ContentKey: contentKey,
		ExpiresAt:  t.now().Add(window),
	}
	if i, ok := t.byID[entityID]; ok {
		return t.mutateLocked(func() { t.tombs[i] = tomb })
	}
	return t.mutateLocked(func() { t.tombs = append(t.tombs, tomb) })
}

// IsTombstoned reports whether an unexpired tombstone exists for entityID.
func (t *Tracker) IsTombstoned(entityID string) bool {
	if entityID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()

	_, ok := t.byID[entityID]
	return ok
}

// IsKeyTombstoned reports whether any unexpired tombstone's last-known
// content key matches key.
func (t *Tracker) IsKeyTombstoned(key string) bool {
	if key == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()

	_, ok := t.byKey[key]
	return ok
}

// Clear removes the tombstone for entityID. Used when the remote delete is
// confirmed, or when the user cancels a pending delete. Clearing an absent
// tombstone is not an error.
func (t *Tracker) Clear(entityID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.byID[entityID]
	if !ok {
		return nil
	}
	return t.mutateLocked(func() {
		t.tombs = append(t.tombs[:i], t.tombs[i+1:]...)
	})
}

// Active returns a copy of the unexpired tombstones.
func (t *Tracker) Active() []Tombstone {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()

	out := make([]Tombstone, len(t.tombs))
	copy(out, t.tombs)
	return out
}

// expireLocked drops lapsed tombstones. Expired entries are removed from
// memory immediately; the durable copy is trimmed on the next successful
// mutation, which is harmless because readers always go through here first.
func (t *Tracker) expireLocked() {
	now := t.now()
	kept := t.tombs[:0]
	for _, tomb := range t.tombs {
		if now.Before(tomb.ExpiresAt) {
			kept = append(kept, tomb)
		}
	}
	t.tombs = kept
	t.reindex()
}

// mutateLocked applies fn and persists, rolling back on failure.
func (t *Tracker) mutateLocked(fn func()) error {
	prev := make([]Tombstone, len(t.tombs))
	copy(prev, t.tombs)

	fn()

	data, err := json.Marshal(t.tombs)
	if err != nil {
		t.tombs = prev
		t.reindex()
		return fmt.Errorf("failed to marshal tombstones: %w", err)
	}
	if err := t.kv.Set(store.KeyTombstones, data); err != nil {
		t.tombs = prev
		t.reindex()
		return fmt.Errorf("failed to persist tombstones: %w", err)
	}
	t.reindex()
	return nil
}

func (t *Tracker) reindex() {
	t.byID = make(map[string]int, len(t.tombs))
	t.byKey = make(map[string]int, len(t.tombs))
	for i := range t.tombs {
		t.byID[t.tombs[i].EntityID] = i
		if t.tombs[i].ContentKey != "" {
			t.byKey[t.tombs[i].ContentKey] = i
		}
	}
}
