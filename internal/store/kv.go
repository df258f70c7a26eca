// Package store provides durable local persistence for dosetrack.
//
// The core persists three logical documents under stable keys: the domain
// record set, the operation queue, and the deletion tombstones. All three go
// through the KV interface so that tests can substitute an in-memory fake
// and the sync core never touches SQLite directly.
package store

import "errors"

// ErrNotFound is returned by Get when the key has never been set or has
// been removed.
var ErrNotFound = errors.New("store: key not found")

// Stable keys for the three logical documents owned by the sync core.
const (
	KeyRecords    = "records"
	KeyQueue      = "queue"
	KeyTombstones = "tombstones"
)

// KV is the local persistence collaborator. A single Set call must be
// atomic with respect to process crashes: a partially written value must
// never be observable on the next Get.
type KV interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set durably stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Remove deletes the key. Removing an absent key is not an error.
	Remove(key string) error
}
