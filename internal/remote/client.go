// Package remote defines the collaborators the sync core talks to across
// the network boundary: the remote record API, the connectivity signal, and
// the session provider.
package remote

import (
	"context"

	"github.com/pmeredith/dosetrack/internal/record"
)

// Client performs record operations against the remote service.
//
// Field-name translation between the local record shape and the remote wire
// shape is this layer's responsibility; the sync orchestrator only ever sees
// record.Record. Calls either complete, time out (per-call timeout owned by
// the implementation), or the process exits; there is no mid-flight
// cancellation of an individual call beyond its context.
type Client interface {
	// List fetches the full remote record set for one entity type.
	List(ctx context.Context, entity record.EntityType) ([]record.Record, error)

	// Create pushes a new record and returns the remote copy, which carries
	// the remote-assigned identifier.
	Create(ctx context.Context, entity record.EntityType, rec record.Record) (record.Record, error)

	// Update replaces the remote record with the given remote id.
	Update(ctx context.Context, entity record.EntityType, remoteID string, rec record.Record) (record.Record, error)

	// Delete removes the remote record with the given remote id.
	// Deleting an absent record is not an error.
	Delete(ctx context.Context, entity record.EntityType, remoteID string) error
}

// Connectivity exposes the current online/offline state and a subscription
// for transitions. The transition to online is the only network-driven wake
// source for a paused queue drain.
type Connectivity interface {
	// Online reports the current connectivity state.
	Online() bool

	// Subscribe registers a handler called on every state transition.
	// The returned function unsubscribes the handler.
	Subscribe(handler func(online bool)) (unsubscribe func())
}

// Session exposes the authentication state. The sync core treats
// "unauthenticated" identically to "offline": sync operations become no-ops
// that preserve local-only data.
type Session interface {
	// Authenticated reports whether a valid session exists.
	Authenticated() bool

	// Token returns the bearer token for API calls, or empty when
	// unauthenticated.
	Token() string

	// Subscribe registers a handler called when the session state changes.
	// The returned function unsubscribes the handler.
	Subscribe(handler func(authenticated bool)) (unsubscribe func())
}
