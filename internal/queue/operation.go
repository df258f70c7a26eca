package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/pmeredith/dosetrack/internal/record"
)

// Kind is the write intent an operation carries.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Status is an operation's lifecycle state.
type Status string

const (
	// StatusPending means the operation is waiting for a drain pass.
	StatusPending Status = "pending"

	// StatusProcessing means the scheduler is attempting the operation
	// right now.
	StatusProcessing Status = "processing"

	// StatusCompleted means the remote call succeeded.
	StatusCompleted Status = "completed"

	// StatusFailed means the operation exhausted its retries or was
	// rejected; it stays failed until retried or cleared by the user.
	StatusFailed Status = "failed"
)

// Operation is one queued write intent.
type Operation struct {
	OpID   string            `json:"op_id"`
	Kind   Kind              `json:"kind"`
	Entity record.EntityType `json:"entity"`

	// LocalID is the local record this operation belongs to. Empty for
	// deletes of records that only ever existed remotely.
	LocalID string `json:"local_id,omitempty"`

	// TargetID is what the remote call addresses: the local id for
	// creates, the remote id for updates and deletes.
	TargetID string `json:"target_id"`

	// Record is the payload for creates and updates; nil for deletes.
	Record *record.Record `json:"record,omitempty"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`

	EnqueuedAt    time.Time `json:"enqueued_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// NewCreate builds a create operation for a record that has never been
// pushed.
func NewCreate(rec record.Record) Operation {
	r := rec
	return Operation{
		OpID:     uuid.NewString(),
		Kind:     KindCreate,
		Entity:   rec.Entity,
		LocalID:  rec.LocalID,
		TargetID: rec.LocalID,
		Record:   &r,
		Status:   StatusPending,
	}
}

// NewUpdate builds an update operation for a record that already has a
// remote id.
func NewUpdate(rec record.Record) Operation {
	r := rec
	return Operation{
		OpID:     uuid.NewString(),
		Kind:     KindUpdate,
		Entity:   rec.Entity,
		LocalID:  rec.LocalID,
		TargetID: rec.RemoteID,
		Record:   &r,
		Status:   StatusPending,
	}
}

// NewDelete builds a delete operation addressing a remote id.
func NewDelete(entity record.EntityType, localID, remoteID string) Operation {
	return Operation{
		OpID:     uuid.NewString(),
		Kind:     KindDelete,
		Entity:   entity,
		LocalID:  localID,
		TargetID: remoteID,
		Status:   StatusPending,
	}
}
