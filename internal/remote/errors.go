package remote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies remote failures for the retry scheduler.
type ErrorKind string

const (
	// KindTransient covers network unreachability, timeouts, and
	// 5xx-class responses. Retryable with backoff.
	KindTransient ErrorKind = "transient"

	// KindSemantic covers payload rejections and conflicting state
	// reported by the remote. Retrying cannot succeed.
	KindSemantic ErrorKind = "semantic"
)

// Error is a classified remote failure.
type Error struct {
	Kind   ErrorKind
	Status int // HTTP status, 0 for transport errors
	Msg    string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote: %s (status %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("remote: %s: %s", e.Kind, e.Msg)
}

// Transient wraps a transport-level failure as retryable.
func Transient(msg string) *Error {
	return &Error{Kind: KindTransient, Msg: msg}
}

// Semantic wraps a rejection as non-retryable.
func Semantic(msg string) *Error {
	return &Error{Kind: KindSemantic, Msg: msg}
}

// IsTransient reports whether err should drive a retry with backoff.
// Unclassified errors are treated as transient: a failure we cannot
// attribute to the payload is worth retrying.
func IsTransient(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindTransient
	}
	return true
}
