// Package memerr classifies failures of the memory engine so callers can
// decide between degrading, retrying and rejecting.
package memerr

import (
	"errors"
	"fmt"
)

// Kind classifies memory engine errors
type Kind int

const (
	// KindUnknown - unclassified error, treated as retryable by background jobs
	KindUnknown Kind = iota

	// TierUnavailable - one storage dependency is down. Recoverable, triggers degraded mode.
	TierUnavailable

	// EmbeddingFailure - the embedding capability failed. The semantic factor is skipped.
	EmbeddingFailure

	// ConsolidationConflict - a new fact contradicts an existing one
	ConsolidationConflict

	// QuotaExceeded - a write was throttled by the structured store or vector index
	QuotaExceeded

	// InvalidMemoryContent - content is too long or failed privacy validation
	InvalidMemoryContent
)

// String returns a human-readable kind name
func (k Kind) String() string {
	switch k {
	case TierUnavailable:
		return "tier_unavailable"
	case EmbeddingFailure:
		return "embedding_failure"
	case ConsolidationConflict:
		return "consolidation_conflict"
	case QuotaExceeded:
		return "quota_exceeded"
	case InvalidMemoryContent:
		return "invalid_memory_content"
	default:
		return "unknown"
	}
}

// Error wraps a cause with its kind, the failing operation and, when relevant, the tier
type Error struct {
	Kind Kind
	Op   string
	Tier string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Tier != "" {
		msg += " (" + e.Tier + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error from a format string
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Unavailable marks a tier or dependency as down
func Unavailable(tier, op string, err error) *Error {
	return &Error{Kind: TierUnavailable, Op: op, Tier: tier, Err: err}
}

// KindOf returns the kind of the first classified error in the chain
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a background job should retry the item.
// Content and conflict errors will not change on retry.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case InvalidMemoryContent, ConsolidationConflict:
		return false
	default:
		return true
	}
}
