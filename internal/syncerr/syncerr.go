// Package syncerr defines the error taxonomy of spec.md §7: a set of
// error kinds distinguished by whether they abort the run (startup,
// schema-gate) or are recoverable per-entity.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by spec.md §7's taxonomy.
type Kind string

const (
	KindConfig          Kind = "config"
	KindAuth            Kind = "auth"
	KindMetadata        Kind = "metadata"
	KindSchema          Kind = "schema"
	KindTransport       Kind = "transport"
	KindServer          Kind = "server"
	KindPKResolution    Kind = "pk_resolution"
	KindIntegrityIssue  Kind = "integrity_issue"
)

// Error wraps an underlying cause with its taxonomy Kind and, for
// per-entity errors, the entity name.
type Error struct {
	Kind   Kind
	Entity string
	Err    error
}

func (e *Error) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as a run-level (no entity) error of the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewForEntity wraps err as a per-entity error of the given kind.
func NewForEntity(kind Kind, entity string, err error) *Error {
	return &Error{Kind: kind, Entity: entity, Err: err}
}

// Is reports whether err, or any error it wraps, is a *Error of the
// given kind (found with errors.As).
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// Fatal reports whether kind aborts the run before any data mutation, as
// opposed to being recoverable per-entity (spec.md §7 policy).
func Fatal(kind Kind) bool {
	switch kind {
	case KindConfig, KindAuth, KindMetadata, KindSchema:
		return true
	default:
		return false
	}
}

// Preview truncates an error's message to at most n characters for the
// sync-log roll-up (spec.md §7: "truncated messages (≤100 chars
// preview)"), matching the original implementation's
// sync_helpers.py truncation behavior.
func Preview(err error, n int) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= n {
		return msg
	}
	if n <= 3 {
		return msg[:n]
	}
	return msg[:n-3] + "..."
}
