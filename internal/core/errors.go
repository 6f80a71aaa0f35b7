// Package core defines the error vocabulary shared by the agent core and
// its transports. Every failure surfaced across a package boundary carries
// a Kind so handlers can map it to a wire code without string matching.
package core

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a stable error code. Transports serialize it verbatim.
type Kind string

const (
	KindSessionNotFound  Kind = "session_not_found"
	KindSessionConflict  Kind = "session_conflict"
	KindBadArgs          Kind = "bad_args"
	KindToolNotVisible   Kind = "tool_not_visible"
	KindToolMissing      Kind = "tool_missing"
	KindTimeout          Kind = "timeout"
	KindCancelled        Kind = "cancelled"
	KindStepBudget       Kind = "step_budget_exhausted"
	KindPathEscape       Kind = "workspace_path_escape"
	KindFileTooLarge     Kind = "file_too_large"
	KindNotFound         Kind = "not_found"
	KindConflictNotFound Kind = "conflict_not_found"
	KindJobConflict      Kind = "job_conflict"
	KindJobStuck         Kind = "job_stuck"
	KindJobFailed        Kind = "job_failed"
	KindPersistence      Kind = "persistence_error"
	KindInternal         Kind = "internal"
)

// Error is a classified error with an optional cause chain.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// E builds a classified error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf reports the kind carried by err. Context errors map to their
// corresponding kinds; anything unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
