// Package outboxerr defines the stable error taxonomy surfaced by every
// outboxkit component, so listeners, the dispatch pipeline, and retry
// strategies can branch on a Code rather than string-matching messages.
package outboxerr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Code is a stable error classification. Callers should branch on Code via
// errors.As(err, &outboxErr) rather than comparing error strings.
type Code string

const (
	// DBError marks an underlying driver failure.
	DBError Code = "DB_ERROR"
	// StorageFailed marks a failed insert into the outbox/inbox table.
	StorageFailed Code = "MESSAGE_STORAGE_FAILED"
	// HandlingFailed marks a user handler that threw or timed out.
	HandlingFailed Code = "MESSAGE_HANDLING_FAILED"
	// NotFound marks a row absent on verify.
	NotFound Code = "MESSAGE_NOT_FOUND"
	// AlreadyProcessed marks a row whose processed_at was already set on verify.
	AlreadyProcessed Code = "ALREADY_PROCESSED"
	// Abandoned marks a row whose abandoned_at was already set on verify.
	Abandoned Code = "ABANDONED"
	// Poisonous marks a row whose started/finished attempt gap exceeded the
	// poison threshold.
	Poisonous Code = "POISONOUS_MESSAGE"
	// MaxAttemptsExceeded marks a row whose finished_attempts reached the cap.
	MaxAttemptsExceeded Code = "MAX_ATTEMPTS_EXCEEDED"
	// ListenerStopped marks a listener loop observing shutdown mid-operation.
	ListenerStopped Code = "LISTENER_STOPPED"
	// ConcurrencyCancelled marks a concurrency controller cancelling a waiter.
	ConcurrencyCancelled Code = "CONCURRENCY_CANCELLED"
	// DecodeFailed marks a row or WAL tuple that failed to decode into a
	// message.Message (missing or mistyped column).
	DecodeFailed Code = "MESSAGE_DECODE_FAILED"
)

// Ident identifies the message an error concerns, when known. Zero value
// means "no message context" (e.g. a pure connection error).
type Ident struct {
	ID            uuid.UUID
	AggregateType string
	MessageType   string
}

func (i Ident) String() string {
	if i.ID == uuid.Nil {
		return "<no message>"
	}
	return fmt.Sprintf("%s (%s/%s)", i.ID, i.AggregateType, i.MessageType)
}

// Error is the concrete error type returned by outboxkit components. It
// always carries a stable Code and, when available, the offending
// message's identity plus a chainable cause.
type Error struct {
	Code    Code
	Message Ident
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, outboxerr.Poisonous) style comparisons by
// matching on Code alone when the target is a bare *Error with no cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Cause != nil || t.Message != (Ident{}) {
		return false
	}
	return e.Code == t.Code
}

// New builds an *Error with no message context.
func New(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

// Newf builds an *Error with no message context from a formatted string.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Cause: fmt.Errorf(format, args...)}
}

// WithMessage builds an *Error carrying the identity of msg.
func WithMessage(code Code, ident Ident, cause error) *Error {
	return &Error{Code: code, Message: ident, Cause: cause}
}

// sentinel values usable with errors.Is(err, outboxerr.ErrNotFound) etc.,
// for call sites that don't need to inspect message identity.
var (
	ErrNotFound             = &Error{Code: NotFound}
	ErrAlreadyProcessed     = &Error{Code: AlreadyProcessed}
	ErrAbandoned            = &Error{Code: Abandoned}
	ErrPoisonous            = &Error{Code: Poisonous}
	ErrMaxAttemptsExceeded  = &Error{Code: MaxAttemptsExceeded}
	ErrListenerStopped      = &Error{Code: ListenerStopped}
	ErrConcurrencyCancelled = &Error{Code: ConcurrencyCancelled}
)

// MultiError aggregates multiple errors from a single operation (e.g.
// config validation across several fields), following the same shape as
// the teacher toolbox's cfgx.MultiError.
type MultiError struct {
	Errors []error
}

func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	s := fmt.Sprintf("%d errors occurred:", len(m.Errors))
	for _, e := range m.Errors {
		s += "\n- " + e.Error()
	}
	return s
}

func (m *MultiError) Unwrap() []error { return m.Errors }
