// Package apperr defines the error taxonomy shared by the session engine,
// comments, approvals and the delivery layer.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrConflict      = errors.New("version conflict")
	ErrOutOfRange    = errors.New("out of range")
	ErrSessionClosed = errors.New("session closed")
	ErrNotFound      = errors.New("not found")
)

// ValidationError reports malformed input. It never accompanies a state change.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ConflictError is returned when a batch was built against a stale base version.
type ConflictError struct {
	ExpectedVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: session is at version %d", e.ExpectedVersion)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// OutOfRangeError is a validation failure discovered while applying an
// operation to the buffer. Index is the offending operation within its batch.
type OutOfRangeError struct {
	Index     int
	Position  int
	Length    int
	BufferLen int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("operation %d out of range: position=%d length=%d buffer=%d", e.Index, e.Position, e.Length, e.BufferLen)
}

func (e *OutOfRangeError) Is(target error) bool {
	return target == ErrOutOfRange || target == ErrValidation
}

// SessionClosedError is terminal; resubmitting never succeeds.
type SessionClosedError struct {
	SessionID string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("session %s is closed", e.SessionID)
}

func (e *SessionClosedError) Is(target error) bool { return target == ErrSessionClosed }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}
