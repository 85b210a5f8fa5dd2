package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid state")
	ErrValidation    = errors.New("validation failed")
	ErrDataIntegrity = errors.New("data integrity")

	// ErrConflict means a guarded status transition matched no row.
	ErrConflict = errors.New("status conflict")
)

// InvalidStateError is returned when an operation is attempted from the wrong status.
type InvalidStateError struct {
	SessionID int64
	Op        string
	Status    SessionStatus
	Reason    string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s session %d: %s (status %s)", e.Op, e.SessionID, e.Reason, e.Status)
	}
	return fmt.Sprintf("%s session %d: not allowed in status %s", e.Op, e.SessionID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// NotFoundError is returned when a session or paper does not exist.
type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// DataIntegrityError describes an answer that references a question missing from its paper.
type DataIntegrityError struct {
	SessionID  int64
	QuestionID int64
	PaperID    int64
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("session %d: question %d not in paper %d", e.SessionID, e.QuestionID, e.PaperID)
}

func (e *DataIntegrityError) Is(target error) bool { return target == ErrDataIntegrity }
