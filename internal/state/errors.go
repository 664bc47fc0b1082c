package state

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound is returned when no metadata exists for a run id.
	ErrRunNotFound = errors.New("run not found")
	// ErrIllegalTransition is returned when a status change violates the
	// run or section state machine.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrLockHeld is returned when another worker holds a run lock.
	ErrLockHeld = errors.New("lock held by another owner")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	Key  string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s rejected", e.Key, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// Error represents a state store failure with context
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("state error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("state error: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Message: msg, Cause: err}
}
