package arbiter

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition indicates a status change the handoff does not allow.
	ErrInvalidTransition = errors.New("invalid control session transition")

	// ErrRejected is matched by every *RejectedError.
	ErrRejected = errors.New("control rejected")
)

// RejectedError is returned by Client.Acquire when the coordinator denied control.
// It is fatal to session establishment and never retried.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("control rejected by coordinator: %s", e.Reason)
}

// Is reports whether target is ErrRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}
