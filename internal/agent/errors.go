package agent

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrValidation marks bad input or an unusable model reply. Actions wrap
	// their parse failures with it.
	ErrValidation = errors.New("validation failed")
	// ErrInvariant marks a runtime protocol violation such as a second event
	// of the same type in one execution. It is never retried.
	ErrInvariant = errors.New("invariant violated")
	// ErrTimeout is reported when the model call exceeds its deadline.
	ErrTimeout = errors.New("model call timed out")
	// ErrTransport is reported when the model call fails.
	ErrTransport = errors.New("model call failed")
	// ErrCanceled is reported when the invoker cancels the execution.
	ErrCanceled = errors.New("execution canceled")
)

// Kind classifies an execution failure.
type Kind int

const (
	KindAction Kind = iota
	KindValidation
	KindInvariant
	KindTimeout
	KindTransport
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInvariant:
		return "invariant"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindCanceled:
		return "canceled"
	default:
		return "action"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindInvariant:
		return ErrInvariant
	case KindTimeout:
		return ErrTimeout
	case KindTransport:
		return ErrTransport
	case KindCanceled:
		return ErrCanceled
	default:
		return nil
	}
}

// Error is returned by Invoke when an execution ends in StateFailed.
type Error struct {
	ContextID uuid.UUID
	// State is the state the context was in when the failure happened.
	State State
	Event EventType
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("context %s: %s in %s: %v", e.ContextID, e.Kind, e.State, e.Err)
	}
	return fmt.Sprintf("context %s: %s in %s on %s: %v", e.ContextID, e.Kind, e.State, e.Event, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind, so errors.Is(err,
// ErrTimeout) holds even when Err wraps something else.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Validation wraps err as a validation failure.
func Validation(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrInvariant):
		return KindInvariant
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrCanceled):
		return KindCanceled
	case errors.Is(err, ErrTransport):
		return KindTransport
	default:
		return KindAction
	}
}
