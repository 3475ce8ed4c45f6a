package schemas

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies the failure of a loop stage.
type ErrorKind string

const (
	KindCapture          ErrorKind = "CaptureError"
	KindDecisionParse    ErrorKind = "DecisionParseError"
	KindElementNotFound  ErrorKind = "ElementNotFoundError"
	KindExecutionTimeout ErrorKind = "ExecutionTimeout"
	KindExecution        ErrorKind = "ExecutionError" // Driver failures that are neither lookups nor timeouts.
	KindStalled          ErrorKind = "Stalled"
	KindPersistence      ErrorKind = "PersistenceError"
	KindProvider         ErrorKind = "ProviderError" // The reasoning provider was unreachable.
)

// Sentinel errors returned by Page implementations.
var (
	ErrElementNotFound = errors.New("element not found")
	ErrPageUnreachable = errors.New("page unreachable")
)

// StepError attaches an ErrorKind to an underlying error.
type StepError struct {
	Kind ErrorKind
	Err  error
}

func NewStepError(kind ErrorKind, err error) *StepError {
	return &StepError{Kind: kind, Err: err}
}

// Errorf is a shorthand for NewStepError(kind, fmt.Errorf(format, args...)).
func Errorf(kind ErrorKind, format string, args ...any) *StepError {
	return &StepError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// KindOf classifies err. Typed StepErrors win; otherwise driver sentinels and
// deadlines are mapped, and anything else is an execution error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrElementNotFound):
		return KindElementNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindExecutionTimeout
	default:
		return KindExecution
	}
}
