package pipeline

import "fmt"

// ValidationError indicates the run was rejected before any work started,
// typically on malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PreconditionError indicates a required run precondition could not be
// satisfied, such as the market snapshot being unavailable.
type PreconditionError struct {
	Precondition string
	Err          error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precondition %s failed: %v", e.Precondition, e.Err)
	}
	return fmt.Sprintf("precondition %s failed", e.Precondition)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// AbortError indicates the run was stopped by an external abort signal.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("run aborted: %s", e.Reason)
}
