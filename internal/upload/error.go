package upload

import "fmt"

// Phase names the step of the delivery protocol an error belongs to, so
// callers can message phase-aware failures even though the default retry
// policy restarts the whole sequence from Apply.
type Phase string

const (
	PhaseApply    Phase = "apply"
	PhaseTransfer Phase = "transfer"
	PhaseFinish   Phase = "finish"
)

// Error is an upload failure tagged with its phase.
type Error struct {
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func phaseErr(phase Phase, err error) *Error {
	return &Error{Phase: phase, Err: err}
}
