// Package guard defines input guardrails evaluated before any model call.
// Guards inspect the triggering message and either allow the run to proceed,
// abort it with a reason, or fail with a configuration error.
package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

// ErrAbort marks a guard rejection. A run whose guard returns an error
// wrapping ErrAbort terminates immediately as failed with the abort reason;
// any other guard error is treated as a configuration error.
var ErrAbort = errors.New("guard: input rejected")

type (
	// Guard screens the triggering message of a run. Implementations must be
	// side-effect free with respect to run state; they run inside the
	// record-input activity before the first model call.
	Guard interface {
		// Check returns nil to allow the run, an Abort error to reject the
		// input, or any other error to flag misconfiguration.
		Check(ctx context.Context, msg state.Message) error
	}

	// Func adapts a plain function to the Guard interface.
	Func func(ctx context.Context, msg state.Message) error
)

// Check implements Guard.
func (f Func) Check(ctx context.Context, msg state.Message) error {
	return f(ctx, msg)
}

// Abort builds a guard rejection with the given reason. The returned error
// wraps ErrAbort so callers can branch with errors.Is.
func Abort(reason string) error {
	return fmt.Errorf("%w: %s", ErrAbort, reason)
}

// Reason extracts the human-readable reason from an abort error. Returns the
// full error text for non-abort errors.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
