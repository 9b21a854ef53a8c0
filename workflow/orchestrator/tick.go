package orchestrator

import (
	"time"

	"github.com/runloop-dev/runloop/workflow"
	"github.com/runloop-dev/runloop/workflow/errors"
)

// WorkflowFunc is a user-written workflow body. It must be a deterministic
// function of (input, the events observed through tc) — it may call tc's
// primitives freely but must never read the wall clock, entropy, or
// non-replayed I/O directly (Design Notes §9).
type WorkflowFunc func(tc *TickContext, input []byte) ([]byte, error)

// Tick re-executes fn against events from the beginning, returning either a
// Resolved outcome (the body ran to completion, successfully or not) or a
// Suspended one (the body reached an unresolved primitive and the tick
// driver must flush tc.Invocations and wait for further events). Tick never
// panics: WorkflowSuspension and workflow-runtime errors are both caught
// here and translated into Outcome, matching §4.1's requirement that the
// orchestrator surface only suspension back to the tick driver.
func Tick(runID string, startedAt time.Time, events []*workflow.Event, fn WorkflowFunc, input []byte) (result Outcome) {
	tc := NewTickContext(runID, startedAt, events)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch v := r.(type) {
		case suspendSignal:
			result = Outcome{Kind: Suspended, Invocations: tc.Invocations}
		case runtimeErr:
			result = Outcome{Kind: Resolved, Err: v.err}
		default:
			// A genuine programmer error in the workflow body (e.g. a nil
			// pointer dereference) — not a suspension, not a recognized
			// runtime error. Surface it as a run failure rather than
			// crashing the queue worker.
			result = Outcome{Kind: Resolved, Err: errors.Newf(errors.CodeWorkflowRuntime, "workflow body panicked: %v", v)}
		}
	}()

	output, err := fn(tc, input)
	if err != nil {
		return Outcome{Kind: Resolved, Err: err}
	}
	return Outcome{Kind: Resolved, Value: output}
}
