// Package storage defines the persistence contract the core consumes: an
// append-only Event log with materialized Run/Step/Hook views. The core
// never depends on a concrete backend — workflow/storage/inmem and
// workflow/storage/mongo both satisfy Storage.
package storage

import (
	"context"
	"time"

	"github.com/runloop-dev/runloop/workflow"
)

type (
	// Order selects ascending or descending iteration for a List call.
	Order string

	// ListParams bounds a paginated list operation. Cursor is opaque and
	// store-owned; pass the previous Page's NextCursor to continue.
	ListParams struct {
		RunID  string
		Cursor string
		Limit  int
		Order  Order
		Prefix string
	}

	// RunsPage is a forward or backward page of Run projections.
	RunsPage struct {
		Runs       []*workflow.Run
		NextCursor string
	}

	// StepsPage is a page of Step projections.
	StepsPage struct {
		Steps      []*workflow.Step
		NextCursor string
	}

	// EventsPage is a page of the immutable event log.
	EventsPage struct {
		Events     []*workflow.Event
		NextCursor string
	}

	// HooksPage is a page of Hook projections.
	HooksPage struct {
		Hooks      []*workflow.Hook
		NextCursor string
	}

	// AppendResult is returned by events.create: the event as persisted
	// (with its server-assigned EventID) and the RunID it was appended to,
	// which is freshly allocated for a run_created appended with an empty
	// runID. It carries no Run, Step, or Hook projection; callers load
	// those with the Get and List calls.
	AppendResult struct {
		Event  *workflow.Event
		RunID  string
	}

	// AppendOptions modifies an events.create call.
	AppendOptions struct {
		// ExpectedTerminal, when true, asks Storage to enforce the
		// at-most-one-terminal-event invariant for (RunID, CorrelationID):
		// Event.Type must be one of the terminal kinds.
		ExpectedTerminal bool
	}

	// Storage is the full persistence contract the orchestration core
	// consumes. Implementations must make events.create atomic per
	// (runId, correlationId, terminal-event-type): a second attempt to
	// append a terminal event for an already-resolved correlationId must
	// fail with errors.StorageConflictError rather than silently
	// duplicating the event.
	Storage interface {
		GetRun(ctx context.Context, runID string) (*workflow.Run, error)
		ListRuns(ctx context.Context, params ListParams) (RunsPage, error)

		GetStep(ctx context.Context, runID, stepID string) (*workflow.Step, error)
		ListSteps(ctx context.Context, params ListParams) (StepsPage, error)

		// AppendEvent atomically appends event to the log for runID. When
		// runID is empty and event.Type is workflow.EventRunCreated,
		// implementations generate and return a fresh RunID in
		// AppendResult.RunID.
		AppendEvent(ctx context.Context, runID string, event *workflow.Event, opts AppendOptions) (AppendResult, error)
		ListEvents(ctx context.Context, params ListParams) (EventsPage, error)
		ListEventsByCorrelationID(ctx context.Context, runID, correlationID string, params ListParams) (EventsPage, error)

		GetHook(ctx context.Context, hookID string) (*workflow.Hook, error)
		GetHookByToken(ctx context.Context, token string) (*workflow.Hook, error)
		ListHooks(ctx context.Context, params ListParams) (HooksPage, error)
	}
)

const (
	// Asc iterates events/runs/steps oldest-first.
	Asc Order = "asc"
	// Desc iterates newest-first.
	Desc Order = "desc"
)

// DefaultLimit bounds a List call when the caller does not specify one.
const DefaultLimit = 200

// WithinExpiry reports whether now is still before run's ExpiredAt, when
// set. A run with no ExpiredAt never expires on this check alone.
func WithinExpiry(run *workflow.Run, now time.Time) bool {
	if run.ExpiredAt == nil {
		return true
	}
	return now.Before(*run.ExpiredAt)
}
