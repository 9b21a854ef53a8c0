// Package workflow defines the durable entities the engine replays and
// persists: Run, Step, Hook, Wait, Event, and Stream. These are immutable
// projections the orchestrator and processor consume; the event log in
// workflow/storage is the only entity any of them are derived from.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/runloop-dev/runloop/workflow/errors"
)

type (
	// RunStatus is the coarse lifecycle state of a Run.
	RunStatus string

	// StepStatus is the coarse lifecycle state of a Step.
	StepStatus string

	// EventType tags the kind of an immutable log entry. The orchestrator
	// and processor branch on this value when reconciling a primitive's
	// InvocationsQueue entry against the log.
	EventType string

	// ConsumptionPolicy governs how many hook_received deliveries a single
	// hook wait resolves against (Design Notes, Open Question: multi-delivery
	// hook consumption). Captured in hook_created.eventData so the policy is
	// replay-stable even if the engine's default changes later.
	ConsumptionPolicy string
)

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"

	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"

	EventRunCreated    EventType = "run_created"
	EventRunCompleted  EventType = "run_completed"
	EventRunFailed     EventType = "run_failed"
	EventRunCancelled  EventType = "run_cancelled"
	EventStepStarted   EventType = "step_started"
	EventStepRetrying  EventType = "step_retrying"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventWaitCreated   EventType = "wait_created"
	EventWaitCompleted EventType = "wait_completed"
	EventHookCreated   EventType = "hook_created"
	EventHookReceived  EventType = "hook_received"
	EventHookDisposed  EventType = "hook_disposed"

	// ConsumeFirst resolves the hook's wait with the first payload whose
	// eventId exceeds the hook's creation event, ignoring later deliveries.
	ConsumeFirst ConsumptionPolicy = "first"
	// ConsumeStream resolves every outstanding wait on the hook with each
	// delivery in arrival order, until the hook is disposed.
	ConsumeStream ConsumptionPolicy = "stream"
)

// IsTerminal reports whether s is one of completed/failed/cancelled.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is one of completed/failed/cancelled.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether t marks a run/step/wait's completion,
// failure, or cancellation — the event kinds Storage enforces uniqueness on
// per (runId, correlationId).
func (t EventType) IsTerminal() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunCancelled,
		EventStepCompleted, EventStepFailed,
		EventWaitCompleted:
		return true
	default:
		return false
	}
}

type (
	// Run is a single execution of a workflow. It is a projection over the
	// run's event log; callers never mutate it directly — the only way to
	// change a Run is to append an event that changes it.
	Run struct {
		RunID        string
		WorkflowName string
		Input        []json.RawMessage
		Output       json.RawMessage
		Status       RunStatus
		StartedAt    time.Time
		CompletedAt  *time.Time
		ExpiredAt    *time.Time
		Error        *errors.Structured
		TraceCarrier map[string]string
		Labels       map[string]string
	}

	// Step is a single invocation of a step function inside a run. StepID
	// is stable across retries; Attempt distinguishes successive tries of
	// the same logical invocation.
	Step struct {
		StepID      string
		RunID       string
		StepName    string
		Attempt     int
		Status      StepStatus
		Input       json.RawMessage
		Output      json.RawMessage
		Error       *errors.Structured
		StartedAt   time.Time
		CompletedAt *time.Time
		RetryAfter  *time.Time
		Metadata    map[string]string
	}

	// Hook is an externally-resolvable rendez-vous. A workflow creates one,
	// hands the token to an external system, and suspends until a matching
	// delivery arrives via resumeHook.
	Hook struct {
		HookID            string
		RunID             string
		Token             string
		Metadata          map[string]any
		ConsumptionPolicy ConsumptionPolicy
		CreatedAt         time.Time
		DisposedAt        *time.Time
	}

	// Wait is a timed suspension. The message processor appends
	// wait_completed when the delayed wait_timer message it scheduled for
	// ResumeAt is delivered, or earlier if sleep.Service.Wake is called.
	Wait struct {
		CorrelationID string
		RunID         string
		ResumeAt      time.Time
	}

	// Event is a single immutable entry in a run's log. EventID is assigned
	// by Storage as a zero-padded per-run sequence number (not a ULID): it
	// is unique and ordered within RunID, not globally unique.
	Event struct {
		EventID       string
		RunID         string
		Type          EventType
		CorrelationID string
		Data          json.RawMessage
		CreatedAt     time.Time
	}

	// StreamChunk is one append to a named stream, tagged with its position
	// in the append order.
	StreamChunk struct {
		Index     int
		Data      []byte
		CreatedAt time.Time
	}

	// StreamInfo describes a named stream bound to a run, without its chunk
	// contents (used by listStreamsByRunId).
	StreamInfo struct {
		RunID      string
		StreamName string
		Done       bool
		ChunkCount int
	}
)

// EventData payload shapes. These are the canonical JSON encodings of
// Event.Data for each EventType the orchestrator and processor produce or
// consume; storage backends persist Data opaquely.
type (
	// RunCreatedData is the payload for EventRunCreated.
	RunCreatedData struct {
		WorkflowName string            `json:"workflowName"`
		Input        []json.RawMessage `json:"input"`
		TraceCarrier map[string]string `json:"traceCarrier,omitempty"`
		// Labels are free-form tags surfaced on the projected Run.Labels (§3
		// supplements), set once at run creation and otherwise opaque to the
		// engine.
		Labels map[string]string `json:"labels,omitempty"`
		// ExpiresAt, when set, is the deadline storage.WithinExpiry enforces:
		// a workflow-tick delivered after this instant fails the run rather
		// than resuming it.
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}

	// RunCompletedData is the payload for EventRunCompleted.
	RunCompletedData struct {
		Output json.RawMessage `json:"output"`
	}

	// RunFailedData is the payload for EventRunFailed.
	RunFailedData struct {
		Error errors.Structured `json:"error"`
	}

	// StepStartedData is the payload for EventStepStarted.
	StepStartedData struct {
		StepName string          `json:"stepName"`
		Attempt  int             `json:"attempt"`
		Input    json.RawMessage `json:"input"`
		// Metadata are free-form tags surfaced on the projected
		// Step.Metadata (§3 supplements), attached by the workflow body at
		// the step's first reach.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// StepRetryingData is the payload for EventStepRetrying.
	StepRetryingData struct {
		Attempt    int               `json:"attempt"`
		RetryAfter time.Time         `json:"retryAfter"`
		Error      errors.Structured `json:"error"`
	}

	// StepCompletedData is the payload for EventStepCompleted.
	StepCompletedData struct {
		Output json.RawMessage `json:"output"`
	}

	// StepFailedData is the payload for EventStepFailed.
	StepFailedData struct {
		Error errors.Structured `json:"error"`
	}

	// WaitCreatedData is the payload for EventWaitCreated.
	WaitCreatedData struct {
		ResumeAt time.Time `json:"resumeAt"`
	}

	// HookCreatedData is the payload for EventHookCreated.
	HookCreatedData struct {
		Token             string            `json:"token"`
		Metadata          map[string]any    `json:"metadata,omitempty"`
		ConsumptionPolicy ConsumptionPolicy `json:"consumptionPolicy"`
	}

	// HookReceivedData is the payload for EventHookReceived.
	HookReceivedData struct {
		Payload json.RawMessage `json:"payload"`
	}

	// HookDisposedData is the payload for EventHookDisposed.
	HookDisposedData struct {
		// Reason records why the hook was disposed: "run_terminal" for
		// automatic disposal when its run reaches a terminal status, or
		// "explicit" for a caller-initiated dispose.
		Reason string `json:"reason,omitempty"`
	}
)
