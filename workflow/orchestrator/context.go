// Package orchestrator re-executes a workflow body against its event log on
// every tick, deterministically materializing prior primitive results and
// emitting exactly the new primitive calls needed to make forward progress
// (§4.1). It isolates the workflow body behind a frozen clock, a seeded RNG,
// and a monotonic ID factory so replay never observes wall-clock time,
// entropy, or non-replayed I/O.
package orchestrator

import (
	"time"

	"github.com/runloop-dev/runloop/workflow"
	"github.com/runloop-dev/runloop/workflow/ids"
)

type (
	// InvocationKind tags what kind of durable primitive an Invocation
	// tracks.
	InvocationKind string

	// Invocation is the InvocationsQueue's per-correlationId bookkeeping
	// entry. It is rebuilt from scratch on every tick as the workflow body
	// re-reaches each primitive; it never survives past the tick that
	// produced it.
	Invocation struct {
		CorrelationID string
		Kind          InvocationKind
		// Acknowledged is true once a *_created/*_started event for this
		// correlationId has been observed in the log (this tick or a prior
		// one).
		Acknowledged bool
		// NeedsSideEffect is true when this is the first reach: the tick
		// driver must atomically append the *_created/*_started event and
		// enqueue the corresponding side-effect message when flushing.
		NeedsSideEffect bool

		StepName string
		Input    []byte
		Attempt  int
		// Metadata carries free-form tags through to the step's
		// step_started event, surfaced on the projected Step.Metadata (§3
		// supplements).
		Metadata map[string]string
		// StreamName, when non-empty, is the deterministic stream identity
		// (§4.5) a GetWritable-provisioned step is expected to produce,
		// carried out-of-band so the step runtime can wire a writable
		// stream into the handler without parsing step input.
		StreamName string

		ResumeAt time.Time

		HookToken         string
		HookMetadata      map[string]any
		ConsumptionPolicy workflow.ConsumptionPolicy
	}

	// InvocationsQueue is the in-memory map of not-yet-resolved correlation
	// IDs collected during a single tick. It belongs exclusively to the
	// replay pass that produced it (§3 Ownership).
	InvocationsQueue struct {
		entries []*Invocation
	}

	// OutcomeKind distinguishes a tick's two possible results.
	OutcomeKind int

	// Outcome is the sum-type result of a single tick, replacing the
	// source's throw-caught-by-driver suspension with an explicit return
	// value (Design Notes §9).
	Outcome struct {
		Kind        OutcomeKind
		Value       []byte
		Err         error
		Invocations *InvocationsQueue
	}
)

const (
	InvocationStep InvocationKind = "step"
	InvocationWait InvocationKind = "wait"
	InvocationHook InvocationKind = "hook"
)

const (
	// Resolved means the workflow body ran to completion this tick
	// (successfully or with a terminal error).
	Resolved OutcomeKind = iota
	// Suspended means the body hit an unresolved primitive and yielded;
	// Outcome.Invocations carries the queue to flush.
	Suspended
)

// Add registers inv in the queue, preserving call order so the tick driver
// flushes side effects in the deterministic order the workflow body reached
// them.
func (q *InvocationsQueue) Add(inv *Invocation) { q.entries = append(q.entries, inv) }

// Entries returns the queue's invocations in registration order.
func (q *InvocationsQueue) Entries() []*Invocation { return q.entries }

// Empty reports whether no invocation is outstanding — the condition §4.1
// requires before a tick may append run_completed.
func (q *InvocationsQueue) Empty() bool { return len(q.entries) == 0 }

// EventsConsumer is the replay cursor: a view of the event log grouped by
// correlationId, so a primitive can answer "what has happened to me so far"
// without scanning the whole log on every call.
type EventsConsumer struct {
	byCorrelation map[string][]*workflow.Event
}

// NewEventsConsumer builds a consumer over events, which must already be in
// ascending eventId order (the order Storage's ListEvents returns).
func NewEventsConsumer(events []*workflow.Event) *EventsConsumer {
	c := &EventsConsumer{byCorrelation: make(map[string][]*workflow.Event)}
	for _, e := range events {
		c.byCorrelation[e.CorrelationID] = append(c.byCorrelation[e.CorrelationID], e)
	}
	return c
}

// For returns the events recorded for correlationID, oldest first.
func (c *EventsConsumer) For(correlationID string) []*workflow.Event {
	return c.byCorrelation[correlationID]
}

// TickContext is the deterministic execution environment constructed fresh
// for each replay pass (§4.1). Workflow bodies receive one and must not
// retain it beyond the call that produced it.
type TickContext struct {
	RunID string

	clock time.Time
	rng   *ids.RNG
	ids   *ids.Factory

	Events      *EventsConsumer
	Invocations *InvocationsQueue

	callSeq int
	// hookWaitSeq counts, per hookId, how many times HookHandle.Wait has
	// already resolved within this replay pass — the deterministic index a
	// workflow.ConsumeStream hook uses to pick its next unconsumed delivery
	// (§3, §9 Open Question "resolved").
	hookWaitSeq map[string]int
}

// NewTickContext builds the per-tick deterministic context: clock frozen at
// startedAt, RNG and ID factory seeded from runID, and an EventsConsumer
// over the run's current log.
func NewTickContext(runID string, startedAt time.Time, events []*workflow.Event) *TickContext {
	return &TickContext{
		RunID:       runID,
		clock:       startedAt,
		rng:         ids.NewRNG(runID),
		ids:         ids.NewMonotonic(runID, startedAt),
		Events:      NewEventsConsumer(events),
		Invocations: &InvocationsQueue{},
	}
}

// Now returns the frozen clock captured at run start. Workflow bodies must
// use this instead of time.Now to stay replay-deterministic.
func (tc *TickContext) Now() time.Time { return tc.clock }

// Float64 returns a deterministic pseudo-random value seeded from RunID.
func (tc *TickContext) Float64() float64 { return tc.rng.Float64() }

// nextCorrelationID allocates the next ID from the tick's monotonic factory.
// Because the factory is reseeded identically every tick and workflow
// bodies are pure functions of (input, observed events), the Nth call to
// nextCorrelationID produces the same ID on every replay — this is also how
// parallel primitive reaches get a stable, deterministic order (§9 Open
// Question: source-position order under a cooperative scheduler).
func (tc *TickContext) nextCorrelationID() string {
	tc.callSeq++
	return tc.ids.New()
}

// consumeHookWait returns hookID's current wait index (the number of Wait
// calls that have already resolved for it this replay pass) and advances it.
// Since the workflow body is a pure function of (input, observed events),
// the Nth call to Wait for a given handle lands on the same index on every
// replay.
func (tc *TickContext) consumeHookWait(hookID string) int {
	if tc.hookWaitSeq == nil {
		tc.hookWaitSeq = make(map[string]int)
	}
	idx := tc.hookWaitSeq[hookID]
	tc.hookWaitSeq[hookID] = idx + 1
	return idx
}

// GetWritable returns a replay-stable reference to a stream namespace (§4.5).
// Passed to StepWithOptions as StepOptions.Stream, it lets the dispatched
// step produce a durable stream under a name derived from that step's own
// correlationId, so the name is stable across replay regardless of which
// tick actually dispatches the step.
func (tc *TickContext) GetWritable(namespace string) *WritableRef {
	return &WritableRef{Namespace: namespace}
}

// WritableRef is returned by GetWritable.
type WritableRef struct {
	Namespace string
}

// suspendSignal is the internal panic value a primitive raises to yield
// control back to Tick's recover. It is never observed outside this
// package; Tick converts it into Outcome{Kind: Suspended}.
type suspendSignal struct{}

func (tc *TickContext) suspend() { panic(suspendSignal{}) }
