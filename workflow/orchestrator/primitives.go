package orchestrator

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/runloop-dev/runloop/workflow"
	"github.com/runloop-dev/runloop/workflow/errors"
	"github.com/runloop-dev/runloop/workflow/streamer"
)

// runtimeErr is the internal panic value raised when a primitive observes
// an event type it cannot reconcile with its correlationId's lifecycle
// (§4.1: "an event of an unexpected kind signals a fatal runtime error").
// Tick converts it into Outcome{Err: *errors.RuntimeError}.
type runtimeErr struct{ err *errors.RuntimeError }

// StepOptions customizes a Step invocation beyond its name and input.
type StepOptions struct {
	// Metadata attaches free-form tags to the step's step_started event,
	// surfaced on the projected Step.Metadata (§3 supplements).
	Metadata map[string]string
	// Stream, when set (via GetWritable), provisions a deterministic
	// writable-stream name the dispatched step is expected to produce
	// (§4.5); the step runtime auto-closes it at step completion.
	Stream *WritableRef
}

// Step invokes a step by name with the given input, following the primitive
// contract of §4.1: first reach registers a provisional invocation and
// suspends; later reaches observe step_completed/step_failed and resolve
// (or observe step_started only, and suspend again).
func (tc *TickContext) Step(name string, input any) (json.RawMessage, error) {
	return tc.StepWithOptions(name, input, StepOptions{})
}

// StepWithOptions is Step with Metadata/Stream attached to the invocation
// (§3, §4.5).
func (tc *TickContext) StepWithOptions(name string, input any, opts StepOptions) (json.RawMessage, error) {
	correlationID := tc.nextCorrelationID()
	inputBytes, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	events := tc.Events.For(correlationID)
	if len(events) == 0 {
		var streamName string
		if opts.Stream != nil {
			streamName = streamer.StreamName(correlationID, opts.Stream.Namespace)
		}
		tc.Invocations.Add(&Invocation{
			CorrelationID:   correlationID,
			Kind:            InvocationStep,
			NeedsSideEffect: true,
			StepName:        name,
			Input:           inputBytes,
			Attempt:         1,
			Metadata:        opts.Metadata,
			StreamName:      streamName,
		})
		tc.suspend()
		panic("unreachable")
	}

	for _, e := range events {
		switch e.Type {
		case workflow.EventStepStarted, workflow.EventStepRetrying:
			continue
		case workflow.EventStepCompleted:
			var data workflow.StepCompletedData
			if err := json.Unmarshal(e.Data, &data); err != nil {
				return nil, err
			}
			return data.Output, nil
		case workflow.EventStepFailed:
			var data workflow.StepFailedData
			if err := json.Unmarshal(e.Data, &data); err != nil {
				return nil, err
			}
			sd := data.Error
			return nil, &sd
		default:
			panic(runtimeErr{err: &errors.RuntimeError{RunID: tc.RunID, CorrelationID: correlationID, Unexpected: string(e.Type)}})
		}
	}

	// Acknowledged (step_started/step_retrying observed) but no terminal
	// event yet: still outstanding, keep the invocation alive and suspend.
	tc.Invocations.Add(&Invocation{CorrelationID: correlationID, Kind: InvocationStep, Acknowledged: true})
	tc.suspend()
	panic("unreachable")
}

// Sleep suspends the workflow until d has elapsed, per §4.3.
func (tc *TickContext) Sleep(d time.Duration) error {
	correlationID := tc.nextCorrelationID()
	events := tc.Events.For(correlationID)

	if len(events) == 0 {
		tc.Invocations.Add(&Invocation{
			CorrelationID:   correlationID,
			Kind:            InvocationWait,
			NeedsSideEffect: true,
			ResumeAt:        tc.Now().Add(d),
		})
		tc.suspend()
		panic("unreachable")
	}

	for _, e := range events {
		switch e.Type {
		case workflow.EventWaitCreated:
			continue
		case workflow.EventWaitCompleted:
			return nil
		default:
			panic(runtimeErr{err: &errors.RuntimeError{RunID: tc.RunID, CorrelationID: correlationID, Unexpected: string(e.Type)}})
		}
	}

	tc.Invocations.Add(&Invocation{CorrelationID: correlationID, Kind: InvocationWait, Acknowledged: true})
	tc.suspend()
	panic("unreachable")
}

// HookHandle is returned by CreateHook. Wait is the suspension point; it
// shares HookHandle's correlationId (the hookId) with its creation event.
type HookHandle struct {
	HookID            string
	Token             string
	ConsumptionPolicy workflow.ConsumptionPolicy
}

// CreateHook reaches a hook for the first time (generating a fresh
// high-entropy token from crypto/rand, which the flush records in
// hook_created) or replays it from the recorded hook_created event, so
// later reaches return the recorded token rather than a new one.
// CreateHook itself never suspends — a hook's rendez-vous is only reached on
// HookHandle.Wait — because both hookId and token are produced by the caller
// rather than a server assignment (§4.4).
func (tc *TickContext) CreateHook(policy workflow.ConsumptionPolicy, metadata map[string]any) (*HookHandle, error) {
	correlationID := tc.nextCorrelationID()
	events := tc.Events.For(correlationID)

	if len(events) == 0 {
		token := tc.newToken()
		if policy == "" {
			policy = workflow.ConsumeFirst
		}
		tc.Invocations.Add(&Invocation{
			CorrelationID:     correlationID,
			Kind:              InvocationHook,
			NeedsSideEffect:   true,
			HookToken:         token,
			HookMetadata:      metadata,
			ConsumptionPolicy: policy,
		})
		return &HookHandle{HookID: correlationID, Token: token, ConsumptionPolicy: policy}, nil
	}

	for _, e := range events {
		if e.Type != workflow.EventHookCreated {
			continue
		}
		var data workflow.HookCreatedData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return nil, err
		}
		return &HookHandle{HookID: correlationID, Token: data.Token, ConsumptionPolicy: data.ConsumptionPolicy}, nil
	}
	panic(runtimeErr{err: &errors.RuntimeError{RunID: tc.RunID, CorrelationID: correlationID, Unexpected: "missing hook_created"}})
}

// Wait suspends until the hook receives a delivery. Under
// workflow.ConsumeFirst every call resolves with the hook's first delivery;
// under workflow.ConsumeStream each successive call (by source position, so
// replay-stable) resolves with the next delivery in arrival order that no
// prior Wait on this handle has already consumed (§3, §9 Open Question
// "resolved").
func (h *HookHandle) Wait(tc *TickContext) (json.RawMessage, error) {
	events := tc.Events.For(h.HookID)
	if len(events) == 0 {
		// No hook_created persisted yet: CreateHook queued this hook's
		// invocation earlier in this same tick (first reach, since Wait is
		// only ever called right after CreateHook for the same handle).
		// Nothing further to register; suspend and let the flush persist
		// hook_created.
		tc.suspend()
		panic("unreachable")
	}

	var createdSeen, disposed bool
	var received []json.RawMessage
	for _, e := range events {
		switch e.Type {
		case workflow.EventHookCreated:
			createdSeen = true
		case workflow.EventHookReceived:
			var data workflow.HookReceivedData
			if err := json.Unmarshal(e.Data, &data); err != nil {
				return nil, err
			}
			received = append(received, data.Payload)
		case workflow.EventHookDisposed:
			disposed = true
		default:
			panic(runtimeErr{err: &errors.RuntimeError{RunID: tc.RunID, CorrelationID: h.HookID, Unexpected: string(e.Type)}})
		}
	}
	if !createdSeen {
		panic(runtimeErr{err: &errors.RuntimeError{RunID: tc.RunID, CorrelationID: h.HookID, Unexpected: "wait before hook_created"}})
	}

	if h.ConsumptionPolicy == workflow.ConsumeStream {
		idx := tc.consumeHookWait(h.HookID)
		if idx < len(received) {
			return received[idx], nil
		}
	} else if len(received) > 0 {
		return received[0], nil
	}

	if disposed {
		return nil, errors.Newf(errors.CodeStepFatal, "hook %s disposed before delivery", h.HookID)
	}
	tc.Invocations.Add(&Invocation{CorrelationID: h.HookID, Kind: InvocationHook, Acknowledged: true})
	tc.suspend()
	panic("unreachable")
}

func (tc *TickContext) newToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Parallel evaluates each fn in source-position order, letting a suspension
// inside one branch suspend only that branch (via a local recover) rather
// than aborting siblings — the deterministic analogue of Promise.all (§9
// Open Question). If any branch suspended, Parallel itself suspends only
// after every branch has run, so every branch's correlationIds are
// allocated (and, for first reaches, queued) before the tick yields.
func (tc *TickContext) Parallel(fns ...func(tc *TickContext) error) error {
	anySuspended := false
	for _, fn := range fns {
		suspended, err := tc.runBranch(fn)
		if err != nil {
			return err
		}
		if suspended {
			anySuspended = true
		}
	}
	if anySuspended {
		tc.suspend()
	}
	return nil
}

func (tc *TickContext) runBranch(fn func(tc *TickContext) error) (suspended bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(suspendSignal); ok {
				suspended = true
				return
			}
			panic(r)
		}
	}()
	err = fn(tc)
	return false, err
}
