// Package step implements the step dispatch & retry subsystem (§4.2):
// executing a step body for (runId, stepId, attempt), recording its outcome
// as an event, and enforcing a retry policy with exponential backoff.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/runloop-dev/runloop/workflow"
	"github.com/runloop-dev/runloop/workflow/classreg"
	"github.com/runloop-dev/runloop/workflow/config"
	"github.com/runloop-dev/runloop/workflow/errors"
	"github.com/runloop-dev/runloop/workflow/queue"
	"github.com/runloop-dev/runloop/workflow/storage"
	"github.com/runloop-dev/runloop/workflow/streamer"
)

type (
	// Handler executes one attempt of a step body. It runs in a plain
	// execution context — no determinism wrapper — and may read the clock,
	// network, disk, or RNG freely (§4.2).
	Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

	// RetryPolicy overrides the engine's RetryDefaults for a single step
	// definition. A zero value means "use the engine default."
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
		MaxInterval        time.Duration
	}

	// Definition registers a step's name, handler, optional retry policy,
	// and optional JSON-schema validation for its input/output.
	Definition struct {
		Name         string
		Handler      Handler
		Retry        RetryPolicy
		InputSchema  *jsonschema.Schema
		OutputSchema *jsonschema.Schema
	}

	// Registry maps step names to their Definition. It is process-wide,
	// populated at initialization, analogous to the class-instance registry
	// of §4.7.
	Registry struct {
		defs map[string]Definition
	}
)

// NewRegistry returns an empty step registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds def to the registry, keyed by def.Name.
func (r *Registry) Register(def Definition) {
	r.defs[def.Name] = def
}

// Lookup returns the Definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Runtime executes step-execute messages against a Registry, persisting
// outcomes to Storage and enqueuing follow-up messages to Queue.
type Runtime struct {
	Storage  storage.Storage
	Queue    queue.Queue
	Registry *Registry
	Config   config.Config
	// Streamer backs GetWritable-provisioned steps (§4.5). Nil disables
	// stream injection; a step dispatched with a StreamName but no Streamer
	// runs with no writable in its context.
	Streamer streamer.Streamer
	// Classes rehydrates class_instance_ref records in step input before the
	// Handler runs (§4.7). Nil skips rehydration entirely.
	Classes *classreg.Registry
}

// Execute runs one attempt of a step, implementing §4.2's five-step
// protocol. It returns an error only for conditions the message processor
// must NACK on (e.g. storage unavailable); all step-body failures are
// captured as events, not returned errors.
func (rt *Runtime) Execute(ctx context.Context, payload queue.StepExecutePayload) error {
	run, err := rt.Storage.GetRun(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("load run %q: %w", payload.RunID, err)
	}
	if run.Status.IsTerminal() {
		return nil // ack and discard
	}

	// Idempotency: a step only ever records one terminal event regardless of
	// how many attempts it took (retries surface as step_retrying). If one
	// is already recorded, this delivery is a duplicate — ack as success.
	existing, err := rt.Storage.ListEventsByCorrelationID(ctx, payload.RunID, payload.StepID, storage.ListParams{})
	if err != nil {
		return fmt.Errorf("list events for step %q: %w", payload.StepID, err)
	}
	for _, e := range existing.Events {
		if e.Type == workflow.EventStepCompleted || e.Type == workflow.EventStepFailed {
			return nil
		}
	}

	def, ok := rt.Registry.Lookup(payload.StepName)
	if !ok {
		return rt.failAndTick(ctx, payload, errors.Newf(errors.CodeStepFatal, "step %q is not registered", payload.StepName))
	}

	if def.InputSchema != nil {
		if err := validateSchema(def.InputSchema, payload.Input); err != nil {
			return rt.failAndTick(ctx, payload, errors.Newf(errors.CodeStepFatal, "input schema violation: %v", err))
		}
	}

	if _, err := rt.Storage.AppendEvent(ctx, payload.RunID, &workflow.Event{
		Type:          workflow.EventStepStarted,
		CorrelationID: payload.StepID,
		Data: mustJSON(workflow.StepStartedData{
			StepName: payload.StepName,
			Attempt:  payload.Attempt,
			Input:    payload.Input,
			Metadata: payload.Metadata,
		}),
	}, storage.AppendOptions{}); err != nil && !errors.IsStorageConflict(err) {
		return fmt.Errorf("append step_started: %w", err)
	}

	var fs *streamer.FlushableStream
	if payload.StreamName != "" && rt.Streamer != nil {
		fs = streamer.NewFlushableStream(rt.Streamer, payload.RunID, payload.StreamName)
		ctx = withWritable(ctx, fs)
	}

	handlerInput := payload.Input
	if rt.Classes != nil {
		rehydrated, err := rt.Classes.Rehydrate(handlerInput)
		if err != nil {
			return rt.failAndTick(ctx, payload, errors.Newf(errors.CodeStepFatal, "rehydrate step input: %v", err))
		}
		handlerInput = rehydrated
	}

	output, runErr := def.Handler(ctx, handlerInput)
	if runErr == nil && def.OutputSchema != nil {
		if err := validateSchema(def.OutputSchema, output); err != nil {
			runErr = &errors.FatalError{Message: fmt.Sprintf("output schema violation: %v", err), Cause: err}
		}
	}

	// Auto-close a stream the handler provisioned but never terminated
	// itself, so step_completed/step_failed is always observed strictly
	// after the stream's done flag resolves (§4.2 edge case, §4.5.1).
	if fs != nil && !fs.Closed() {
		if runErr == nil {
			_ = fs.Close(ctx)
		} else {
			_ = fs.Error(ctx, runErr)
		}
	}

	if runErr == nil {
		return rt.complete(ctx, payload, output)
	}
	return rt.handleFailure(ctx, payload, def, runErr)
}

func (rt *Runtime) complete(ctx context.Context, payload queue.StepExecutePayload, output json.RawMessage) error {
	_, err := rt.Storage.AppendEvent(ctx, payload.RunID, &workflow.Event{
		Type:          workflow.EventStepCompleted,
		CorrelationID: payload.StepID,
		Data:          mustJSON(workflow.StepCompletedData{Output: output}),
	}, storage.AppendOptions{ExpectedTerminal: true})
	if err != nil && !errors.IsStorageConflict(err) {
		return fmt.Errorf("append step_completed: %w", err)
	}
	return rt.enqueueTick(ctx, payload.RunID)
}

func (rt *Runtime) handleFailure(ctx context.Context, payload queue.StepExecutePayload, def Definition, runErr error) error {
	if errors.IsFatal(runErr) {
		return rt.failAndTick(ctx, payload, errors.FromError(errors.CodeStepFatal, runErr))
	}

	policy := rt.resolvePolicy(def.Retry)
	if payload.Attempt >= policy.MaxAttempts {
		return rt.failAndTick(ctx, payload, errors.FromError(errors.CodeStepFatal, runErr))
	}

	retryAfter := time.Now().Add(backoff(policy, payload.Attempt))

	structuredErr := errors.FromError(errors.CodeStepRetryable, runErr)
	if _, err := rt.Storage.AppendEvent(ctx, payload.RunID, &workflow.Event{
		Type:          workflow.EventStepRetrying,
		CorrelationID: payload.StepID,
		Data: mustJSON(workflow.StepRetryingData{
			Attempt:    payload.Attempt,
			RetryAfter: retryAfter,
			Error:      *structuredErr,
		}),
	}, storage.AppendOptions{}); err != nil && !errors.IsStorageConflict(err) {
		return fmt.Errorf("append step_retrying: %w", err)
	}

	next := payload
	next.Attempt++
	delaySeconds := int(time.Until(retryAfter).Seconds())
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	_, err := rt.Queue.Send(ctx, "step_execute", mustJSON(next), queue.SendOptions{DelaySeconds: delaySeconds})
	return err
}

func (rt *Runtime) failAndTick(ctx context.Context, payload queue.StepExecutePayload, structuredErr *errors.Structured) error {
	_, err := rt.Storage.AppendEvent(ctx, payload.RunID, &workflow.Event{
		Type:          workflow.EventStepFailed,
		CorrelationID: payload.StepID,
		Data:          mustJSON(workflow.StepFailedData{Error: *structuredErr}),
	}, storage.AppendOptions{ExpectedTerminal: true})
	if err != nil && !errors.IsStorageConflict(err) {
		return fmt.Errorf("append step_failed: %w", err)
	}
	return rt.enqueueTick(ctx, payload.RunID)
}

func (rt *Runtime) enqueueTick(ctx context.Context, runID string) error {
	_, err := rt.Queue.Send(ctx, "workflow_tick", mustJSON(queue.WorkflowTickPayload{RunID: runID}), queue.SendOptions{})
	return err
}

func (rt *Runtime) resolvePolicy(override RetryPolicy) RetryPolicy {
	def := rt.Config.Retry
	p := RetryPolicy{
		MaxAttempts:        def.MaxAttempts,
		InitialInterval:    def.InitialInterval,
		BackoffCoefficient: def.BackoffCoefficient,
		MaxInterval:        def.MaxInterval,
	}
	if override.MaxAttempts > 0 {
		p.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval > 0 {
		p.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient > 0 {
		p.BackoffCoefficient = override.BackoffCoefficient
	}
	if override.MaxInterval > 0 {
		p.MaxInterval = override.MaxInterval
	}
	return p
}

// backoff computes the exponential delay before the next attempt, capped at
// policy.MaxInterval.
func backoff(policy RetryPolicy, attempt int) time.Duration {
	d := float64(policy.InitialInterval)
	for i := 1; i < attempt; i++ {
		d *= policy.BackoffCoefficient
	}
	capped := time.Duration(d)
	if policy.MaxInterval > 0 && capped > policy.MaxInterval {
		capped = policy.MaxInterval
	}
	return capped
}

func validateSchema(schema *jsonschema.Schema, payload json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return schema.Validate(doc)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
