// Package processor implements the message processor (§4.6): the single
// entry point for every queue message, dispatching workflow-tick and
// step-execute messages to the Orchestrator VM and Step Runtime
// respectively, flushing the resulting InvocationsQueue, and re-enqueuing
// messages that approach the broker's message-age ceiling.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	otelTrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/runloop-dev/runloop/internal/telemetry"
	"github.com/runloop-dev/runloop/workflow"
	"github.com/runloop-dev/runloop/workflow/classreg"
	"github.com/runloop-dev/runloop/workflow/config"
	"github.com/runloop-dev/runloop/workflow/errors"
	"github.com/runloop-dev/runloop/workflow/orchestrator"
	"github.com/runloop-dev/runloop/workflow/queue"
	"github.com/runloop-dev/runloop/workflow/sleep"
	"github.com/runloop-dev/runloop/workflow/step"
	"github.com/runloop-dev/runloop/workflow/storage"
	wftrace "github.com/runloop-dev/runloop/workflow/trace"
)

// WorkflowRegistry maps a workflow name to its body, analogous to
// step.Registry.
type WorkflowRegistry struct {
	defs map[string]orchestrator.WorkflowFunc
}

// NewWorkflowRegistry returns an empty workflow registry.
func NewWorkflowRegistry() *WorkflowRegistry {
	return &WorkflowRegistry{defs: make(map[string]orchestrator.WorkflowFunc)}
}

// Register binds name to fn.
func (r *WorkflowRegistry) Register(name string, fn orchestrator.WorkflowFunc) {
	r.defs[name] = fn
}

// Lookup returns the workflow body registered under name.
func (r *WorkflowRegistry) Lookup(name string) (orchestrator.WorkflowFunc, bool) {
	fn, ok := r.defs[name]
	return fn, ok
}

// waitTimerPayload is the internal message this processor uses to realize
// §4.3's "external timer service": since the core ships no standalone timer
// daemon, the processor schedules the wake itself via the queue's
// DelaySeconds mechanism (the same facility step retry scheduling uses) and
// resolves it through sleep.Service.Wake on delivery.
type waitTimerPayload struct {
	RunID         string `json:"runId"`
	CorrelationID string `json:"correlationId"`
}

// Runtime wires the orchestrator, step runtime, and sleep/hook services to
// Storage and Queue, and is the sole consumer of queue messages in a
// deployment.
type Runtime struct {
	Storage   storage.Storage
	Queue     queue.Queue
	Workflows *WorkflowRegistry
	Steps     *step.Runtime
	Sleep     *sleep.Service
	Config    config.Config

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	// Propagator injects/extracts the distributed-trace carrier riding on
	// every queue message. Defaults to propagation.TraceContext via NewRuntime.
	Propagator propagation.TextMapPropagator

	// Classes rehydrates class_instance_ref records found in a run's input
	// before it reaches the workflow body (§4.7). Nil skips rehydration.
	Classes *classreg.Registry

	// Limiter paces workflow_tick/step_execute dispatch when
	// Config.Queue.DispatchRate is non-zero. Nil means unlimited.
	Limiter *rate.Limiter
}

// NewRuntime builds a Runtime with sane defaults for the fields callers
// typically don't override (Propagator, Limiter, and Noop telemetry when
// unset).
func NewRuntime(store storage.Storage, q queue.Queue, workflows *WorkflowRegistry, steps *step.Runtime, sleepSvc *sleep.Service, cfg config.Config) *Runtime {
	var limiter *rate.Limiter
	if cfg.Queue.DispatchRate > 0 {
		burst := cfg.Queue.DispatchBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Queue.DispatchRate), burst)
	}
	return &Runtime{
		Storage:    store,
		Queue:      q,
		Workflows:  workflows,
		Steps:      steps,
		Sleep:      sleepSvc,
		Config:     cfg,
		Logger:     telemetry.NoopLogger{},
		Metrics:    telemetry.NoopMetrics{},
		Tracer:     telemetry.NoopTracer{},
		Propagator: propagation.TraceContext{},
		Limiter:    limiter,
	}
}

// Register subscribes the processor's three handlers (workflow-tick,
// step-execute, the internal wait-timer) on q under their conventional queue
// names.
func (rt *Runtime) Register() ([]queue.Subscription, error) {
	tickSub, err := rt.Queue.CreateHandler("workflow_tick", rt.handleWorkflowTick)
	if err != nil {
		return nil, fmt.Errorf("register workflow_tick handler: %w", err)
	}
	stepSub, err := rt.Queue.CreateHandler("step_execute", rt.handleStepExecute)
	if err != nil {
		return nil, fmt.Errorf("register step_execute handler: %w", err)
	}
	waitSub, err := rt.Queue.CreateHandler("wait_timer", rt.handleWaitTimer)
	if err != nil {
		return nil, fmt.Errorf("register wait_timer handler: %w", err)
	}
	return []queue.Subscription{tickSub, stepSub, waitSub}, nil
}

// StartOptions customizes Start beyond the workflow name and input.
type StartOptions struct {
	// Labels attaches free-form tags to the run, surfaced on the projected
	// Run.Labels (§3 supplements).
	Labels map[string]string
	// ExpiresAfter bounds the run's lifetime from its start time. Zero
	// falls back to Config.Run.DefaultTTL; a zero DefaultTTL means the run
	// never expires.
	ExpiresAfter time.Duration
}

// StartOption configures a Start call.
type StartOption func(*StartOptions)

// WithLabels attaches labels to the started run.
func WithLabels(labels map[string]string) StartOption {
	return func(o *StartOptions) { o.Labels = labels }
}

// WithExpiresAfter overrides Config.Run.DefaultTTL for this run.
func WithExpiresAfter(d time.Duration) StartOption {
	return func(o *StartOptions) { o.ExpiresAfter = d }
}

// Start appends run_created for workflowName with input, injects the active
// trace context into the run's traceCarrier, and enqueues the first
// workflow-tick — the external start(workflowFn, args) entry point of §2's
// data flow.
func (rt *Runtime) Start(ctx context.Context, workflowName string, input []json.RawMessage, opts ...StartOption) (string, error) {
	var o StartOptions
	for _, opt := range opts {
		opt(&o)
	}
	ttl := o.ExpiresAfter
	if ttl <= 0 {
		ttl = rt.Config.Run.DefaultTTL
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	carrier := make(map[string]string)
	rt.Propagator.Inject(ctx, wftrace.Carrier(carrier))

	result, err := rt.Storage.AppendEvent(ctx, "", &workflow.Event{
		Type: workflow.EventRunCreated,
		Data: mustJSON(workflow.RunCreatedData{
			WorkflowName: workflowName,
			Input:        input,
			TraceCarrier: carrier,
			Labels:       o.Labels,
			ExpiresAt:    expiresAt,
		}),
	}, storage.AppendOptions{})
	if err != nil {
		return "", fmt.Errorf("append run_created: %w", err)
	}

	if _, err := rt.Queue.Send(ctx, "workflow_tick", mustJSON(queue.WorkflowTickPayload{
		RunID:        result.RunID,
		TraceCarrier: carrier,
	}), queue.SendOptions{}); err != nil {
		return "", fmt.Errorf("enqueue initial workflow_tick: %w", err)
	}

	rt.Metrics.IncCounter("workflow.started", 1, "workflow_name", workflowName)
	return result.RunID, nil
}

// handleWorkflowTick implements §4.6's Workflow-tick processing.
func (rt *Runtime) handleWorkflowTick(ctx context.Context, payload []byte, meta queue.Meta) (queue.HandlerResult, error) {
	var msg queue.WorkflowTickPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return queue.HandlerResult{}, fmt.Errorf("decode workflow_tick payload: %w", err)
	}

	ctx = rt.restoreTrace(ctx, msg.TraceCarrier)
	ctx, span := rt.Tracer.Start(ctx, "workflow.tick", otelTrace.WithAttributes(attribute.String("run_id", msg.RunID)))
	defer span.End()

	if requeued, err := rt.checkTTL(ctx, "workflow_tick", payload, meta); requeued || err != nil {
		return queue.HandlerResult{}, err
	}

	if err := rt.waitForDispatch(ctx); err != nil {
		return queue.HandlerResult{}, fmt.Errorf("dispatch rate limiter: %w", err)
	}

	run, err := rt.Storage.GetRun(ctx, msg.RunID)
	if err != nil {
		return queue.HandlerResult{}, fmt.Errorf("load run %q: %w", msg.RunID, err)
	}
	if run.Status.IsTerminal() {
		return queue.HandlerResult{}, nil
	}
	if !storage.WithinExpiry(run, time.Now()) {
		return queue.HandlerResult{}, rt.failRun(ctx, msg.RunID, errors.Newf(errors.CodeWorkflowRuntime, "run %q expired at %s", msg.RunID, run.ExpiredAt))
	}

	fn, ok := rt.Workflows.Lookup(run.WorkflowName)
	if !ok {
		return queue.HandlerResult{}, rt.failRun(ctx, msg.RunID, errors.Newf(errors.CodeWorkflowRuntime, "workflow %q is not registered", run.WorkflowName))
	}

	events, err := rt.loadEvents(ctx, msg.RunID)
	if err != nil {
		return queue.HandlerResult{}, err
	}

	inputBytes, err := json.Marshal(run.Input)
	if err != nil {
		return queue.HandlerResult{}, fmt.Errorf("marshal run input: %w", err)
	}
	if rt.Classes != nil {
		if rehydrated, err := rt.Classes.Rehydrate(inputBytes); err == nil {
			inputBytes = rehydrated
		} else {
			return queue.HandlerResult{}, rt.failRun(ctx, msg.RunID, errors.Newf(errors.CodeWorkflowRuntime, "rehydrate run input: %v", err))
		}
	}

	outcome := orchestrator.Tick(msg.RunID, run.StartedAt, events, fn, inputBytes)

	if outcome.Kind == orchestrator.Suspended {
		if err := rt.flushInvocations(ctx, msg.RunID, msg.TraceCarrier, outcome.Invocations); err != nil {
			return queue.HandlerResult{}, err
		}
		return queue.HandlerResult{}, nil
	}

	if outcome.Err != nil {
		return queue.HandlerResult{}, rt.failRun(ctx, msg.RunID, outcome.Err)
	}

	_, err = rt.Storage.AppendEvent(ctx, msg.RunID, &workflow.Event{
		Type: workflow.EventRunCompleted,
		Data: mustJSON(workflow.RunCompletedData{Output: outcome.Value}),
	}, storage.AppendOptions{ExpectedTerminal: true})
	if err != nil && !errors.IsStorageConflict(err) {
		return queue.HandlerResult{}, fmt.Errorf("append run_completed: %w", err)
	}
	rt.Metrics.IncCounter("workflow.completed", 1, "workflow_name", run.WorkflowName)
	return queue.HandlerResult{}, nil
}

// handleStepExecute implements §4.2's step execution, wrapped with trace
// restoration and TTL handling.
func (rt *Runtime) handleStepExecute(ctx context.Context, payload []byte, meta queue.Meta) (queue.HandlerResult, error) {
	var p queue.StepExecutePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return queue.HandlerResult{}, fmt.Errorf("decode step_execute payload: %w", err)
	}

	ctx = rt.restoreTrace(ctx, p.TraceCarrier)
	ctx, span := rt.Tracer.Start(ctx, "workflow.step_execute", otelTrace.WithAttributes(
		attribute.String("run_id", p.RunID),
		attribute.String("step_name", p.StepName),
		attribute.Int("attempt", p.Attempt),
	))
	defer span.End()

	if requeued, err := rt.checkTTL(ctx, "step_execute", payload, meta); requeued || err != nil {
		return queue.HandlerResult{}, err
	}

	if err := rt.waitForDispatch(ctx); err != nil {
		return queue.HandlerResult{}, fmt.Errorf("dispatch rate limiter: %w", err)
	}

	if err := rt.Steps.Execute(ctx, p); err != nil {
		span.RecordError(err)
		return queue.HandlerResult{}, err
	}
	return queue.HandlerResult{}, nil
}

// handleWaitTimer resolves the internal timer schedule created by
// dispatchWait, standing in for §4.3's external timer service.
func (rt *Runtime) handleWaitTimer(ctx context.Context, payload []byte, _ queue.Meta) (queue.HandlerResult, error) {
	var p waitTimerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return queue.HandlerResult{}, fmt.Errorf("decode wait_timer payload: %w", err)
	}
	if err := rt.Sleep.Wake(ctx, p.RunID, p.CorrelationID); err != nil {
		return queue.HandlerResult{}, err
	}
	return queue.HandlerResult{}, nil
}

// failRun appends run_failed with err captured as a structured error.
func (rt *Runtime) failRun(ctx context.Context, runID string, err error) error {
	structuredErr := errors.FromError(errors.CodeWorkflowRuntime, err)
	_, appendErr := rt.Storage.AppendEvent(ctx, runID, &workflow.Event{
		Type: workflow.EventRunFailed,
		Data: mustJSON(workflow.RunFailedData{Error: *structuredErr}),
	}, storage.AppendOptions{ExpectedTerminal: true})
	if appendErr != nil && !errors.IsStorageConflict(appendErr) {
		return fmt.Errorf("append run_failed: %w", appendErr)
	}
	rt.Metrics.IncCounter("workflow.failed", 1)
	return nil
}

// flushInvocations implements §4.6 step 6: for each entry the replay
// produced, append the creation event (where one exists) and enqueue the
// corresponding side-effect message. Entries already Acknowledged on a prior
// tick need neither — they are only here because the primitive re-reached
// them this tick and found them still outstanding.
func (rt *Runtime) flushInvocations(ctx context.Context, runID string, carrier map[string]string, invocations *orchestrator.InvocationsQueue) error {
	for _, inv := range invocations.Entries() {
		if !inv.NeedsSideEffect {
			continue
		}
		var err error
		switch inv.Kind {
		case orchestrator.InvocationStep:
			err = rt.dispatchStep(ctx, runID, carrier, inv)
		case orchestrator.InvocationWait:
			err = rt.dispatchWait(ctx, runID, inv)
		case orchestrator.InvocationHook:
			err = rt.dispatchHook(ctx, runID, inv)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// dispatchStep enqueues the step's first attempt. It does not itself append
// step_started — step.Runtime.Execute records that event (with the attempt
// number actually executing) when the message is processed, which keeps
// exactly one step_started per attempt rather than a duplicate at flush time.
func (rt *Runtime) dispatchStep(ctx context.Context, runID string, carrier map[string]string, inv *orchestrator.Invocation) error {
	_, err := rt.Queue.Send(ctx, "step_execute", mustJSON(queue.StepExecutePayload{
		RunID:        runID,
		StepID:       inv.CorrelationID,
		Attempt:      1,
		StepName:     inv.StepName,
		Input:        inv.Input,
		TraceCarrier: carrier,
		Metadata:     inv.Metadata,
		StreamName:   inv.StreamName,
	}), queue.SendOptions{})
	return err
}

// dispatchWait appends wait_created and schedules the internal wake timer.
func (rt *Runtime) dispatchWait(ctx context.Context, runID string, inv *orchestrator.Invocation) error {
	_, err := rt.Storage.AppendEvent(ctx, runID, &workflow.Event{
		Type:          workflow.EventWaitCreated,
		CorrelationID: inv.CorrelationID,
		Data:          mustJSON(workflow.WaitCreatedData{ResumeAt: inv.ResumeAt}),
	}, storage.AppendOptions{})
	if err != nil && !errors.IsStorageConflict(err) {
		return fmt.Errorf("append wait_created: %w", err)
	}

	delay := int(time.Until(inv.ResumeAt).Seconds())
	if delay < 0 {
		delay = 0 // resumeAt already in the past: invariant 11, wake on next tick
	}
	_, err = rt.Queue.Send(ctx, "wait_timer", mustJSON(waitTimerPayload{
		RunID:         runID,
		CorrelationID: inv.CorrelationID,
	}), queue.SendOptions{DelaySeconds: delay})
	return err
}

// dispatchHook appends hook_created carrying the token generated by
// CreateHook. Unlike step/wait, hook creation produces no queue message: the
// rendez-vous is resolved by an out-of-band resumeHook(token, ...) call
// (workflow/hook.Service.Resume), not by anything the processor schedules.
func (rt *Runtime) dispatchHook(ctx context.Context, runID string, inv *orchestrator.Invocation) error {
	_, err := rt.Storage.AppendEvent(ctx, runID, &workflow.Event{
		Type:          workflow.EventHookCreated,
		CorrelationID: inv.CorrelationID,
		Data: mustJSON(workflow.HookCreatedData{
			Token:             inv.HookToken,
			Metadata:          inv.HookMetadata,
			ConsumptionPolicy: inv.ConsumptionPolicy,
		}),
	}, storage.AppendOptions{})
	if err != nil && !errors.IsStorageConflict(err) {
		return fmt.Errorf("append hook_created: %w", err)
	}
	return nil
}

// loadEvents pages through the full event log for runID. §9 Design Notes
// calls out that long logs should paginate with a replayable cursor; this
// walks storage.DefaultLimit-sized pages until exhausted.
func (rt *Runtime) loadEvents(ctx context.Context, runID string) ([]*workflow.Event, error) {
	var all []*workflow.Event
	cursor := ""
	for {
		page, err := rt.Storage.ListEvents(ctx, storage.ListParams{RunID: runID, Cursor: cursor, Order: storage.Asc})
		if err != nil {
			return nil, fmt.Errorf("list events for run %q: %w", runID, err)
		}
		all = append(all, page.Events...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return all, nil
}

// checkTTL implements §4.6's message-TTL re-enqueue path: when a message's
// age plus the configured safety buffer would reach the broker's maximum
// message age, re-enqueue the identical payload under a fresh message ID
// rather than let redelivery guarantees lapse (Testable Property 9 requires
// the re-enqueued payload match bit-for-bit, which passing payload through
// unparsed guarantees).
func (rt *Runtime) checkTTL(ctx context.Context, queueName string, payload []byte, meta queue.Meta) (requeued bool, err error) {
	maxAge := rt.Config.Queue.MaxMessageAge
	if maxAge <= 0 || meta.CreatedAt.IsZero() {
		return false, nil
	}
	age := time.Since(meta.CreatedAt)
	if age+rt.Config.Queue.SafetyBuffer < maxAge {
		return false, nil
	}
	if _, err := rt.Queue.Send(ctx, queueName, payload, queue.SendOptions{}); err != nil {
		return false, fmt.Errorf("re-enqueue near-TTL message on %q: %w", queueName, err)
	}
	rt.Logger.Info(ctx, "re-enqueued message approaching broker TTL", "queue", queueName, "age", age.String())
	return true, nil
}

// restoreTrace extracts carrier into ctx via Propagator, so a trace started
// by the external caller of Start stays connected across every tick and step
// execution.
func (rt *Runtime) restoreTrace(ctx context.Context, carrier map[string]string) context.Context {
	if carrier == nil {
		return ctx
	}
	return rt.Propagator.Extract(ctx, wftrace.Carrier(carrier))
}

// waitForDispatch blocks until Limiter admits one more dispatch, a no-op
// when Limiter is unset (Config.Queue.DispatchRate == 0).
func (rt *Runtime) waitForDispatch(ctx context.Context) error {
	if rt.Limiter == nil {
		return nil
	}
	return rt.Limiter.Wait(ctx)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
