package step_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runloop-dev/runloop/workflow"
	"github.com/runloop-dev/runloop/workflow/config"
	"github.com/runloop-dev/runloop/workflow/errors"
	"github.com/runloop-dev/runloop/workflow/queue"
	"github.com/runloop-dev/runloop/workflow/queue/inmem"
	"github.com/runloop-dev/runloop/workflow/step"
	"github.com/runloop-dev/runloop/workflow/storage"
	storeinmem "github.com/runloop-dev/runloop/workflow/storage/inmem"
)

func newRuntime(t *testing.T, handler step.Handler) (*step.Runtime, storage.Storage, *inmem.Queue, string) {
	t.Helper()
	store := storeinmem.New(func() string { return "run-1" })
	q := inmem.New()
	t.Cleanup(func() { _ = q.Close() })

	reg := step.NewRegistry()
	reg.Register(step.Definition{Name: "flaky", Handler: handler})

	rt := &step.Runtime{Storage: store, Queue: q, Registry: reg, Config: config.Default()}

	ctx := context.Background()
	_, err := store.AppendEvent(ctx, "", &workflow.Event{
		Type: workflow.EventRunCreated,
		Data: mustJSON(t, workflow.RunCreatedData{WorkflowName: "demo"}),
	}, storage.AppendOptions{})
	require.NoError(t, err)

	return rt, store, q, "run-1"
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestExecuteCompletesOnSuccess(t *testing.T) {
	rt, store, _, runID := newRuntime(t, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		return mustJSON(t, 42), nil
	})

	err := rt.Execute(context.Background(), queue.StepExecutePayload{
		RunID: runID, StepID: "step-1", Attempt: 1, StepName: "flaky", Input: mustJSON(t, nil),
	})
	require.NoError(t, err)

	page, err := store.ListEventsByCorrelationID(context.Background(), runID, "step-1", storage.ListParams{})
	require.NoError(t, err)
	var types []workflow.EventType
	for _, e := range page.Events {
		types = append(types, e.Type)
	}
	require.Equal(t, []workflow.EventType{workflow.EventStepStarted, workflow.EventStepCompleted}, types)
}

func TestExecuteIsIdempotentOnRedelivery(t *testing.T) {
	rt, _, _, runID := newRuntime(t, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		return mustJSON(t, 42), nil
	})
	payload := queue.StepExecutePayload{RunID: runID, StepID: "step-1", Attempt: 1, StepName: "flaky", Input: mustJSON(t, nil)}

	require.NoError(t, rt.Execute(context.Background(), payload))
	require.NoError(t, rt.Execute(context.Background(), payload)) // redelivery, no-op
}

func TestExecuteRetriesRetryableErrors(t *testing.T) {
	calls := 0
	rt, store, _, runID := newRuntime(t, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls < 3 {
			return nil, &errors.RetryableError{Message: "not yet"}
		}
		return mustJSON(t, 42), nil
	})

	for attempt := 1; attempt <= 3; attempt++ {
		err := rt.Execute(context.Background(), queue.StepExecutePayload{
			RunID: runID, StepID: "step-1", Attempt: attempt, StepName: "flaky", Input: mustJSON(t, nil),
		})
		require.NoError(t, err)
	}

	page, err := store.ListEventsByCorrelationID(context.Background(), runID, "step-1", storage.ListParams{})
	require.NoError(t, err)
	var completed, retrying int
	for _, e := range page.Events {
		switch e.Type {
		case workflow.EventStepCompleted:
			completed++
		case workflow.EventStepRetrying:
			retrying++
		}
	}
	require.Equal(t, 1, completed)
	require.Equal(t, 2, retrying)
}

func TestExecuteFailsFatalErrorsWithoutRetry(t *testing.T) {
	rt, store, _, runID := newRuntime(t, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, &errors.FatalError{Message: "boom"}
	})

	err := rt.Execute(context.Background(), queue.StepExecutePayload{
		RunID: runID, StepID: "step-1", Attempt: 1, StepName: "flaky", Input: mustJSON(t, nil),
	})
	require.NoError(t, err)

	page, err := store.ListEventsByCorrelationID(context.Background(), runID, "step-1", storage.ListParams{})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.Equal(t, workflow.EventStepFailed, page.Events[1].Type)
}
