package inmem_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runloop-dev/runloop/workflow"
	"github.com/runloop-dev/runloop/workflow/errors"
	"github.com/runloop-dev/runloop/workflow/storage"
	"github.com/runloop-dev/runloop/workflow/storage/inmem"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestAppendEventAllocatesRunID(t *testing.T) {
	ctx := context.Background()
	store := inmem.New(func() string { return "run-1" })

	res, err := store.AppendEvent(ctx, "", &workflow.Event{
		Type: workflow.EventRunCreated,
		Data: mustJSON(t, workflow.RunCreatedData{WorkflowName: "demo"}),
	}, storage.AppendOptions{})
	require.NoError(t, err)
	require.Equal(t, "run-1", res.RunID)
	require.Equal(t, "run-1", res.Event.RunID)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, workflow.RunPending, run.Status)
	require.Equal(t, "demo", run.WorkflowName)
}

func TestAppendEventRejectsDuplicateTerminal(t *testing.T) {
	ctx := context.Background()
	store := inmem.New(func() string { return "run-1" })

	_, err := store.AppendEvent(ctx, "", &workflow.Event{Type: workflow.EventRunCreated}, storage.AppendOptions{})
	require.NoError(t, err)

	_, err = store.AppendEvent(ctx, "run-1", &workflow.Event{
		Type:          workflow.EventStepCompleted,
		CorrelationID: "step-1",
		Data:          mustJSON(t, workflow.StepCompletedData{}),
	}, storage.AppendOptions{})
	require.NoError(t, err)

	_, err = store.AppendEvent(ctx, "run-1", &workflow.Event{
		Type:          workflow.EventStepCompleted,
		CorrelationID: "step-1",
		Data:          mustJSON(t, workflow.StepCompletedData{}),
	}, storage.AppendOptions{})
	require.Error(t, err)
	require.True(t, errors.IsStorageConflict(err))
}

func TestEventIDsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	store := inmem.New(func() string { return "run-1" })
	_, err := store.AppendEvent(ctx, "", &workflow.Event{Type: workflow.EventRunCreated}, storage.AppendOptions{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.AppendEvent(ctx, "run-1", &workflow.Event{
			Type:          workflow.EventStepStarted,
			CorrelationID: "step-" + string(rune('a'+i)),
			Data:          mustJSON(t, workflow.StepStartedData{StepName: "noop", Attempt: 1}),
		}, storage.AppendOptions{})
		require.NoError(t, err)
	}

	page, err := store.ListEvents(ctx, storage.ListParams{RunID: "run-1", Order: storage.Asc})
	require.NoError(t, err)
	require.Len(t, page.Events, 6)
	for i := 1; i < len(page.Events); i++ {
		require.Less(t, page.Events[i-1].EventID, page.Events[i].EventID)
	}
}

func TestRunCompletionDisposesHooks(t *testing.T) {
	ctx := context.Background()
	store := inmem.New(func() string { return "run-1" })
	_, err := store.AppendEvent(ctx, "", &workflow.Event{Type: workflow.EventRunCreated}, storage.AppendOptions{})
	require.NoError(t, err)

	_, err = store.AppendEvent(ctx, "run-1", &workflow.Event{
		Type:          workflow.EventHookCreated,
		CorrelationID: "hook-1",
		Data:          mustJSON(t, workflow.HookCreatedData{Token: "tok", ConsumptionPolicy: workflow.ConsumeFirst}),
	}, storage.AppendOptions{})
	require.NoError(t, err)

	_, err = store.AppendEvent(ctx, "run-1", &workflow.Event{
		Type: workflow.EventRunCompleted,
		Data: mustJSON(t, workflow.RunCompletedData{}),
	}, storage.AppendOptions{})
	require.NoError(t, err)

	page, err := store.ListHooks(ctx, storage.ListParams{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, page.Hooks, 1)
	require.NotNil(t, page.Hooks[0].DisposedAt)

	disposed, err := store.ListEventsByCorrelationID(ctx, "run-1", "hook-1", storage.ListParams{})
	require.NoError(t, err)
	var sawDisposed bool
	for _, e := range disposed.Events {
		if e.Type == workflow.EventHookDisposed {
			sawDisposed = true
		}
	}
	require.True(t, sawDisposed, "expected a hook_disposed event to be appended, not just the projection mutated")
}

func TestListEventsByCorrelationID(t *testing.T) {
	ctx := context.Background()
	store := inmem.New(func() string { return "run-1" })
	_, err := store.AppendEvent(ctx, "", &workflow.Event{Type: workflow.EventRunCreated}, storage.AppendOptions{})
	require.NoError(t, err)

	_, err = store.AppendEvent(ctx, "run-1", &workflow.Event{
		Type:          workflow.EventStepStarted,
		CorrelationID: "step-1",
		Data:          mustJSON(t, workflow.StepStartedData{StepName: "add", Attempt: 1}),
	}, storage.AppendOptions{})
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, "run-1", &workflow.Event{
		Type:          workflow.EventStepCompleted,
		CorrelationID: "step-1",
		Data:          mustJSON(t, workflow.StepCompletedData{}),
	}, storage.AppendOptions{})
	require.NoError(t, err)

	page, err := store.ListEventsByCorrelationID(ctx, "run-1", "step-1", storage.ListParams{})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
}
