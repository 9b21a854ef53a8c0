package mongo_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/runloop-dev/runloop/workflow"
	workflowerrors "github.com/runloop-dev/runloop/workflow/errors"
	"github.com/runloop-dev/runloop/workflow/storage"
	storagemongo "github.com/runloop-dev/runloop/workflow/storage/mongo"
)

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testMongoContainer.Host(ctx)
		if err != nil {
			skipIntegration = true
		} else if port, err := testMongoContainer.MappedPort(ctx, "27017"); err != nil {
			skipIntegration = true
		} else {
			uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
			testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
			if err != nil {
				skipIntegration = true
			} else if err := testMongoClient.Ping(ctx, nil); err != nil {
				skipIntegration = true
			}
		}
	}

	code := m.Run()

	if testMongoClient != nil {
		_ = testMongoClient.Disconnect(context.Background())
	}
	if testMongoContainer != nil {
		_ = testMongoContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func getStore(t *testing.T) *storagemongo.Store {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	dbName := "runloop_test_" + t.Name()
	require.NoError(t, testMongoClient.Database(dbName).Drop(context.Background()))
	store, err := storagemongo.New(context.Background(), testMongoClient, dbName)
	require.NoError(t, err)
	return store
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestAppendRunCreatedAllocatesRunIDAndProjectsRun(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()

	data := workflow.RunCreatedData{WorkflowName: "order.process", Input: []json.RawMessage{mustJSON(t, map[string]string{"orderId": "o-1"})}}
	res, err := store.AppendEvent(ctx, "", &workflow.Event{Type: workflow.EventRunCreated, Data: mustJSON(t, data)}, storage.AppendOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, res.RunID)
	require.Equal(t, fmt.Sprintf("%020d", 1), res.Event.EventID)

	run, err := store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	require.Equal(t, "order.process", run.WorkflowName)
	require.Equal(t, workflow.RunPending, run.Status)
}

func TestStepLifecycleProjectsThroughToCompletion(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()

	runRes, err := store.AppendEvent(ctx, "", &workflow.Event{
		Type: workflow.EventRunCreated,
		Data: mustJSON(t, workflow.RunCreatedData{WorkflowName: "wf"}),
	}, storage.AppendOptions{})
	require.NoError(t, err)
	runID := runRes.RunID

	_, err = store.AppendEvent(ctx, runID, &workflow.Event{
		Type:          workflow.EventStepStarted,
		CorrelationID: "step-1",
		Data:          mustJSON(t, workflow.StepStartedData{StepName: "charge", Attempt: 1}),
	}, storage.AppendOptions{})
	require.NoError(t, err)

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunRunning, run.Status)

	_, err = store.AppendEvent(ctx, runID, &workflow.Event{
		Type:          workflow.EventStepCompleted,
		CorrelationID: "step-1",
		Data:          mustJSON(t, workflow.StepCompletedData{Output: mustJSON(t, "ok")}),
	}, storage.AppendOptions{})
	require.NoError(t, err)

	step, err := store.GetStep(ctx, runID, "step-1")
	require.NoError(t, err)
	require.Equal(t, workflow.StepCompleted, step.Status)
	require.NotNil(t, step.CompletedAt)
}

func TestTerminalEventConflictIsRejected(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()

	runRes, err := store.AppendEvent(ctx, "", &workflow.Event{
		Type: workflow.EventRunCreated,
		Data: mustJSON(t, workflow.RunCreatedData{WorkflowName: "wf"}),
	}, storage.AppendOptions{})
	require.NoError(t, err)
	runID := runRes.RunID

	_, err = store.AppendEvent(ctx, runID, &workflow.Event{
		Type:          workflow.EventStepStarted,
		CorrelationID: "step-1",
		Data:          mustJSON(t, workflow.StepStartedData{StepName: "charge", Attempt: 1}),
	}, storage.AppendOptions{})
	require.NoError(t, err)

	_, err = store.AppendEvent(ctx, runID, &workflow.Event{
		Type:          workflow.EventStepCompleted,
		CorrelationID: "step-1",
		Data:          mustJSON(t, workflow.StepCompletedData{Output: mustJSON(t, "ok")}),
	}, storage.AppendOptions{})
	require.NoError(t, err)

	_, err = store.AppendEvent(ctx, runID, &workflow.Event{
		Type:          workflow.EventStepFailed,
		CorrelationID: "step-1",
		Data:          mustJSON(t, workflow.StepFailedData{Error: *workflowerrors.New(workflowerrors.CodeStepFatal, "boom")}),
	}, storage.AppendOptions{})
	require.True(t, workflowerrors.IsStorageConflict(err), "expected storage conflict, got %v", err)
}

func TestRunCompletedDisposesOutstandingHooks(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()

	runRes, err := store.AppendEvent(ctx, "", &workflow.Event{
		Type: workflow.EventRunCreated,
		Data: mustJSON(t, workflow.RunCreatedData{WorkflowName: "wf"}),
	}, storage.AppendOptions{})
	require.NoError(t, err)
	runID := runRes.RunID

	_, err = store.AppendEvent(ctx, runID, &workflow.Event{
		Type:          workflow.EventHookCreated,
		CorrelationID: "hook-1",
		Data:          mustJSON(t, workflow.HookCreatedData{Token: "tok-1", ConsumptionPolicy: workflow.ConsumeFirst}),
	}, storage.AppendOptions{})
	require.NoError(t, err)

	_, err = store.AppendEvent(ctx, runID, &workflow.Event{
		Type: workflow.EventRunCompleted,
		Data: mustJSON(t, workflow.RunCompletedData{Output: mustJSON(t, "done")}),
	}, storage.AppendOptions{})
	require.NoError(t, err)

	hook, err := store.GetHook(ctx, "hook-1")
	require.NoError(t, err)
	require.NotNil(t, hook.DisposedAt)

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunCompleted, run.Status)

	disposed, err := store.ListEventsByCorrelationID(ctx, runID, "hook-1", storage.ListParams{Limit: 10})
	require.NoError(t, err)
	var sawDisposed bool
	for _, e := range disposed.Events {
		if e.Type == workflow.EventHookDisposed {
			sawDisposed = true
		}
	}
	require.True(t, sawDisposed, "expected a hook_disposed event to be appended, not just the projection mutated")
}

func TestListEventsByCorrelationIDFiltersAndPaginates(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()

	runRes, err := store.AppendEvent(ctx, "", &workflow.Event{
		Type: workflow.EventRunCreated,
		Data: mustJSON(t, workflow.RunCreatedData{WorkflowName: "wf"}),
	}, storage.AppendOptions{})
	require.NoError(t, err)
	runID := runRes.RunID

	_, err = store.AppendEvent(ctx, runID, &workflow.Event{
		Type:          workflow.EventStepStarted,
		CorrelationID: "step-1",
		Data:          mustJSON(t, workflow.StepStartedData{StepName: "a", Attempt: 1}),
	}, storage.AppendOptions{})
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, runID, &workflow.Event{
		Type:          workflow.EventStepStarted,
		CorrelationID: "step-2",
		Data:          mustJSON(t, workflow.StepStartedData{StepName: "b", Attempt: 1}),
	}, storage.AppendOptions{})
	require.NoError(t, err)

	page, err := store.ListEventsByCorrelationID(ctx, runID, "step-1", storage.ListParams{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	require.Equal(t, "step-1", page.Events[0].CorrelationID)
}
