package orchestrator_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/runloop-dev/runloop/workflow"
	"github.com/runloop-dev/runloop/workflow/errors"
	"github.com/runloop-dev/runloop/workflow/orchestrator"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

// twoStepsWorkflow mirrors scenario S1: return step_add(2,3) + step_add(4,5).
func twoStepsWorkflow(tc *orchestrator.TickContext, _ []byte) ([]byte, error) {
	out1, err := tc.Step("add", addArgs{2, 3})
	if err != nil {
		return nil, err
	}
	var a int
	if err := json.Unmarshal(out1, &a); err != nil {
		return nil, err
	}

	out2, err := tc.Step("add", addArgs{4, 5})
	if err != nil {
		return nil, err
	}
	var b int
	if err := json.Unmarshal(out2, &b); err != nil {
		return nil, err
	}

	return json.Marshal(a + b)
}

func TestTickSuspendsOnFirstReach(t *testing.T) {
	result := orchestrator.Tick("run-1", time.Now(), nil, twoStepsWorkflow, nil)
	require.Equal(t, orchestrator.Suspended, result.Kind)
	require.False(t, result.Invocations.Empty())
	entries := result.Invocations.Entries()
	require.Len(t, entries, 1)
	require.True(t, entries[0].NeedsSideEffect)
	require.Equal(t, "add", entries[0].StepName)
}

func TestTickResolvesAfterBothStepsComplete(t *testing.T) {
	startedAt := time.Now()
	first := orchestrator.Tick("run-1", startedAt, nil, twoStepsWorkflow, nil)
	require.Equal(t, orchestrator.Suspended, first.Kind)
	firstCorrelation := first.Invocations.Entries()[0].CorrelationID

	events := []*workflow.Event{
		{CorrelationID: firstCorrelation, Type: workflow.EventStepStarted, Data: mustJSON(t, workflow.StepStartedData{StepName: "add", Attempt: 1})},
		{CorrelationID: firstCorrelation, Type: workflow.EventStepCompleted, Data: mustJSON(t, workflow.StepCompletedData{Output: mustJSON(t, 5)})},
	}

	second := orchestrator.Tick("run-1", startedAt, events, twoStepsWorkflow, nil)
	require.Equal(t, orchestrator.Suspended, second.Kind)
	secondCorrelation := second.Invocations.Entries()[0].CorrelationID
	require.NotEqual(t, firstCorrelation, secondCorrelation)

	events = append(events,
		&workflow.Event{CorrelationID: secondCorrelation, Type: workflow.EventStepStarted, Data: mustJSON(t, workflow.StepStartedData{StepName: "add", Attempt: 1})},
		&workflow.Event{CorrelationID: secondCorrelation, Type: workflow.EventStepCompleted, Data: mustJSON(t, workflow.StepCompletedData{Output: mustJSON(t, 9)})},
	)

	third := orchestrator.Tick("run-1", startedAt, events, twoStepsWorkflow, nil)
	require.Equal(t, orchestrator.Resolved, third.Kind)
	require.NoError(t, third.Err)
	var total int
	require.NoError(t, json.Unmarshal(third.Value, &total))
	require.Equal(t, 14, total)
}

func TestTickRaisesRuntimeErrorOnUnexpectedEvent(t *testing.T) {
	sleepWorkflow := func(tc *orchestrator.TickContext, _ []byte) ([]byte, error) {
		if err := tc.Sleep(time.Second); err != nil {
			return nil, err
		}
		return json.Marshal("ok")
	}

	startedAt := time.Now()
	first := orchestrator.Tick("run-1", startedAt, nil, sleepWorkflow, nil)
	require.Equal(t, orchestrator.Suspended, first.Kind)
	correlationID := first.Invocations.Entries()[0].CorrelationID

	events := []*workflow.Event{
		{CorrelationID: correlationID, Type: workflow.EventStepCompleted, Data: mustJSON(t, workflow.StepCompletedData{})},
	}

	second := orchestrator.Tick("run-1", startedAt, events, sleepWorkflow, nil)
	require.Equal(t, orchestrator.Resolved, second.Kind)
	require.Error(t, second.Err)

	var re *errors.RuntimeError
	require.ErrorAs(t, second.Err, &re)
	require.Equal(t, correlationID, re.CorrelationID)
	require.Equal(t, string(workflow.EventStepCompleted), re.Unexpected)
}

func TestWorkflowWithNoPrimitivesCompletesInOneTick(t *testing.T) {
	trivial := func(tc *orchestrator.TickContext, _ []byte) ([]byte, error) {
		return json.Marshal("done")
	}
	result := orchestrator.Tick("run-1", time.Now(), nil, trivial, nil)
	require.Equal(t, orchestrator.Resolved, result.Kind)
	require.True(t, result.Invocations.Empty())
}

// streamHookWorkflow waits on the same hook twice under ConsumeStream,
// expecting two distinct deliveries in arrival order.
func streamHookWorkflow(tc *orchestrator.TickContext, _ []byte) ([]byte, error) {
	h, err := tc.CreateHook(workflow.ConsumeStream, nil)
	if err != nil {
		return nil, err
	}
	first, err := h.Wait(tc)
	if err != nil {
		return nil, err
	}
	second, err := h.Wait(tc)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]json.RawMessage{first, second})
}

func TestHookConsumeStreamPolicyResolvesSuccessiveDeliveries(t *testing.T) {
	startedAt := time.Now()
	first := orchestrator.Tick("run-1", startedAt, nil, streamHookWorkflow, nil)
	require.Equal(t, orchestrator.Suspended, first.Kind)
	hookID := first.Invocations.Entries()[0].CorrelationID

	// Both deliveries already recorded: the first Wait call must consume
	// the first hook_received, the second Wait call the second, never both
	// resolving to the same delivery (the review's "stream is a no-op"
	// finding).
	events := []*workflow.Event{
		{CorrelationID: hookID, Type: workflow.EventHookCreated, Data: mustJSON(t, workflow.HookCreatedData{Token: "tok", ConsumptionPolicy: workflow.ConsumeStream})},
		{CorrelationID: hookID, Type: workflow.EventHookReceived, Data: mustJSON(t, workflow.HookReceivedData{Payload: mustJSON(t, "one")})},
		{CorrelationID: hookID, Type: workflow.EventHookReceived, Data: mustJSON(t, workflow.HookReceivedData{Payload: mustJSON(t, "two")})},
	}
	second := orchestrator.Tick("run-1", startedAt, events, streamHookWorkflow, nil)
	require.Equal(t, orchestrator.Resolved, second.Kind)
	require.NoError(t, second.Err)

	var got []string
	require.NoError(t, json.Unmarshal(second.Value, &got))
	require.Equal(t, []string{"one", "two"}, got)
}

// inputDrivenWorkflow dispatches a step named after the parity of the
// unmarshaled input's A field, so a replay that diverges on input would
// diverge on step name too.
func inputDrivenWorkflow(tc *orchestrator.TickContext, input []byte) ([]byte, error) {
	var args addArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	name := "even"
	if args.A%2 != 0 {
		name = "odd"
	}
	out, err := tc.Step(name, args)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TestReplayIsDeterministic is a gopter property test for invariant 3:
// replaying Tick with identical (runID, startedAt, events, input) always
// produces the same first outstanding invocation, regardless of how many
// times it is replayed.
func TestReplayIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("first-reach correlationId and step name are stable across replays", prop.ForAll(
		func(a, b int) bool {
			startedAt := time.Now()
			input, _ := json.Marshal(addArgs{A: a, B: b})
			baseline := orchestrator.Tick("run-det", startedAt, nil, inputDrivenWorkflow, input)
			if baseline.Kind != orchestrator.Suspended {
				return false
			}
			baselineEntry := baseline.Invocations.Entries()[0]

			for i := 0; i < 5; i++ {
				replay := orchestrator.Tick("run-det", startedAt, nil, inputDrivenWorkflow, input)
				if replay.Kind != orchestrator.Suspended {
					return false
				}
				entry := replay.Invocations.Entries()[0]
				if entry.CorrelationID != baselineEntry.CorrelationID || entry.StepName != baselineEntry.StepName {
					return false
				}
			}
			return true
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(-1000, 1000),
	))

	properties.TestingRun(t)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
