// Package hook implements the external-facing half of the hook primitive
// (§4.4): delivering a payload to a token, and disposing a run's
// outstanding hooks on termination. The workflow-side half (createHook,
// HookHandle.Wait) lives in workflow/orchestrator, since it must run inside
// the deterministic tick context.
package hook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runloop-dev/runloop/workflow"
	"github.com/runloop-dev/runloop/workflow/queue"
	"github.com/runloop-dev/runloop/workflow/storage"
)

// Service delivers external payloads to hooks and enqueues the workflow-tick
// that lets the waiting run observe them.
type Service struct {
	Storage storage.Storage
	Queue   queue.Queue
}

// Resume appends hook_received for the hook identified by token and enqueues
// a workflow-tick for its run, implementing the resumeHook(token, payload)
// operation of §4.4. Deliveries to a disposed hook are rejected at this API
// boundary, per §5's cancellation semantics.
func (s *Service) Resume(ctx context.Context, token string, payload json.RawMessage) error {
	h, err := s.Storage.GetHookByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("lookup hook by token: %w", err)
	}
	if h.DisposedAt != nil {
		return fmt.Errorf("hook %q already disposed", h.HookID)
	}

	if _, err := s.Storage.AppendEvent(ctx, h.RunID, &workflow.Event{
		Type:          workflow.EventHookReceived,
		CorrelationID: h.HookID,
		Data:          mustJSON(workflow.HookReceivedData{Payload: payload}),
	}, storage.AppendOptions{}); err != nil {
		return fmt.Errorf("append hook_received: %w", err)
	}

	_, err = s.Queue.Send(ctx, "workflow_tick", mustJSON(queue.WorkflowTickPayload{RunID: h.RunID}), queue.SendOptions{})
	return err
}

// Dispose appends hook_disposed for hookID. Storage auto-disposes every
// outstanding hook when a run reaches a terminal state (see
// workflow/storage/inmem's applyProjection); Dispose additionally supports
// the explicit early-disposal path §4.4 permits.
func (s *Service) Dispose(ctx context.Context, runID, hookID string) error {
	_, err := s.Storage.AppendEvent(ctx, runID, &workflow.Event{
		Type:          workflow.EventHookDisposed,
		CorrelationID: hookID,
		Data:          mustJSON(workflow.HookDisposedData{Reason: "explicit"}),
	}, storage.AppendOptions{})
	return err
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
