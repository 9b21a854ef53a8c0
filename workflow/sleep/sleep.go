// Package sleep implements the external-facing half of the sleep/timer
// primitive (§4.3): appending wait_completed and enqueuing the follow-up
// tick. The message processor schedules a delayed wait_timer message for
// each first-reach wait and calls Wake when it is delivered; an
// administrator can also call Wake directly to end a sleep early.
package sleep

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runloop-dev/runloop/workflow"
	"github.com/runloop-dev/runloop/workflow/queue"
	"github.com/runloop-dev/runloop/workflow/storage"
)

// Service appends wait_completed events and enqueues the follow-up tick.
type Service struct {
	Storage storage.Storage
	Queue   queue.Queue
}

// Wake appends wait_completed for correlationID, then enqueues a
// workflow-tick for runID. The processor calls it when a wait's timer fires
// at resumeAt; an administrator can call it before resumeAt to cancel a
// sleep early (§5 Cancellation).
func (s *Service) Wake(ctx context.Context, runID, correlationID string) error {
	if _, err := s.Storage.AppendEvent(ctx, runID, &workflow.Event{
		Type:          workflow.EventWaitCompleted,
		CorrelationID: correlationID,
	}, storage.AppendOptions{ExpectedTerminal: true}); err != nil {
		return fmt.Errorf("append wait_completed: %w", err)
	}
	_, err := s.Queue.Send(ctx, "workflow_tick", mustJSON(queue.WorkflowTickPayload{RunID: runID}), queue.SendOptions{})
	return err
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
