// Package streamer defines the durable named byte-stream contract (§4.5):
// append-only chunks keyed by (runId, streamName), replayable from any
// offset, with a done flag set by explicit close/error. FlushableStream
// layers the "definitively done" contract (§4.5.1) on top of a Streamer for
// writers that hold an exclusive lock on the handle rather than calling
// Close directly.
package streamer

import (
	"context"

	"github.com/runloop-dev/runloop/workflow"
)

type (
	// Streamer is the durable stream store the core consumes. Implementations
	// must serialize writes to a given (runID, name) in issue order and must
	// make Close/Error visible to concurrent readers before ReadFromStream's
	// sequence ends.
	Streamer interface {
		WriteToStream(ctx context.Context, runID, name string, chunk []byte) error
		CloseStream(ctx context.Context, runID, name string) error
		// ErrorStream terminates the stream as failed; readers observe end-of-
		// stream without a final successful chunk.
		ErrorStream(ctx context.Context, runID, name string, streamErr error) error
		// ReadFromStream returns chunks from startIndex onward, including
		// chunks not yet written at call time, until the stream's done flag
		// is observed.
		ReadFromStream(ctx context.Context, runID, name string, startIndex int) (<-chan workflow.StreamChunk, error)
		ListStreamsByRunID(ctx context.Context, runID string) ([]workflow.StreamInfo, error)

		// TryAcquire attempts a short exclusive acquisition of the named
		// stream's write lock, used by FlushableStream's done-polling loop
		// (§4.5.1) to detect lock release without a native "released" event.
		// ok is false when the stream is held or already closed/errored.
		TryAcquire(ctx context.Context, runID, name string) (ok bool, closed bool, err error)
		Release(ctx context.Context, runID, name string) error
	}
)

// StreamName derives a stream's identity deterministically from the writer's
// correlation ID and an optional namespace, as required for
// getWritable({namespace}) to be replay-stable.
func StreamName(correlationID, namespace string) string {
	if namespace == "" {
		return correlationID
	}
	return correlationID + "/" + namespace
}
