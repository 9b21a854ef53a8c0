package streamer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LockPollInterval is the cadence at which a FlushableStream probes for lock
// release when its producer has not explicitly closed or errored the
// stream. The Design Notes call this cadence a compromise; a backend with
// visibility into lock ownership can replace polling with an event, which is
// exactly what a future Streamer implementation may do without this type
// changing shape.
const LockPollInterval = 100 * time.Millisecond

// FlushableStream is a write-only handle to a stream with the "definitively
// done" contract of §4.5.1: done resolves when the producer explicitly
// closes/errors the stream, OR when the producer releases its exclusive
// lock on the handle and all in-flight writes have been acknowledged.
type FlushableStream struct {
	streamer Streamer
	runID    string
	name     string

	pendingOps   int64
	doneResolved atomic.Bool
	streamEnded  atomic.Bool

	doneCh     chan struct{}
	closeOnce  sync.Once
	pollCancel context.CancelFunc
}

// NewFlushableStream wraps streamer with flushable done-semantics for the
// given (runID, name). The caller is assumed to hold the write lock on the
// handle until it calls Close, Error, or simply stops writing and lets the
// poll loop detect lock release.
func NewFlushableStream(streamer Streamer, runID, name string) *FlushableStream {
	fs := &FlushableStream{
		streamer: streamer,
		runID:    runID,
		name:     name,
		doneCh:   make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	fs.pollCancel = cancel
	go fs.pollLockRelease(ctx)
	return fs
}

// Write appends chunk to the stream. It does not return until the sink has
// acknowledged storage, so a fast producer is naturally paced by the sink
// (§4.5.1 backpressure). Writes are serialized in issue order by the
// caller's own sequencing; FlushableStream does not reorder concurrent
// Write calls.
func (fs *FlushableStream) Write(ctx context.Context, chunk []byte) error {
	atomic.AddInt64(&fs.pendingOps, 1)
	defer atomic.AddInt64(&fs.pendingOps, -1)
	return fs.streamer.WriteToStream(ctx, fs.runID, fs.name, chunk)
}

// Close explicitly terminates the stream successfully, resolving Done
// immediately regardless of pending writes or lock state.
func (fs *FlushableStream) Close(ctx context.Context) error {
	err := fs.streamer.CloseStream(ctx, fs.runID, fs.name)
	fs.markEnded()
	return err
}

// Error explicitly terminates the stream as failed, resolving Done
// immediately.
func (fs *FlushableStream) Error(ctx context.Context, streamErr error) error {
	err := fs.streamer.ErrorStream(ctx, fs.runID, fs.name, streamErr)
	fs.markEnded()
	return err
}

// Done returns a channel that closes once the stream is definitively done:
// either explicitly closed/errored, or its lock was released with zero
// pending writes. Done is idempotent — calling it after the stream is
// already done returns an already-closed channel.
func (fs *FlushableStream) Done() <-chan struct{} {
	return fs.doneCh
}

// Closed reports whether the stream has already been explicitly closed or
// errored, so a caller that owns a FlushableStream only via context (e.g. a
// step handler that already closed its own stream) can avoid a redundant
// auto-close.
func (fs *FlushableStream) Closed() bool {
	return fs.streamEnded.Load()
}

func (fs *FlushableStream) markEnded() {
	fs.streamEnded.Store(true)
	fs.resolveDone()
}

func (fs *FlushableStream) resolveDone() {
	if fs.doneResolved.CompareAndSwap(false, true) {
		fs.closeOnce.Do(func() { close(fs.doneCh) })
		fs.pollCancel()
	}
}

// pollLockRelease implements §4.5.1's lock-release detection: probe a short
// acquisition at a fixed cadence. Success with zero pending ops resolves
// done; the stream reporting itself already closed/errored lets the normal
// close/error path (already resolved by markEnded) take precedence.
func (fs *FlushableStream) pollLockRelease(ctx context.Context) {
	ticker := time.NewTicker(LockPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if fs.doneResolved.Load() {
				return
			}
			acquired, closed, err := fs.streamer.TryAcquire(ctx, fs.runID, fs.name)
			if err != nil {
				continue
			}
			if closed {
				// The normal close/error path already resolves Done; nothing
				// further to do here.
				continue
			}
			if !acquired {
				// Still locked by the producer; keep polling.
				continue
			}
			pending := atomic.LoadInt64(&fs.pendingOps)
			_ = fs.streamer.Release(ctx, fs.runID, fs.name)
			if pending == 0 {
				fs.resolveDone()
				return
			}
		}
	}
}
