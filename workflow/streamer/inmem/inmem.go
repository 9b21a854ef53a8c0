// Package inmem implements workflow/streamer.Streamer in memory, intended
// for tests and local development.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/runloop-dev/runloop/workflow"
)

type streamState struct {
	mu       sync.Mutex
	chunks   []workflow.StreamChunk
	done     bool
	locked   bool
	waiters  []chan struct{}
}

func (s *streamState) notify() {
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil
}

// Streamer implements streamer.Streamer in memory with one streamState per
// (runID, name).
type Streamer struct {
	mu      sync.Mutex
	streams map[string]*streamState
}

// New returns a new in-memory Streamer.
func New() *Streamer {
	return &Streamer{streams: make(map[string]*streamState)}
}

func key(runID, name string) string { return runID + "/" + name }

func (s *Streamer) stateFor(runID, name string) *streamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(runID, name)
	st, ok := s.streams[k]
	if !ok {
		st = &streamState{}
		s.streams[k] = st
	}
	return st
}

func (s *Streamer) WriteToStream(_ context.Context, runID, name string, chunk []byte) error {
	st := s.stateFor(runID, name)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return fmt.Errorf("stream %s/%s is already done", runID, name)
	}
	st.chunks = append(st.chunks, workflow.StreamChunk{
		Index:     len(st.chunks),
		Data:      append([]byte(nil), chunk...),
		CreatedAt: time.Now().UTC(),
	})
	st.notify()
	return nil
}

func (s *Streamer) CloseStream(_ context.Context, runID, name string) error {
	st := s.stateFor(runID, name)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.done = true
	st.notify()
	return nil
}

func (s *Streamer) ErrorStream(_ context.Context, runID, name string, _ error) error {
	st := s.stateFor(runID, name)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.done = true
	st.notify()
	return nil
}

// ReadFromStream returns a channel fed from startIndex onward, closing once
// the stream's done flag is observed with no further chunks pending.
func (s *Streamer) ReadFromStream(ctx context.Context, runID, name string, startIndex int) (<-chan workflow.StreamChunk, error) {
	st := s.stateFor(runID, name)
	out := make(chan workflow.StreamChunk)
	go func() {
		defer close(out)
		next := startIndex
		for {
			st.mu.Lock()
			for next < len(st.chunks) {
				chunk := st.chunks[next]
				st.mu.Unlock()
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				next++
				st.mu.Lock()
			}
			if st.done {
				st.mu.Unlock()
				return
			}
			wait := make(chan struct{})
			st.waiters = append(st.waiters, wait)
			st.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Streamer) ListStreamsByRunID(_ context.Context, runID string) ([]workflow.StreamInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []workflow.StreamInfo
	prefix := runID + "/"
	for k, st := range s.streams {
		if !hasPrefix(k, prefix) {
			continue
		}
		st.mu.Lock()
		out = append(out, workflow.StreamInfo{
			RunID:      runID,
			StreamName: k[len(prefix):],
			Done:       st.done,
			ChunkCount: len(st.chunks),
		})
		st.mu.Unlock()
	}
	return out, nil
}

// TryAcquire implements the short reader/writer acquisition probe
// FlushableStream polls with. A stream that is done reports closed=true;
// otherwise ok reports whether the lock was free.
func (s *Streamer) TryAcquire(_ context.Context, runID, name string) (ok bool, closed bool, err error) {
	st := s.stateFor(runID, name)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return false, true, nil
	}
	if st.locked {
		return false, false, nil
	}
	st.locked = true
	return true, false, nil
}

func (s *Streamer) Release(_ context.Context, runID, name string) error {
	st := s.stateFor(runID, name)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.locked = false
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
