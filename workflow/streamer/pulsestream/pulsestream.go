// Package pulsestream implements workflow/streamer.Streamer on
// goa.design/pulse streams: each (runID, name) stream is a Pulse stream of
// index-tagged chunk entries, with the done flag, error message, write
// lock, chunk-index counter, and stream registry kept as ordinary Redis
// keys alongside it (Pulse itself exposes no done/lock primitive, so those
// pieces of side-state are the only parts of this adapter that talk to
// Redis directly rather than through Pulse).
package pulsestream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"

	"github.com/runloop-dev/runloop/workflow"
	"github.com/runloop-dev/runloop/workflow/config"
)

// entry is the record written to the underlying Pulse stream for each
// chunk. Index is assigned at write time from a Redis counter, since a
// Pulse entry ID alone doesn't give callers the small sequential integer
// ReadFromStream's startIndex contract requires.
type entry struct {
	Index     int       `json:"index"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
}

// Streamer implements streamer.Streamer with one Pulse stream per
// (runID, name), backed by a caller-owned Redis client.
type Streamer struct {
	redis       *redis.Client
	pollInterval time.Duration
}

// New returns a Streamer. cfg supplies the done-poll cadence ReadFromStream
// uses while waiting on the done flag (§9 Design Notes' configurable poll
// cadence). streamer.FlushableStream, which calls TryAcquire, polls at its
// own fixed LockPollInterval and does not read cfg.
func New(client *redis.Client, cfg config.Config) *Streamer {
	interval := cfg.Stream.LockPollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Streamer{redis: client, pollInterval: interval}
}

func streamKey(runID, name string) string { return runID + "/" + name }
func idxKey(runID, name string) string    { return "runloop:stream:idx:" + streamKey(runID, name) }
func doneKey(runID, name string) string   { return "runloop:stream:done:" + streamKey(runID, name) }
func errKey(runID, name string) string    { return "runloop:stream:err:" + streamKey(runID, name) }
func lockKey(runID, name string) string   { return "runloop:stream:lock:" + streamKey(runID, name) }
func registryKey(runID string) string     { return "runloop:streams:" + runID }

func (s *Streamer) streamFor(ctx context.Context, runID, name string) (*streaming.Stream, error) {
	if err := s.redis.SAdd(ctx, registryKey(runID), name).Err(); err != nil {
		return nil, fmt.Errorf("register stream %s/%s: %w", runID, name, err)
	}
	st, err := streaming.NewStream(streamKey(runID, name), s.redis)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %s/%s: %w", runID, name, err)
	}
	return st, nil
}

// WriteToStream implements streamer.Streamer.
func (s *Streamer) WriteToStream(ctx context.Context, runID, name string, chunk []byte) error {
	done, err := s.redis.Exists(ctx, doneKey(runID, name)).Result()
	if err != nil {
		return fmt.Errorf("check done flag for %s/%s: %w", runID, name, err)
	}
	if done == 1 {
		return fmt.Errorf("stream %s/%s is already done", runID, name)
	}

	idx, err := s.redis.Incr(ctx, idxKey(runID, name)).Result()
	if err != nil {
		return fmt.Errorf("allocate chunk index for %s/%s: %w", runID, name, err)
	}

	st, err := s.streamFor(ctx, runID, name)
	if err != nil {
		return err
	}
	wire, err := json.Marshal(entry{Index: int(idx) - 1, Data: chunk, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if _, err := st.Add(ctx, "chunk", wire); err != nil {
		return fmt.Errorf("append chunk to %s/%s: %w", runID, name, err)
	}
	return nil
}

// CloseStream implements streamer.Streamer.
func (s *Streamer) CloseStream(ctx context.Context, runID, name string) error {
	return s.redis.Set(ctx, doneKey(runID, name), "1", 0).Err()
}

// ErrorStream implements streamer.Streamer.
func (s *Streamer) ErrorStream(ctx context.Context, runID, name string, streamErr error) error {
	if streamErr != nil {
		if err := s.redis.Set(ctx, errKey(runID, name), streamErr.Error(), 0).Err(); err != nil {
			return err
		}
	}
	return s.redis.Set(ctx, doneKey(runID, name), "1", 0).Err()
}

// ReadFromStream implements streamer.Streamer, consuming a dedicated Pulse
// consumer-group sink per call (mirroring the one-sink-per-subscriber
// pattern the reference sink/subscriber pair uses) so independent readers
// each see every chunk from their own startIndex.
func (s *Streamer) ReadFromStream(ctx context.Context, runID, name string, startIndex int) (<-chan workflow.StreamChunk, error) {
	st, err := s.streamFor(ctx, runID, name)
	if err != nil {
		return nil, err
	}
	sink, err := st.NewSink(ctx, fmt.Sprintf("reader-%d", time.Now().UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("open reader sink for %s/%s: %w", runID, name, err)
	}

	out := make(chan workflow.StreamChunk)
	go func() {
		defer close(out)
		defer sink.Close(context.Background())

		ch := sink.Subscribe()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				var e entry
				if err := json.Unmarshal(evt.Payload, &e); err != nil {
					_ = sink.Ack(ctx, evt)
					continue
				}
				if e.Index >= startIndex {
					select {
					case out <- workflow.StreamChunk{Index: e.Index, Data: e.Data, CreatedAt: e.CreatedAt}:
					case <-ctx.Done():
						_ = sink.Ack(ctx, evt)
						return
					}
				}
				_ = sink.Ack(ctx, evt)
			case <-ticker.C:
				done, err := s.redis.Exists(ctx, doneKey(runID, name)).Result()
				if err == nil && done == 1 {
					select {
					case evt, ok := <-ch:
						if ok {
							var e entry
							if json.Unmarshal(evt.Payload, &e) == nil && e.Index >= startIndex {
								out <- workflow.StreamChunk{Index: e.Index, Data: e.Data, CreatedAt: e.CreatedAt}
							}
							_ = sink.Ack(ctx, evt)
							continue
						}
					default:
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// ListStreamsByRunID implements streamer.Streamer.
func (s *Streamer) ListStreamsByRunID(ctx context.Context, runID string) ([]workflow.StreamInfo, error) {
	names, err := s.redis.SMembers(ctx, registryKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list streams for run %q: %w", runID, err)
	}
	out := make([]workflow.StreamInfo, 0, len(names))
	for _, name := range names {
		count, err := s.redis.Get(ctx, idxKey(runID, name)).Int()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("read chunk count for %s/%s: %w", runID, name, err)
		}
		done, err := s.redis.Exists(ctx, doneKey(runID, name)).Result()
		if err != nil {
			return nil, fmt.Errorf("read done flag for %s/%s: %w", runID, name, err)
		}
		out = append(out, workflow.StreamInfo{
			RunID:      runID,
			StreamName: name,
			Done:       done == 1,
			ChunkCount: count,
		})
	}
	return out, nil
}

// TryAcquire implements streamer.Streamer's short exclusive-lock probe
// using SET NX with a TTL, so a crashed holder's lock still expires.
func (s *Streamer) TryAcquire(ctx context.Context, runID, name string) (ok bool, closed bool, err error) {
	done, err := s.redis.Exists(ctx, doneKey(runID, name)).Result()
	if err != nil {
		return false, false, err
	}
	if done == 1 {
		return false, true, nil
	}
	acquired, err := s.redis.SetNX(ctx, lockKey(runID, name), "1", 5*time.Second).Result()
	if err != nil {
		return false, false, err
	}
	return acquired, false, nil
}

// Release implements streamer.Streamer.
func (s *Streamer) Release(ctx context.Context, runID, name string) error {
	return s.redis.Del(ctx, lockKey(runID, name)).Err()
}
