// Package redisqueue implements workflow/queue.Queue on goa.design/pulse
// streams: one Pulse stream per queue name, with a single consumer-group
// sink per stream giving at-least-once delivery and per-message
// acknowledgment. Pulse streams have no native delayed-visibility
// primitive, so a delayed Send (used by step retry scheduling and the
// wait-timer dispatch) is held in a Redis ZSET scored by its deliverAt
// timestamp and promoted into the stream by a background loop.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"

	"github.com/runloop-dev/runloop/workflow/queue"
)

// sinkName is the Pulse consumer-group name shared by every queue name this
// process subscribes to; a single logical worker pool consumes each stream.
const sinkName = "runloop"

// delayedKeyPrefix namespaces the ZSETs backing delayed sends, one per
// queue name.
const delayedKeyPrefix = "runloop:delayed:"

// PromoteInterval is how often the background loop scans for delayed
// messages whose deliverAt has arrived.
const PromoteInterval = 200 * time.Millisecond

// envelope is the record actually written to a Pulse stream entry. It
// carries createdAt alongside the caller's payload so checkTTL's
// message-age accounting survives the trip through Redis, where Pulse
// itself exposes only the entry's own ID.
type envelope struct {
	ID        string          `json:"id"`
	CreatedAt int64           `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
}

// Queue implements workflow/queue.Queue with goa.design/pulse streams over
// a caller-owned Redis connection.
type Queue struct {
	redis *redis.Client

	mu      sync.Mutex
	streams map[string]*streaming.Stream

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscription struct {
	cancel context.CancelFunc
	sink   *streaming.Sink
}

func (s *subscription) Close() error {
	s.cancel()
	s.sink.Close(context.Background())
	return nil
}

// New starts a redisqueue.Queue backed by client. Callers own client's
// lifecycle (mirroring Pulse's own client, whose Close is a no-op for the
// same reason); Close here only stops this Queue's background loops.
func New(client *redis.Client) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		redis:   client,
		streams: make(map[string]*streaming.Stream),
		ctx:     ctx,
		cancel:  cancel,
	}
	q.wg.Add(1)
	go q.promoteLoop()
	return q
}

// Close stops the delayed-message promotion loop and every active
// consumer started via CreateHandler.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}

func randomID() string {
	return uuid.New().String()
}

func (q *Queue) streamFor(queueName string) (*streaming.Stream, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.streams[queueName]; ok {
		return s, nil
	}
	s, err := streaming.NewStream(queueName, q.redis)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", queueName, err)
	}
	q.streams[queueName] = s
	return s, nil
}

// Send implements queue.Queue.
func (q *Queue) Send(ctx context.Context, queueName string, payload []byte, opts queue.SendOptions) (queue.SendResult, error) {
	id := randomID()
	if opts.IdempotencyKey != "" {
		key := "runloop:idem:" + queueName + ":" + opts.IdempotencyKey
		ok, err := q.redis.SetNX(ctx, key, id, 24*time.Hour).Result()
		if err != nil {
			return queue.SendResult{}, fmt.Errorf("check idempotency key: %w", err)
		}
		if !ok {
			existing, err := q.redis.Get(ctx, key).Result()
			if err != nil {
				return queue.SendResult{}, fmt.Errorf("load deduplicated message id: %w", err)
			}
			return queue.SendResult{MessageID: existing}, nil
		}
	}

	if opts.DelaySeconds > 0 {
		member, err := json.Marshal(envelope{ID: id, CreatedAt: time.Now().UnixMilli(), Payload: payload})
		if err != nil {
			return queue.SendResult{}, err
		}
		deliverAt := time.Now().Add(time.Duration(opts.DelaySeconds) * time.Second)
		if err := q.redis.ZAdd(ctx, delayedKeyPrefix+queueName, redis.Z{
			Score:  float64(deliverAt.UnixMilli()),
			Member: member,
		}).Err(); err != nil {
			return queue.SendResult{}, fmt.Errorf("schedule delayed message on %q: %w", queueName, err)
		}
		return queue.SendResult{MessageID: id}, nil
	}

	s, err := q.streamFor(queueName)
	if err != nil {
		return queue.SendResult{}, err
	}
	wire, err := json.Marshal(envelope{ID: id, CreatedAt: time.Now().UnixMilli(), Payload: payload})
	if err != nil {
		return queue.SendResult{}, err
	}
	if _, err := s.Add(ctx, "message", wire); err != nil {
		return queue.SendResult{}, fmt.Errorf("pulse add to %q: %w", queueName, err)
	}
	return queue.SendResult{MessageID: id}, nil
}

// CreateHandler implements queue.Queue. queueName is used as an exact
// stream name rather than a true prefix — every queue name this module
// sends to (workflow_tick, step_execute, wait_timer, the health-check probe
// queues) is already distinct, so prefix matching degenerates to equality.
func (q *Queue) CreateHandler(queueName string, handler queue.Handler) (queue.Subscription, error) {
	s, err := q.streamFor(queueName)
	if err != nil {
		return nil, err
	}
	sink, err := s.NewSink(q.ctx, sinkName)
	if err != nil {
		return nil, fmt.Errorf("create pulse sink for %q: %w", queueName, err)
	}

	loopCtx, cancel := context.WithCancel(q.ctx)
	q.wg.Add(1)
	go q.consume(loopCtx, sink, handler)
	return &subscription{cancel: cancel, sink: sink}, nil
}

// consume drains sink's event channel, decoding each entry's envelope and
// invoking handler. A handler error, or a HandlerResult asking for a
// visibility extension, leaves the entry unacknowledged — Pulse's own
// consumer-group claim timeout makes it eligible for redelivery, standing
// in for workflow/queue/inmem's explicit TimeoutSeconds-driven re-visibility
// (Pulse exposes no per-entry visibility-timeout override through this
// client surface).
func (q *Queue) consume(ctx context.Context, sink *streaming.Sink, handler queue.Handler) {
	defer q.wg.Done()
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				continue
			}
			meta := queue.Meta{
				MessageID: env.ID,
				CreatedAt: time.UnixMilli(env.CreatedAt),
			}
			result, err := handler(ctx, env.Payload, meta)
			if err != nil || result.TimeoutSeconds > 0 {
				continue
			}
			_ = sink.Ack(ctx, evt)
		}
	}
}

func (q *Queue) promoteLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.promoteOnce()
		}
	}
}

// promoteOnce moves every delayed message whose deliverAt has arrived from
// its ZSET into the corresponding Pulse stream.
func (q *Queue) promoteOnce() {
	var cursor uint64
	for {
		keys, next, err := q.redis.Scan(q.ctx, cursor, delayedKeyPrefix+"*", 100).Result()
		if err != nil {
			return
		}
		for _, key := range keys {
			q.promoteKey(key, strings.TrimPrefix(key, delayedKeyPrefix))
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

func (q *Queue) promoteKey(key, queueName string) {
	now := float64(time.Now().UnixMilli())
	members, err := q.redis.ZRangeByScore(q.ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	s, err := q.streamFor(queueName)
	if err != nil {
		return
	}
	for _, member := range members {
		var env envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			q.redis.ZRem(q.ctx, key, member)
			continue
		}
		wire, err := json.Marshal(envelope{ID: env.ID, CreatedAt: env.CreatedAt, Payload: env.Payload})
		if err == nil {
			_, _ = s.Add(q.ctx, "message", wire)
		}
		q.redis.ZRem(q.ctx, key, member)
	}
}
