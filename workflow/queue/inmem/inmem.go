// Package inmem implements workflow/queue.Queue in memory. It is intended
// for tests and local development: a single process's goroutines stand in
// for a broker, visibility timeouts are enforced by polling, and
// idempotency keys are deduplicated with an in-memory set.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runloop-dev/runloop/workflow/queue"
)

type message struct {
	id            string
	queueName     string
	payload       []byte
	deliveryCount int
	createdAt     time.Time
	deliverAt     time.Time
	visibleUntil  time.Time
	inFlight      bool
}

type handlerReg struct {
	prefix  string
	handler queue.Handler
	closed  bool
}

// VisibilityTimeout is the duration a delivered message stays invisible to
// other consumers while its handler runs, absent an explicit extension
// request via HandlerResult.TimeoutSeconds.
const VisibilityTimeout = 30 * time.Second

// DispatchInterval is how often the dispatch loop scans for deliverable
// messages. A real broker would push; this reference adapter polls.
const DispatchInterval = 10 * time.Millisecond

// Queue implements queue.Queue with an in-process goroutine standing in for
// broker dispatch.
type Queue struct {
	mu       sync.Mutex
	messages map[string]*message
	seen     map[string]string // idempotencyKey -> messageID
	handlers []*handlerReg

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// subscription lets CreateHandler callers stop dispatch to their handler.
type subscription struct {
	reg *handlerReg
	q   *Queue
}

func (s *subscription) Close() error {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	s.reg.closed = true
	return nil
}

// New starts an in-memory queue. Callers must call Close to stop its
// dispatch loop.
func New() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		messages: make(map[string]*message),
		seen:     make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
	q.wg.Add(1)
	go q.dispatchLoop()
	return q
}

// Close stops the dispatch loop and releases resources.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}

func randomID() string {
	return uuid.New().String()
}

// Send implements queue.Queue.
func (q *Queue) Send(_ context.Context, queueName string, payload []byte, opts queue.SendOptions) (queue.SendResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.IdempotencyKey != "" {
		if existing, ok := q.seen[opts.IdempotencyKey]; ok {
			return queue.SendResult{MessageID: existing}, nil
		}
	}

	id := randomID()
	now := time.Now()
	deliverAt := now.Add(time.Duration(opts.DelaySeconds) * time.Second)
	msg := &message{
		id:           id,
		queueName:    queueName,
		payload:      append([]byte(nil), payload...),
		createdAt:    now,
		deliverAt:    deliverAt,
		visibleUntil: deliverAt,
	}
	q.messages[destinationKey(queueName, id)] = msg
	if opts.IdempotencyKey != "" {
		q.seen[opts.IdempotencyKey] = id
	}
	return queue.SendResult{MessageID: id}, nil
}

// CreateHandler implements queue.Queue.
func (q *Queue) CreateHandler(prefix string, handler queue.Handler) (queue.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	reg := &handlerReg{prefix: prefix, handler: handler}
	q.handlers = append(q.handlers, reg)
	return &subscription{reg: reg, q: q}, nil
}

func destinationKey(queueName, id string) string {
	return queueName + "/" + id
}

func (q *Queue) dispatchLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.dispatchOnce()
		}
	}
}

type readyDelivery struct {
	key string
	msg *message
	reg *handlerReg
}

func (q *Queue) dispatchOnce() {
	now := time.Now()
	var ready []readyDelivery

	q.mu.Lock()
	for key, msg := range q.messages {
		if now.Before(msg.deliverAt) || now.Before(msg.visibleUntil) {
			continue
		}
		reg, ok := q.matchHandler(msg.queueName)
		if !ok {
			continue
		}
		msg.inFlight = true
		msg.visibleUntil = now.Add(VisibilityTimeout)
		msg.deliveryCount++
		ready = append(ready, readyDelivery{key: key, msg: msg, reg: reg})
	}
	q.mu.Unlock()

	for _, r := range ready {
		go q.deliver(r.key, r.msg, r.reg)
	}
}

func (q *Queue) matchHandler(queueName string) (*handlerReg, bool) {
	for _, reg := range q.handlers {
		if reg.closed {
			continue
		}
		if hasPrefix(queueName, reg.prefix) {
			return reg, true
		}
	}
	return nil, false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (q *Queue) deliver(key string, msg *message, reg *handlerReg) {
	meta := queue.Meta{
		MessageID:     msg.id,
		DeliveryCount: msg.deliveryCount,
		CreatedAt:     msg.createdAt,
	}
	result, err := reg.handler(q.ctx, msg.payload, meta)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		// NACK: make visible again immediately for redelivery.
		msg.inFlight = false
		msg.visibleUntil = time.Now()
		return
	}
	if result.TimeoutSeconds > 0 {
		msg.inFlight = false
		msg.visibleUntil = time.Now().Add(time.Duration(result.TimeoutSeconds) * time.Second)
		return
	}
	// Acknowledge: remove from the queue.
	delete(q.messages, key)
}
