package inmem_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runloop-dev/runloop/workflow/queue"
	"github.com/runloop-dev/runloop/workflow/queue/inmem"
)

func TestSendAndDeliver(t *testing.T) {
	q := inmem.New()
	defer q.Close()

	var delivered int32
	_, err := q.CreateHandler("ticks", func(_ context.Context, payload []byte, meta queue.Meta) (queue.HandlerResult, error) {
		atomic.AddInt32(&delivered, 1)
		require.Equal(t, []byte("hello"), payload)
		return queue.HandlerResult{}, nil
	})
	require.NoError(t, err)

	_, err = q.Send(context.Background(), "ticks/run-1", []byte("hello"), queue.SendOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&delivered) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestIdempotencyKeyDeduplicates(t *testing.T) {
	q := inmem.New()
	defer q.Close()

	res1, err := q.Send(context.Background(), "ticks/run-1", []byte("a"), queue.SendOptions{IdempotencyKey: "k1"})
	require.NoError(t, err)
	res2, err := q.Send(context.Background(), "ticks/run-1", []byte("b"), queue.SendOptions{IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.Equal(t, res1.MessageID, res2.MessageID)
}

func TestHandlerErrorRedelivers(t *testing.T) {
	q := inmem.New()
	defer q.Close()

	var attempts int32
	_, err := q.CreateHandler("ticks", func(_ context.Context, _ []byte, meta queue.Meta) (queue.HandlerResult, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return queue.HandlerResult{}, context.DeadlineExceeded
		}
		return queue.HandlerResult{}, nil
	})
	require.NoError(t, err)

	_, err = q.Send(context.Background(), "ticks/run-1", []byte("x"), queue.SendOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) >= 3
	}, 2*time.Second, 5*time.Millisecond)
}
