package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runloop-dev/runloop/workflow/streamer"
	"github.com/runloop-dev/runloop/workflow/streamer/inmem"
)

func TestWriteReadClose(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()

	ch, err := s.ReadFromStream(ctx, "run-1", "out", 0)
	require.NoError(t, err)

	require.NoError(t, s.WriteToStream(ctx, "run-1", "out", []byte("a")))
	require.NoError(t, s.WriteToStream(ctx, "run-1", "out", []byte("b")))
	require.NoError(t, s.WriteToStream(ctx, "run-1", "out", []byte("c")))
	require.NoError(t, s.CloseStream(ctx, "run-1", "out"))

	var got []string
	for chunk := range ch {
		got = append(got, string(chunk.Data))
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestListStreamsByRunID(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	require.NoError(t, s.WriteToStream(ctx, "run-1", "out", []byte("a")))
	require.NoError(t, s.WriteToStream(ctx, "run-1", "logs", []byte("b")))

	infos, err := s.ListStreamsByRunID(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
}

func TestFlushableStreamDoneOnClose(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	fs := streamer.NewFlushableStream(s, "run-1", "out")

	require.NoError(t, fs.Write(ctx, []byte("chunk")))
	require.NoError(t, fs.Close(ctx))

	select {
	case <-fs.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to resolve after explicit close")
	}
}

func TestFlushableStreamDoneOnLockRelease(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	ok, closed, err := s.TryAcquire(ctx, "run-1", "out")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, closed)

	fs := streamer.NewFlushableStream(s, "run-1", "out")

	// Simulate the producer holding the lock briefly, then releasing it
	// without explicitly closing the stream.
	time.Sleep(2 * streamer.LockPollInterval)
	require.NoError(t, s.Release(ctx, "run-1", "out"))

	select {
	case <-fs.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected Done to resolve after lock release with no pending writes")
	}
}
