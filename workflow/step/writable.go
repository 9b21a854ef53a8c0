package step

import (
	"context"

	"github.com/runloop-dev/runloop/workflow/streamer"
)

type writableKey struct{}

// withWritable attaches fs to ctx so a step Handler can retrieve it via
// WritableFromContext without threading it through its own signature (§4.5).
func withWritable(ctx context.Context, fs *streamer.FlushableStream) context.Context {
	return context.WithValue(ctx, writableKey{}, fs)
}

// WritableFromContext returns the FlushableStream a GetWritable-provisioned
// step was dispatched with, if any. A step Handler that did not come from
// a GetWritable reach finds ok false.
func WritableFromContext(ctx context.Context) (*streamer.FlushableStream, bool) {
	fs, ok := ctx.Value(writableKey{}).(*streamer.FlushableStream)
	return fs, ok
}
