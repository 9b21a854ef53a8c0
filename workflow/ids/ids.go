// Package ids provides the deterministic identifier factory workflows run
// against during replay. Correlation IDs (and so step and hook IDs) are
// ULIDs, as are run IDs allocated by workflow/storage/inmem. Event IDs are
// not ULIDs: storage adapters assign them as zero-padded per-run sequence
// numbers, which still sort in append order within a run; the mongo adapter
// also allocates run IDs as ObjectID hex strings rather than ULIDs.
package ids

import (
	"crypto/rand"
	"io"
	mrand "math/rand/v2"
	"time"

	"github.com/oklog/ulid/v2"
)

type (
	// ULID is an opaque, lexically sortable identifier. It is a type alias
	// over string so storage adapters can treat it as an opaque column
	// while the core can still derive monotonic ordering by comparison.
	ULID = string

	// Factory generates ULIDs. Two kinds exist: a Monotonic factory seeded
	// from a run's own identity, used inside the deterministic replay
	// context so the same (workflow body, input, log prefix) always
	// produces the same sequence of correlation IDs (spec invariant:
	// replay determinism); and a non-deterministic factory, for code
	// that mints identifiers outside of replay. Hook tokens do not come
	// from either: the orchestrator generates them as crypto/rand hex.
	Factory struct {
		entropy io.Reader
		clock   func() time.Time
	}
)

// NewMonotonic returns a Factory whose output is a deterministic function of
// seed and base. Two factories constructed with the same seed and base
// produce the identical sequence of ULIDs when called the same number of
// times. Workflow replay contexts must use this constructor exclusively —
// never NewRandom — or replay divergence will corrupt the event log.
func NewMonotonic(seed string, base time.Time) *Factory {
	source := mrand.NewPCG(seedHash(seed), seedHash(seed+"/2"))
	entropy := &pcgReader{src: mrand.New(source)}
	return &Factory{
		entropy: ulid.Monotonic(entropy, 0),
		clock:   func() time.Time { return base },
	}
}

// NewRandom returns a Factory backed by crypto/rand and the wall clock. Use
// this only outside the deterministic replay context (handlers, CLI tools,
// token minting) — never inside a workflow body.
func NewRandom() *Factory {
	return &Factory{
		entropy: ulid.Monotonic(rand.Reader, 0),
		clock:   time.Now,
	}
}

// New mints the next ULID from the factory.
func (f *Factory) New() ULID {
	id := ulid.MustNew(ulid.Timestamp(f.clock()), f.entropy)
	return id.String()
}

func seedHash(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// pcgReader adapts math/rand/v2's PCG source to io.Reader so it can back
// ulid.Monotonic, which expects an io.Reader entropy source.
type pcgReader struct {
	src *mrand.Rand
}

func (p *pcgReader) Read(b []byte) (int, error) {
	for i := range b {
		b[i] = byte(p.src.IntN(256))
	}
	return len(b), nil
}
