package ids

import mrand "math/rand/v2"

// RNG is the deterministic random source exposed to workflow bodies inside
// the replay context. It must never be backed by crypto/rand or any
// wall-clock-seeded source — two replays of the same run must draw the
// identical sequence of values.
type RNG struct {
	r *mrand.Rand
}

// NewRNG returns an RNG seeded deterministically from seed. The same seed
// always produces the same sequence of draws.
func NewRNG(seed string) *RNG {
	return &RNG{r: mrand.New(mrand.NewPCG(seedHash(seed), seedHash(seed+"/rng")))}
}

// Float64 returns a deterministic pseudo-random value in [0, 1), analogous
// to the source runtime's Math.random().
func (g *RNG) Float64() float64 { return g.r.Float64() }

// IntN returns a deterministic pseudo-random integer in [0, n).
func (g *RNG) IntN(n int) int { return g.r.IntN(n) }
