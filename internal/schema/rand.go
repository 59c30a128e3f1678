package schema

import "math/rand/v2"

// Rand is the random source used for node and bucket selection.
// *rand.Rand satisfies it; pass a seeded one to make selection deterministic.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// DefaultRand is safe for concurrent use.
func DefaultRand() Rand { return globalRand{} }
