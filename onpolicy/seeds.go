package onpolicy

import (
	erand "golang.org/x/exp/rand"
)

// NewSeededRand returns the deterministic RNG used for everything the
// engine must be able to replay: worker seeds, teacher-forcing coin flips,
// and mini-batch shard shuffles.
func NewSeededRand(seed uint64) *erand.Rand {
	return erand.New(erand.NewSource(seed))
}

// WorkerSeeds draws n 31-bit worker seeds from the RNG. Called with a
// freshly seeded RNG this is a pure function of the seed, which is what
// makes the checkpoint-resume seed consistency check possible.
func WorkerSeeds(rng *erand.Rand, n int) []uint64 {
	seeds := make([]uint64, n)
	for i := range seeds {
		seeds[i] = uint64(rng.Uint32() >> 1)
	}
	return seeds
}

func seedsEqual(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
