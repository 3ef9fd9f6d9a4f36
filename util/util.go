// Package util provides helpers for generating synthetic fingerprint
// workloads in tests and benchmarks.
package util

import "math/rand"

// RNG struct encapsulates the random number generator and seed.
type RNG struct {
	rand *rand.Rand
	seed int64
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)), // nolint gosec
		seed: seed,
	}
}

// GenerateFingerprints generates num distinct random 64-bit
// fingerprints using the given RNG.
func (r *RNG) GenerateFingerprints(num int) []uint64 {
	seen := make(map[uint64]struct{}, num)
	fps := make([]uint64, 0, num)
	for len(fps) < num {
		fp := r.rand.Uint64()
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		fps = append(fps, fp)
	}

	return fps
}

// Uint64 returns a random 64-bit value.
func (r *RNG) Uint64() uint64 { return r.rand.Uint64() }

// Intn returns a random int in [0, n).
func (r *RNG) Intn(n int) int { return r.rand.Intn(n) }
