package cht

import "fmt"

// Probing selects the open-addressing probe scheme. It is fixed when
// the table is reserved; the probe step function is bound once so the
// scan loop carries no per-probe strategy branch.
type Probing uint8

const (
	// DoubleHashing derives the probe step from a second slice of the
	// fingerprint hash. Reduces clustering at high load factors.
	DoubleHashing Probing = iota

	// Linear probes consecutive slots. Cache-friendly, more clustering.
	Linear
)

func (p Probing) String() string {
	switch p {
	case DoubleHashing:
		return "double_hashing"
	case Linear:
		return "linear"
	default:
		return fmt.Sprintf("probing(%d)", uint8(p))
	}
}

func (p Probing) valid() bool {
	return p == DoubleHashing || p == Linear
}

// stepFunc returns the probe increment for a hashed fingerprint.
// Capacity is a power of two, so any odd step visits every slot
// before repeating; linear probing trivially does the same.
func (p Probing) stepFunc() func(h uint64) uint64 {
	if p == Linear {
		return func(uint64) uint64 { return 1 }
	}
	return func(h uint64) uint64 { return (h >> 17) | 1 }
}
