// Package sketch implements a HyperLogLog cardinality estimator.
//
// One sketch is held per build worker (and optionally per taxon for
// diversity reporting). Sketches are cheap, fixed-memory, and merge
// associatively and commutatively, so worker-local sketches can be
// reduced to a single global estimate at the end of a phase without
// any contention on the hot path.
//
// With the default precision of 12 (4096 registers, 4 KiB) the
// standard error is about 1.6%, comfortably inside the 2-3% bound the
// table-sizing heuristics assume.
package sketch

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/hupe1980/taxgo/internal/hash"
)

const (
	// MinPrecision and MaxPrecision bound the register-index width.
	MinPrecision = 4
	MaxPrecision = 18

	// DefaultPrecision gives 4096 registers (~1.6% standard error).
	DefaultPrecision = 12
)

// ErrPrecisionMismatch is returned when merging sketches of different
// precision.
var ErrPrecisionMismatch = errors.New("sketch: precision mismatch")

// Sketch is a HyperLogLog distinct-count estimator. It is not safe
// for concurrent use; the dispatcher keeps one per worker.
type Sketch struct {
	precision uint8
	registers []uint8
}

// New creates a sketch with the given precision (register count is
// 1<<precision).
func New(precision uint8) (*Sketch, error) {
	if precision < MinPrecision || precision > MaxPrecision {
		return nil, fmt.Errorf("sketch: precision %d out of range [%d,%d]", precision, MinPrecision, MaxPrecision)
	}
	return &Sketch{
		precision: precision,
		registers: make([]uint8, 1<<precision),
	}, nil
}

// NewDefault creates a sketch with DefaultPrecision.
func NewDefault() *Sketch {
	s, _ := New(DefaultPrecision)
	return s
}

// Restore rebuilds a sketch from registers previously obtained via
// Registers, as read back from a database file.
func Restore(precision uint8, registers []uint8) (*Sketch, error) {
	s, err := New(precision)
	if err != nil {
		return nil, err
	}
	if len(registers) != len(s.registers) {
		return nil, fmt.Errorf("sketch: got %d registers, precision %d needs %d", len(registers), precision, len(s.registers))
	}
	copy(s.registers, registers)
	return s, nil
}

// Precision returns the configured precision.
func (s *Sketch) Precision() uint8 { return s.precision }

// Registers exposes the raw register array for persistence. Callers
// must not mutate it.
func (s *Sketch) Registers() []uint8 { return s.registers }

// Add registers a fingerprint. Adding the same fingerprint any number
// of times leaves the sketch unchanged after the first.
func (s *Sketch) Add(fingerprint uint64) {
	h := hash.Fmix64(fingerprint)

	idx := h >> (64 - s.precision)
	rest := h<<s.precision | 1<<(s.precision-1) // guard bit bounds the rank
	rank := uint8(bits.LeadingZeros64(rest)) + 1

	if rank > s.registers[idx] {
		s.registers[idx] = rank
	}
}

// Merge folds other into s. Merging is associative and commutative:
// any reduction order over worker sketches yields identical registers.
func (s *Sketch) Merge(other *Sketch) error {
	if other == nil {
		return nil
	}
	if other.precision != s.precision {
		return fmt.Errorf("%w: %d vs %d", ErrPrecisionMismatch, s.precision, other.precision)
	}
	for i, r := range other.registers {
		if r > s.registers[i] {
			s.registers[i] = r
		}
	}
	return nil
}

// Estimate returns the approximate number of distinct fingerprints
// added so far.
func (s *Sketch) Estimate() float64 {
	m := float64(len(s.registers))

	var sum float64
	zeros := 0
	for _, r := range s.registers {
		sum += math.Ldexp(1, -int(r))
		if r == 0 {
			zeros++
		}
	}

	est := alpha(len(s.registers)) * m * m / sum

	// Linear counting handles the small-cardinality range where the
	// raw harmonic-mean estimator is biased.
	if est <= 2.5*m && zeros > 0 {
		return m * math.Log(m/float64(zeros))
	}
	return est
}

// Reset clears all registers.
func (s *Sketch) Reset() {
	for i := range s.registers {
		s.registers[i] = 0
	}
}

// Clone returns an independent copy of s.
func (s *Sketch) Clone() *Sketch {
	c := &Sketch{
		precision: s.precision,
		registers: make([]uint8, len(s.registers)),
	}
	copy(c.registers, s.registers)
	return c
}

func alpha(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	default:
		return 0.7213 / (1 + 1.079/float64(m))
	}
}
