package cht

import (
	"fmt"

	"github.com/hupe1980/taxgo/internal/hash"
	"github.com/hupe1980/taxgo/taxonomy"
)

// Table is the finalized, immutable fingerprint->taxon map. All
// methods are safe for unbounded concurrent readers.
type Table struct {
	cells    []uint32
	counters []uint32

	capacity  uint64
	mask      uint64
	keyBits   uint8
	valueBits uint8
	valueMask uint32
	probing   Probing
	step      func(uint64) uint64
	size      uint64
}

// NewTable reconstructs a finalized table from its raw cells, as read
// back from a database file. len(cells) must be a power of two.
func NewTable(cells []uint32, keyBits uint8, probing Probing, size uint64) (*Table, error) {
	capacity := uint64(len(cells))
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("cht: capacity %d is not a power of two", capacity)
	}
	if keyBits < minKeyBits || keyBits >= cellBits {
		return nil, fmt.Errorf("cht: key bits %d out of range [%d,%d]", keyBits, minKeyBits, cellBits-1)
	}
	if !probing.valid() {
		return nil, fmt.Errorf("cht: unknown probing strategy %d", probing)
	}
	if size > capacity {
		return nil, fmt.Errorf("cht: size %d exceeds capacity %d", size, capacity)
	}

	valueBits := cellBits - keyBits
	return &Table{
		cells:     cells,
		capacity:  capacity,
		mask:      capacity - 1,
		keyBits:   keyBits,
		valueBits: valueBits,
		valueMask: (1 << valueBits) - 1,
		probing:   probing,
		step:      probing.stepFunc(),
		size:      size,
	}, nil
}

// Lookup returns the taxon stored for fingerprint. The probe sequence
// matches the one used by InsertOrMerge, so an empty slot reached
// before a key match is a definitive miss: inserts never skip over a
// reachable empty slot.
func (t *Table) Lookup(fingerprint uint64) (taxonomy.TaxID, bool) {
	h := hash.Fmix64(fingerprint)
	ck := uint32(h >> (64 - uint(t.keyBits)))
	idx := h & t.mask
	step := t.step(h)

	for i := uint64(0); i < t.capacity; i++ {
		cell := t.cells[idx]
		if cell == 0 {
			return taxonomy.Unclassified, false
		}
		if cell>>t.valueBits == ck {
			return taxonomy.TaxID(cell & t.valueMask), true
		}
		idx = (idx + step) & t.mask
	}

	return taxonomy.Unclassified, false
}

// Capacity returns the slot count.
func (t *Table) Capacity() uint64 { return t.capacity }

// Size returns the number of occupied slots (distinct stored keys).
func (t *Table) Size() uint64 { return t.size }

// LoadFactor returns occupied slots / capacity.
func (t *Table) LoadFactor() float64 {
	return float64(t.size) / float64(t.capacity)
}

// KeyBits returns the compressed-key width in bits.
func (t *Table) KeyBits() uint8 { return t.keyBits }

// ValueBits returns the taxon width in bits.
func (t *Table) ValueBits() uint8 { return t.valueBits }

// Probing returns the probe scheme the table was built with.
func (t *Table) Probing() Probing { return t.probing }

// Cells exposes the raw cell array for persistence. Callers must not
// mutate it.
func (t *Table) Cells() []uint32 { return t.cells }

// Counters exposes the per-slot insertion counters, or nil when the
// table was built without exact counting. Callers must not mutate it.
func (t *Table) Counters() []uint32 { return t.counters }

// RestoreCounters attaches counters read back from a database file.
func (t *Table) RestoreCounters(counters []uint32) error {
	if uint64(len(counters)) != t.capacity {
		return fmt.Errorf("cht: got %d counters for capacity %d", len(counters), t.capacity)
	}
	t.counters = counters
	return nil
}

// Stats summarizes table occupancy and, in exact-counting mode,
// insertion traffic.
type Stats struct {
	Capacity   uint64
	Size       uint64
	LoadFactor float64
	KeyBits    uint8
	ValueBits  uint8
	Probing    Probing

	// ExactCounting reports whether the counters below are available.
	ExactCounting bool

	// TotalInsertions is the number of InsertOrMerge calls absorbed,
	// including LCA merges on existing keys.
	TotalInsertions uint64

	// DuplicateInsertions is TotalInsertions minus distinct keys.
	DuplicateInsertions uint64
}

// Stats returns occupancy statistics.
func (t *Table) Stats() Stats {
	s := Stats{
		Capacity:   t.capacity,
		Size:       t.size,
		LoadFactor: t.LoadFactor(),
		KeyBits:    t.keyBits,
		ValueBits:  t.valueBits,
		Probing:    t.probing,
	}
	if t.counters != nil {
		s.ExactCounting = true
		for _, c := range t.counters {
			s.TotalInsertions += uint64(c)
		}
		s.DuplicateInsertions = s.TotalInsertions - t.size
	}
	return s
}

// TaxonSlotCounts returns, per taxon, the number of occupied slots
// currently storing that taxon. Used for per-taxon unique-minimizer
// reporting in exact-counting mode; with sketch-only diagnostics the
// cardinality estimator covers this instead.
func (t *Table) TaxonSlotCounts() map[taxonomy.TaxID]uint64 {
	counts := make(map[taxonomy.TaxID]uint64)
	for _, cell := range t.cells {
		if cell == 0 {
			continue
		}
		counts[taxonomy.TaxID(cell&t.valueMask)]++
	}
	return counts
}
