// Package cht implements the compact hash table mapping 64-bit
// minimizer fingerprints to taxonomic identifiers.
//
// The table lives in two states. During build it is a sharded,
// concurrently writable structure: many workers call InsertOrMerge and
// conflicting evidence for the same fingerprint is generalized through
// the taxonomy's lowest common ancestor, a merge that is associative
// and commutative and therefore independent of insertion order.
// Finalize converts it into an immutable Table whose Lookup needs no
// synchronization at all.
//
// Memory stays compact by storing 32-bit cells: the upper bits hold a
// truncated slice of the fingerprint hash, the lower bits the taxon.
// A cell of zero marks an empty slot.
package cht

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/taxgo/internal/hash"
	"github.com/hupe1980/taxgo/taxonomy"
)

const (
	// DefaultMaxLoadFactor bounds occupancy during build.
	DefaultMaxLoadFactor = 0.7

	// cellBits is the fixed width of a stored slot.
	cellBits = 32

	// minKeyBits is the minimum compressed-key width. Below this the
	// false-hit rate of Lookup degrades beyond what classification can
	// absorb, so oversized taxonomies are rejected instead.
	minKeyBits = 4
)

var (
	// ErrCapacityExceeded is returned when the probe budget or the load
	// factor bound is exhausted. The table never grows mid-build; the
	// caller must re-estimate cardinality and rebuild larger.
	ErrCapacityExceeded = errors.New("cht: capacity exceeded")

	// ErrNotReserved is returned by InsertOrMerge before Reserve.
	ErrNotReserved = errors.New("cht: Reserve must be called before inserts")

	// ErrAlreadyReserved is returned by a second Reserve call.
	ErrAlreadyReserved = errors.New("cht: table already reserved")

	// ErrFinalized is returned by mutations after Finalize.
	ErrFinalized = errors.New("cht: table is finalized")

	// ErrInvalidTaxon is returned for taxa outside the taxonomy.
	ErrInvalidTaxon = errors.New("cht: taxon not in taxonomy")

	// ErrTaxonomyTooLarge is returned when taxon ids need so many cell
	// bits that fewer than minKeyBits remain for the compressed key.
	ErrTaxonomyTooLarge = errors.New("cht: taxonomy too large for 32-bit cells")
)

// Options configure a build table. All fields are fixed at New.
type Options struct {
	// MaxLoadFactor bounds occupied/capacity during build (default 0.7).
	MaxLoadFactor float64

	// Probing selects the probe scheme (default DoubleHashing).
	Probing Probing

	// ExactCounting retains a per-slot insertion counter for exact
	// duplicate diagnostics. Costs 4 bytes per slot; without it the
	// caller relies on the cardinality sketch alone.
	ExactCounting bool

	// NumShards is the number of slot-range lock shards (default
	// 8 x GOMAXPROCS, rounded up to a power of two).
	NumShards int
}

// DefaultOptions are the options used for unset fields.
var DefaultOptions = Options{
	MaxLoadFactor: DefaultMaxLoadFactor,
	Probing:       DoubleHashing,
	ExactCounting: false,
	NumShards:     0,
}

// Builder is the concurrently writable build-phase table.
type Builder struct {
	tax  *taxonomy.Taxonomy
	opts Options

	cells    []uint32
	counters []uint32 // nil unless ExactCounting

	capacity  uint64
	mask      uint64
	keyBits   uint8
	valueBits uint8
	valueMask uint32
	step      func(uint64) uint64

	shards     []sync.Mutex
	shardShift uint

	occupied    atomic.Uint64
	maxOccupied uint64

	reserved  bool
	finalized atomic.Bool
}

// New creates an unreserved build table bound to a taxonomy.
func New(tax *taxonomy.Taxonomy, optFns ...func(o *Options)) (*Builder, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxLoadFactor <= 0 || opts.MaxLoadFactor > 1 {
		return nil, fmt.Errorf("cht: max load factor %v out of range (0,1]", opts.MaxLoadFactor)
	}
	if !opts.Probing.valid() {
		return nil, fmt.Errorf("cht: unknown probing strategy %d", opts.Probing)
	}
	if opts.NumShards <= 0 {
		opts.NumShards = 8 * runtime.GOMAXPROCS(0)
	}

	valueBits := uint8(bits.Len32(uint32(tax.MaxID())))
	if cellBits-valueBits < minKeyBits {
		return nil, fmt.Errorf("%w: max tax id %d needs %d value bits", ErrTaxonomyTooLarge, tax.MaxID(), valueBits)
	}

	return &Builder{
		tax:       tax,
		opts:      opts,
		keyBits:   cellBits - valueBits,
		valueBits: valueBits,
		valueMask: (1 << valueBits) - 1,
		step:      opts.Probing.stepFunc(),
	}, nil
}

// Reserve sizes the backing array for the estimated number of distinct
// fingerprints. Capacity is the estimate divided by the load factor,
// rounded up to a power of two. Must be called exactly once, before
// any insert.
func (b *Builder) Reserve(estimatedKeys uint64) error {
	if b.reserved {
		return ErrAlreadyReserved
	}
	if estimatedKeys == 0 {
		estimatedKeys = 1
	}

	capacity := nextPow2(uint64(math.Ceil(float64(estimatedKeys) / b.opts.MaxLoadFactor)))

	b.cells = make([]uint32, capacity)
	if b.opts.ExactCounting {
		b.counters = make([]uint32, capacity)
	}
	b.capacity = capacity
	b.mask = capacity - 1
	b.maxOccupied = uint64(float64(capacity) * b.opts.MaxLoadFactor)
	if b.maxOccupied == 0 {
		b.maxOccupied = 1
	}

	numShards := nextPow2(uint64(b.opts.NumShards))
	if numShards > capacity {
		numShards = capacity
	}
	b.shards = make([]sync.Mutex, numShards)
	b.shardShift = uint(bits.TrailingZeros64(capacity) - bits.TrailingZeros64(numShards))

	b.reserved = true
	return nil
}

// Capacity returns the reserved slot count (0 before Reserve).
func (b *Builder) Capacity() uint64 { return b.capacity }

// Occupied returns the current number of non-empty slots.
func (b *Builder) Occupied() uint64 { return b.occupied.Load() }

// InsertOrMerge stores taxon under fingerprint, generalizing via LCA
// when the compressed key is already present. Safe for concurrent use:
// the read-modify-write on a slot is serialized by its shard lock.
//
// Returns ErrCapacityExceeded when the load factor bound would be
// violated or the probe sequence is exhausted; the build must then be
// restarted with a larger reservation.
func (b *Builder) InsertOrMerge(fingerprint uint64, taxon taxonomy.TaxID) error {
	if !b.reserved {
		return ErrNotReserved
	}
	if b.finalized.Load() {
		return ErrFinalized
	}
	if !b.tax.Contains(taxon) {
		return fmt.Errorf("%w: %d", ErrInvalidTaxon, taxon)
	}

	h := hash.Fmix64(fingerprint)
	ck := b.compressKey(h)
	idx := h & b.mask
	step := b.step(h)

	for i := uint64(0); i < b.capacity; i++ {
		shard := &b.shards[idx>>b.shardShift]
		shard.Lock()

		cell := b.cells[idx]
		switch {
		case cell == 0:
			// Claim the slot, honoring the load factor bound. The
			// counter is incremented first so concurrent claimants of
			// the last budgeted slot cannot both succeed.
			if b.occupied.Add(1) > b.maxOccupied {
				b.occupied.Add(^uint64(0))
				shard.Unlock()
				return ErrCapacityExceeded
			}
			b.cells[idx] = ck<<b.valueBits | uint32(taxon)
			if b.counters != nil {
				b.counters[idx]++
			}
			shard.Unlock()
			return nil

		case cell>>b.valueBits == ck:
			stored := taxonomy.TaxID(cell & b.valueMask)
			merged := b.tax.LCA(stored, taxon)
			b.cells[idx] = ck<<b.valueBits | uint32(merged)
			if b.counters != nil {
				b.counters[idx]++
			}
			shard.Unlock()
			return nil
		}

		shard.Unlock()
		idx = (idx + step) & b.mask
	}

	return ErrCapacityExceeded
}

// Finalize converts the build table into an immutable Table. The
// builder rejects further mutation afterwards; the Table's Lookup is
// safe for unbounded concurrent readers with no synchronization.
func (b *Builder) Finalize() (*Table, error) {
	if !b.reserved {
		return nil, ErrNotReserved
	}
	if !b.finalized.CompareAndSwap(false, true) {
		return nil, ErrFinalized
	}

	return &Table{
		cells:     b.cells,
		counters:  b.counters,
		capacity:  b.capacity,
		mask:      b.mask,
		keyBits:   b.keyBits,
		valueBits: b.valueBits,
		valueMask: b.valueMask,
		probing:   b.opts.Probing,
		step:      b.step,
		size:      b.occupied.Load(),
	}, nil
}

func (b *Builder) compressKey(h uint64) uint32 {
	return uint32(h >> (64 - uint(b.keyBits)))
}

func nextPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << uint(bits.Len64(v-1))
}
