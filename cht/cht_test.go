package cht

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taxgo/taxonomy"
)

func testTaxonomy(t *testing.T) *taxonomy.Taxonomy {
	t.Helper()
	tax, err := taxonomy.New([]taxonomy.NodeTuple{
		{ID: 1, Parent: 1, Rank: "no rank", Name: "root"},
		{ID: 2, Parent: 1, Rank: "superkingdom", Name: "Bacteria"},
		{ID: 3, Parent: 1, Rank: "superkingdom", Name: "Archaea"},
		{ID: 4, Parent: 2, Rank: "genus", Name: "G1"},
		{ID: 5, Parent: 2, Rank: "genus", Name: "G2"},
		{ID: 6, Parent: 4, Rank: "species", Name: "S1"},
		{ID: 7, Parent: 4, Rank: "species", Name: "S2"},
		{ID: 8, Parent: 5, Rank: "species", Name: "S3"},
		{ID: 9, Parent: 3, Rank: "species", Name: "A1"},
	})
	require.NoError(t, err)
	return tax
}

func newReserved(t *testing.T, tax *taxonomy.Taxonomy, est uint64, optFns ...func(o *Options)) *Builder {
	t.Helper()
	b, err := New(tax, optFns...)
	require.NoError(t, err)
	require.NoError(t, b.Reserve(est))
	return b
}

func TestNew(t *testing.T) {
	tax := testTaxonomy(t)

	t.Run("Defaults", func(t *testing.T) {
		b, err := New(tax)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), b.Capacity())
	})

	t.Run("BadLoadFactor", func(t *testing.T) {
		_, err := New(tax, func(o *Options) { o.MaxLoadFactor = 1.5 })
		assert.Error(t, err)
		_, err = New(tax, func(o *Options) { o.MaxLoadFactor = 0 })
		assert.Error(t, err)
	})

	t.Run("BadProbing", func(t *testing.T) {
		_, err := New(tax, func(o *Options) { o.Probing = Probing(9) })
		assert.Error(t, err)
	})
}

func TestReserve(t *testing.T) {
	tax := testTaxonomy(t)

	t.Run("PowerOfTwoCapacity", func(t *testing.T) {
		b := newReserved(t, tax, 1000)
		cap := b.Capacity()
		assert.Zero(t, cap&(cap-1))
		assert.GreaterOrEqual(t, float64(cap)*DefaultMaxLoadFactor, 1000.0)
	})

	t.Run("Twice", func(t *testing.T) {
		b := newReserved(t, tax, 10)
		assert.ErrorIs(t, b.Reserve(10), ErrAlreadyReserved)
	})

	t.Run("InsertBeforeReserve", func(t *testing.T) {
		b, err := New(tax)
		require.NoError(t, err)
		assert.ErrorIs(t, b.InsertOrMerge(1, 6), ErrNotReserved)
	})
}

func TestInsertOrMerge(t *testing.T) {
	tax := testTaxonomy(t)

	t.Run("InsertLookup", func(t *testing.T) {
		b := newReserved(t, tax, 100)
		require.NoError(t, b.InsertOrMerge(0xdeadbeef, 6))

		tbl, err := b.Finalize()
		require.NoError(t, err)

		got, ok := tbl.Lookup(0xdeadbeef)
		require.True(t, ok)
		assert.Equal(t, taxonomy.TaxID(6), got)

		_, ok = tbl.Lookup(0xcafe)
		assert.False(t, ok)
	})

	t.Run("Idempotent", func(t *testing.T) {
		b := newReserved(t, tax, 100)
		require.NoError(t, b.InsertOrMerge(42, 6))
		require.NoError(t, b.InsertOrMerge(42, 6))

		tbl, err := b.Finalize()
		require.NoError(t, err)

		got, ok := tbl.Lookup(42)
		require.True(t, ok)
		assert.Equal(t, taxonomy.TaxID(6), got)
		assert.Equal(t, uint64(1), tbl.Size())
	})

	t.Run("SiblingMergeToLCA", func(t *testing.T) {
		b := newReserved(t, tax, 100)
		require.NoError(t, b.InsertOrMerge(42, 6))
		require.NoError(t, b.InsertOrMerge(42, 7))

		tbl, err := b.Finalize()
		require.NoError(t, err)

		got, ok := tbl.Lookup(42)
		require.True(t, ok)
		assert.Equal(t, taxonomy.TaxID(4), got)
	})

	t.Run("MergeNeverSpecializes", func(t *testing.T) {
		b := newReserved(t, tax, 100)
		require.NoError(t, b.InsertOrMerge(42, 2))
		require.NoError(t, b.InsertOrMerge(42, 6))

		tbl, err := b.Finalize()
		require.NoError(t, err)

		got, ok := tbl.Lookup(42)
		require.True(t, ok)
		assert.Equal(t, taxonomy.TaxID(2), got)
	})

	t.Run("OrderIndependence", func(t *testing.T) {
		taxa := []taxonomy.TaxID{6, 7, 8, 6, 9, 4}

		want := taxonomy.Unclassified
		for _, tx := range taxa {
			want = tax.LCA(want, tx)
		}

		rng := rand.New(rand.NewSource(1))
		for trial := 0; trial < 20; trial++ {
			perm := rng.Perm(len(taxa))

			b := newReserved(t, tax, 100)
			for _, i := range perm {
				require.NoError(t, b.InsertOrMerge(42, taxa[i]))
			}

			tbl, err := b.Finalize()
			require.NoError(t, err)

			got, ok := tbl.Lookup(42)
			require.True(t, ok)
			assert.Equal(t, want, got, "perm %v", perm)
		}
	})

	t.Run("InvalidTaxon", func(t *testing.T) {
		b := newReserved(t, tax, 100)
		assert.ErrorIs(t, b.InsertOrMerge(1, 99), ErrInvalidTaxon)
		assert.ErrorIs(t, b.InsertOrMerge(1, taxonomy.Unclassified), ErrInvalidTaxon)
	})

	t.Run("CapacityExceeded", func(t *testing.T) {
		b := newReserved(t, tax, 4)
		budget := b.maxOccupied

		var err error
		var inserted uint64
		for fp := uint64(0); ; fp++ {
			err = b.InsertOrMerge(fp, 6)
			if err != nil {
				break
			}
			inserted++
		}
		assert.ErrorIs(t, err, ErrCapacityExceeded)
		assert.Equal(t, budget, inserted)
	})
}

func TestLinearProbing(t *testing.T) {
	tax := testTaxonomy(t)
	b := newReserved(t, tax, 500, func(o *Options) { o.Probing = Linear })

	for fp := uint64(0); fp < 300; fp++ {
		require.NoError(t, b.InsertOrMerge(fp, taxonomy.TaxID(6+fp%3)))
	}

	tbl, err := b.Finalize()
	require.NoError(t, err)
	assert.Equal(t, Linear, tbl.Probing())

	for fp := uint64(0); fp < 300; fp++ {
		got, ok := tbl.Lookup(fp)
		require.True(t, ok, "fp %d", fp)
		assert.Equal(t, taxonomy.TaxID(6+fp%3), got)
	}
	for fp := uint64(10_000); fp < 10_100; fp++ {
		_, ok := tbl.Lookup(fp)
		assert.False(t, ok)
	}
}

func TestFinalize(t *testing.T) {
	tax := testTaxonomy(t)

	t.Run("RejectsFurtherInserts", func(t *testing.T) {
		b := newReserved(t, tax, 10)
		require.NoError(t, b.InsertOrMerge(1, 6))

		_, err := b.Finalize()
		require.NoError(t, err)

		assert.ErrorIs(t, b.InsertOrMerge(2, 6), ErrFinalized)
		_, err = b.Finalize()
		assert.ErrorIs(t, err, ErrFinalized)
	})

	t.Run("BeforeReserve", func(t *testing.T) {
		b, err := New(tax)
		require.NoError(t, err)
		_, err = b.Finalize()
		assert.ErrorIs(t, err, ErrNotReserved)
	})
}

func TestConcurrentBuild(t *testing.T) {
	tax := testTaxonomy(t)

	// The same multiset of (fingerprint, taxon) pairs must produce the
	// same finalized table regardless of goroutine interleaving.
	type pair struct {
		fp uint64
		tx taxonomy.TaxID
	}

	rng := rand.New(rand.NewSource(99))
	pairs := make([]pair, 0, 20_000)
	for i := 0; i < 5_000; i++ {
		fp := uint64(rng.Intn(2_000)) // heavy key collisions on purpose
		for _, tx := range []taxonomy.TaxID{6, 7, 8, 9} {
			if rng.Intn(2) == 0 {
				pairs = append(pairs, pair{fp: fp, tx: tx})
			}
		}
	}

	serial := newReserved(t, tax, 4_000)
	for _, p := range pairs {
		require.NoError(t, serial.InsertOrMerge(p.fp, p.tx))
	}
	want, err := serial.Finalize()
	require.NoError(t, err)

	for trial := 0; trial < 3; trial++ {
		b := newReserved(t, tax, 4_000)

		const workers = 8
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := w; i < len(pairs); i += workers {
					if err := b.InsertOrMerge(pairs[i].fp, pairs[i].tx); err != nil {
						t.Error(err)
						return
					}
				}
			}(w)
		}
		wg.Wait()

		got, err := b.Finalize()
		require.NoError(t, err)

		assert.Equal(t, want.Size(), got.Size())
		for fp := uint64(0); fp < 2_000; fp++ {
			wv, wok := want.Lookup(fp)
			gv, gok := got.Lookup(fp)
			require.Equal(t, wok, gok, "fp %d", fp)
			assert.Equal(t, wv, gv, "fp %d", fp)
		}
	}
}

func TestExactCounting(t *testing.T) {
	tax := testTaxonomy(t)
	b := newReserved(t, tax, 100, func(o *Options) { o.ExactCounting = true })

	require.NoError(t, b.InsertOrMerge(1, 6))
	require.NoError(t, b.InsertOrMerge(1, 7))
	require.NoError(t, b.InsertOrMerge(2, 8))

	tbl, err := b.Finalize()
	require.NoError(t, err)

	stats := tbl.Stats()
	assert.True(t, stats.ExactCounting)
	assert.Equal(t, uint64(2), stats.Size)
	assert.Equal(t, uint64(3), stats.TotalInsertions)
	assert.Equal(t, uint64(1), stats.DuplicateInsertions)
}

func TestTaxonSlotCounts(t *testing.T) {
	tax := testTaxonomy(t)
	b := newReserved(t, tax, 100)

	require.NoError(t, b.InsertOrMerge(1, 6))
	require.NoError(t, b.InsertOrMerge(2, 6))
	require.NoError(t, b.InsertOrMerge(3, 9))

	tbl, err := b.Finalize()
	require.NoError(t, err)

	counts := tbl.TaxonSlotCounts()
	assert.Equal(t, uint64(2), counts[6])
	assert.Equal(t, uint64(1), counts[9])
	assert.Len(t, counts, 2)
}

func TestNewTable(t *testing.T) {
	t.Run("RoundTripCells", func(t *testing.T) {
		tax := testTaxonomy(t)
		b := newReserved(t, tax, 100)
		for fp := uint64(0); fp < 50; fp++ {
			require.NoError(t, b.InsertOrMerge(fp, 6))
		}
		tbl, err := b.Finalize()
		require.NoError(t, err)

		reloaded, err := NewTable(tbl.Cells(), tbl.KeyBits(), tbl.Probing(), tbl.Size())
		require.NoError(t, err)

		for fp := uint64(0); fp < 50; fp++ {
			got, ok := reloaded.Lookup(fp)
			require.True(t, ok)
			assert.Equal(t, taxonomy.TaxID(6), got)
		}
	})

	t.Run("BadCapacity", func(t *testing.T) {
		_, err := NewTable(make([]uint32, 3), 28, DoubleHashing, 0)
		assert.Error(t, err)
	})

	t.Run("BadKeyBits", func(t *testing.T) {
		_, err := NewTable(make([]uint32, 4), 2, DoubleHashing, 0)
		assert.Error(t, err)
		_, err = NewTable(make([]uint32, 4), 32, DoubleHashing, 0)
		assert.Error(t, err)
	})

	t.Run("SizeExceedsCapacity", func(t *testing.T) {
		_, err := NewTable(make([]uint32, 4), 28, DoubleHashing, 5)
		assert.Error(t, err)
	})
}
