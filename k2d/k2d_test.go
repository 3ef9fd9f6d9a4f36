package k2d

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taxgo/cht"
	"github.com/hupe1980/taxgo/sketch"
	"github.com/hupe1980/taxgo/taxonomy"
	"github.com/hupe1980/taxgo/util"
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

func buildTable(t *testing.T, tax *taxonomy.Taxonomy, n int, optFns ...func(o *cht.Options)) (*cht.Table, map[uint64]taxonomy.TaxID) {
	t.Helper()

	b, err := cht.New(tax, optFns...)
	require.NoError(t, err)
	require.NoError(t, b.Reserve(uint64(n)))

	rng := util.NewRNG(3)
	species := []taxonomy.TaxID{6, 7, 8, 9}
	inserted := make(map[uint64]taxonomy.TaxID, n)
	for _, fp := range rng.GenerateFingerprints(n) {
		tx := species[rng.Intn(len(species))]
		require.NoError(t, b.InsertOrMerge(fp, tx))
		inserted[fp] = tx
	}

	tbl, err := b.Finalize()
	require.NoError(t, err)
	return tbl, inserted
}

func TestHeaderSize(t *testing.T) {
	assert.Equal(t, headerSize, binary.Size(FileHeader{}))
}

func verifyLookups(t *testing.T, tbl *cht.Table, inserted map[uint64]taxonomy.TaxID) {
	t.Helper()
	for fp := range inserted {
		_, ok := tbl.Lookup(fp)
		assert.True(t, ok, "fingerprint %#x lost", fp)
	}
}

func TestSaveLoad(t *testing.T) {
	tax := testTaxonomy(t)
	tbl, inserted := buildTable(t, tax, 500)

	sk := sketch.NewDefault()
	for fp := range inserted {
		sk.Add(fp)
	}

	path := filepath.Join(t.TempDir(), "test.k2d")
	require.NoError(t, Save(path, tbl, tax, func(o *SaveOptions) {
		o.K = 35
		o.MinimizerLen = 31
		o.Sketch = sk
	}))

	db, err := Load(path)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, uint8(35), db.Header.K)
	assert.Equal(t, uint8(31), db.Header.MinimizerLen)
	assert.Equal(t, tbl.Capacity(), db.Table.Capacity())
	assert.Equal(t, tbl.Size(), db.Table.Size())
	assert.Equal(t, tbl.KeyBits(), db.Table.KeyBits())
	assert.Equal(t, tbl.Probing(), db.Table.Probing())

	assert.Equal(t, tax.Len(), db.Taxonomy.Len())
	node, err := db.Taxonomy.Node(6)
	require.NoError(t, err)
	assert.Equal(t, "S1", node.Name)
	assert.Equal(t, "species", node.Rank)

	require.NotNil(t, db.Sketch)
	assert.Equal(t, sk.Estimate(), db.Sketch.Estimate())

	verifyLookups(t, db.Table, inserted)

	// Lookups must agree exactly with the in-memory table, including
	// merged taxa.
	for fp := range inserted {
		want, _ := tbl.Lookup(fp)
		got, ok := db.Table.Lookup(fp)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestSaveLoadExactCounters(t *testing.T) {
	tax := testTaxonomy(t)
	tbl, _ := buildTable(t, tax, 200, func(o *cht.Options) { o.ExactCounting = true })

	path := filepath.Join(t.TempDir(), "counters.k2d")
	require.NoError(t, Save(path, tbl, tax))

	db, err := Load(path)
	require.NoError(t, err)
	defer db.Close()

	want := tbl.Stats()
	got := db.Table.Stats()
	assert.True(t, got.ExactCounting)
	assert.Equal(t, want.TotalInsertions, got.TotalInsertions)
	assert.Equal(t, want.DuplicateInsertions, got.DuplicateInsertions)
}

func TestSaveLoadCompressed(t *testing.T) {
	tax := testTaxonomy(t)
	tbl, inserted := buildTable(t, tax, 1000)

	for _, comp := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(comp.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.k2d")
			require.NoError(t, Save(path, tbl, tax, func(o *SaveOptions) { o.Compression = comp }))

			db, err := Load(path)
			require.NoError(t, err)
			defer db.Close()

			assert.Equal(t, tbl.Size(), db.Table.Size())
			verifyLookups(t, db.Table, inserted)

			// Compressed files cannot be memory-mapped.
			_, err = Open(path)
			assert.ErrorIs(t, err, ErrCompressedMmap)
		})
	}
}

func TestOpen(t *testing.T) {
	tax := testTaxonomy(t)
	tbl, inserted := buildTable(t, tax, 800)

	sk := sketch.NewDefault()
	for fp := range inserted {
		sk.Add(fp)
	}

	path := filepath.Join(t.TempDir(), "test.k2d")
	require.NoError(t, Save(path, tbl, tax, func(o *SaveOptions) { o.Sketch = sk }))

	db, err := Open(path)
	require.NoError(t, err)

	assert.Equal(t, tbl.Size(), db.Table.Size())
	assert.Equal(t, tax.Len(), db.Taxonomy.Len())
	require.NotNil(t, db.Sketch)
	assert.Equal(t, sk.Estimate(), db.Sketch.Estimate())

	verifyLookups(t, db.Table, inserted)
	for fp := range inserted {
		want, _ := tbl.Lookup(fp)
		got, ok := db.Table.Lookup(fp)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	require.NoError(t, db.Close())
	assert.NoError(t, db.Close()) // idempotent
}

func TestLoadCorrupt(t *testing.T) {
	tax := testTaxonomy(t)
	tbl, _ := buildTable(t, tax, 100)

	save := func(t *testing.T) string {
		path := filepath.Join(t.TempDir(), "test.k2d")
		require.NoError(t, Save(path, tbl, tax))
		return path
	}

	t.Run("BadMagic", func(t *testing.T) {
		path := save(t)
		corruptAt(t, path, 0)

		_, err := Load(path)
		assert.ErrorIs(t, err, ErrInvalidMagic)
		assert.ErrorIs(t, err, ErrCorruptDatabase)

		_, err = Open(path)
		assert.ErrorIs(t, err, ErrInvalidMagic)
	})

	t.Run("BadVersion", func(t *testing.T) {
		path := save(t)
		corruptAt(t, path, 4)

		_, err := Load(path)
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("FlippedPayloadByte", func(t *testing.T) {
		path := save(t)
		corruptAt(t, path, headerSize+200)

		_, err := Load(path)
		assert.ErrorIs(t, err, ErrChecksumMismatch)

		_, err = Open(path)
		assert.ErrorIs(t, err, ErrChecksumMismatch)
	})

	t.Run("Truncated", func(t *testing.T) {
		path := save(t)
		fi, err := os.Stat(path)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(path, fi.Size()/2))

		_, err = Load(path)
		assert.ErrorIs(t, err, ErrCorruptDatabase)
	})

	t.Run("TruncatedHeader", func(t *testing.T) {
		path := save(t)
		require.NoError(t, os.Truncate(path, 10))

		_, err := Load(path)
		assert.ErrorIs(t, err, ErrTruncated)

		_, err = Open(path)
		assert.ErrorIs(t, err, ErrTruncated)
	})

	// A lying header must never drive an allocation or a slice bound.
	// The capacity and size fields sit at byte offsets 16 and 24.

	t.Run("HugeCapacity", func(t *testing.T) {
		path := save(t)
		patchHeaderUint64(t, path, 16, 1<<61)

		_, err := Load(path)
		assert.ErrorIs(t, err, ErrCorruptDatabase)

		_, err = Open(path)
		assert.ErrorIs(t, err, ErrCorruptDatabase)
	})

	t.Run("CapacityNotPowerOfTwo", func(t *testing.T) {
		path := save(t)
		patchHeaderUint64(t, path, 16, 100)

		_, err := Load(path)
		assert.ErrorIs(t, err, ErrCorruptDatabase)

		_, err = Open(path)
		assert.ErrorIs(t, err, ErrCorruptDatabase)
	})

	t.Run("CapacityBeyondFile", func(t *testing.T) {
		path := save(t)
		patchHeaderUint64(t, path, 16, 1<<20)

		_, err := Load(path)
		assert.ErrorIs(t, err, ErrTruncated)

		_, err = Open(path)
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("SizeExceedsCapacity", func(t *testing.T) {
		path := save(t)
		patchHeaderUint64(t, path, 24, 1<<32)

		_, err := Load(path)
		assert.ErrorIs(t, err, ErrCorruptDatabase)

		_, err = Open(path)
		assert.ErrorIs(t, err, ErrCorruptDatabase)
	})
}

func patchHeaderUint64(t *testing.T, path string, off int64, v uint64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
}

func corruptAt(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
}
