package taxonomy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTuples() []NodeTuple {
	return []NodeTuple{
		{ID: 1, Parent: 1, Rank: "no rank", Name: "root"},
		{ID: 2, Parent: 1, Rank: "superkingdom", Name: "Bacteria"},
		{ID: 3, Parent: 1, Rank: "superkingdom", Name: "Archaea"},
		{ID: 4, Parent: 2, Rank: "genus", Name: "G1"},
		{ID: 5, Parent: 2, Rank: "genus", Name: "G2"},
		{ID: 6, Parent: 4, Rank: "species", Name: "S1"},
		{ID: 7, Parent: 4, Rank: "species", Name: "S2"},
		{ID: 8, Parent: 5, Rank: "species", Name: "S3"},
		{ID: 9, Parent: 3, Rank: "species", Name: "A1"},
	}
}

func TestNew(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		tax, err := New(testTuples())
		require.NoError(t, err)

		assert.Equal(t, 9, tax.Len())
		assert.Equal(t, TaxID(1), tax.Root())
		assert.True(t, tax.Contains(6))
		assert.False(t, tax.Contains(42))
		assert.False(t, tax.Contains(Unclassified))
	})

	t.Run("Depths", func(t *testing.T) {
		tax, err := New(testTuples())
		require.NoError(t, err)

		for id, want := range map[TaxID]int{1: 0, 2: 1, 3: 1, 4: 2, 6: 3, 9: 2} {
			d, err := tax.Depth(id)
			require.NoError(t, err)
			assert.Equal(t, want, d, "depth of %d", id)
		}
	})

	t.Run("NoRoot", func(t *testing.T) {
		_, err := New([]NodeTuple{{ID: 2, Parent: 3}, {ID: 3, Parent: 2}})
		// Mutual parents form a cycle with no root.
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoRoot)
	})

	t.Run("MultipleRoots", func(t *testing.T) {
		_, err := New([]NodeTuple{{ID: 1, Parent: 1}, {ID: 2, Parent: 2}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMultipleRoots)
	})

	t.Run("BadRootID", func(t *testing.T) {
		// Structurally valid tree, but rooted at node 2 instead of 1.
		_, err := New([]NodeTuple{{ID: 2, Parent: 2}, {ID: 3, Parent: 2}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBadRootID)
	})

	t.Run("Orphan", func(t *testing.T) {
		_, err := New([]NodeTuple{{ID: 1, Parent: 1}, {ID: 2, Parent: 99}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrOrphanNode)
	})

	t.Run("Cycle", func(t *testing.T) {
		_, err := New([]NodeTuple{
			{ID: 1, Parent: 1},
			{ID: 2, Parent: 3},
			{ID: 3, Parent: 4},
			{ID: 4, Parent: 2},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCycle)
	})

	t.Run("ReservedID", func(t *testing.T) {
		_, err := New([]NodeTuple{{ID: 1, Parent: 1}, {ID: 0, Parent: 1}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrReservedID)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		_, err := New([]NodeTuple{{ID: 1, Parent: 1}, {ID: 2, Parent: 1}, {ID: 2, Parent: 1}})
		require.Error(t, err)
	})
}

func TestLCA(t *testing.T) {
	tax, err := New(testTuples())
	require.NoError(t, err)

	t.Run("Properties", func(t *testing.T) {
		ids := []TaxID{1, 2, 3, 4, 5, 6, 7, 8, 9}
		for _, a := range ids {
			assert.Equal(t, a, tax.LCA(a, a), "LCA(%d,%d)", a, a)
			assert.Equal(t, TaxID(1), tax.LCA(a, tax.Root()))
			for _, b := range ids {
				assert.Equal(t, tax.LCA(a, b), tax.LCA(b, a), "symmetry LCA(%d,%d)", a, b)
			}
		}
	})

	t.Run("Siblings", func(t *testing.T) {
		assert.Equal(t, TaxID(4), tax.LCA(6, 7))
		assert.Equal(t, TaxID(2), tax.LCA(6, 8))
		assert.Equal(t, TaxID(1), tax.LCA(6, 9))
	})

	t.Run("AncestorDescendant", func(t *testing.T) {
		assert.Equal(t, TaxID(2), tax.LCA(2, 6))
		assert.Equal(t, TaxID(4), tax.LCA(7, 4))
	})

	t.Run("UnclassifiedIdentity", func(t *testing.T) {
		assert.Equal(t, TaxID(6), tax.LCA(Unclassified, 6))
		assert.Equal(t, TaxID(6), tax.LCA(6, Unclassified))
		assert.Equal(t, Unclassified, tax.LCA(Unclassified, Unclassified))
	})
}

func TestIsAncestor(t *testing.T) {
	tax, err := New(testTuples())
	require.NoError(t, err)

	assert.True(t, tax.IsAncestor(1, 6))
	assert.True(t, tax.IsAncestor(4, 6))
	assert.True(t, tax.IsAncestor(6, 6))
	assert.False(t, tax.IsAncestor(6, 4))
	assert.False(t, tax.IsAncestor(5, 6))
	assert.False(t, tax.IsAncestor(0, 6))
}

func TestParse(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		tax, err := New(testTuples())
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, Write(&buf, tax))

		got, err := ParseTree(&buf)
		require.NoError(t, err)

		assert.Equal(t, tax.Len(), got.Len())
		for _, tp := range testTuples() {
			n, err := got.Node(tp.ID)
			require.NoError(t, err)
			assert.Equal(t, tp.Parent, n.Parent)
			assert.Equal(t, tp.Rank, n.Rank)
			assert.Equal(t, tp.Name, n.Name)
		}
	})

	t.Run("CommentsAndBlanks", func(t *testing.T) {
		in := "# taxonomy sidecar\n\n1\t1\tno rank\troot\n2\t1\tspecies\tX\n"
		tuples, err := Parse(strings.NewReader(in))
		require.NoError(t, err)
		assert.Len(t, tuples, 2)
	})

	t.Run("BadFieldCount", func(t *testing.T) {
		_, err := Parse(strings.NewReader("1\t1\tno rank\n"))
		require.Error(t, err)
	})

	t.Run("BadID", func(t *testing.T) {
		_, err := Parse(strings.NewReader("x\t1\tno rank\troot\n"))
		require.Error(t, err)
	})
}
