// Package taxonomy provides the immutable taxonomic tree used to
// generalize and resolve classification evidence.
//
// The tree is built once from (id, parent, rank, name) tuples, validated,
// and is read-only afterwards, so concurrent readers need no
// synchronization. Depths are precomputed at load time to support
// iterative O(depth) lowest-common-ancestor queries regardless of how
// deep the input taxonomy is.
package taxonomy

import (
	"errors"
	"fmt"
	"iter"
)

// TaxID identifies a node in the taxonomy.
//
// Two values are reserved: TaxID(0) is the "unclassified" sentinel and
// never names a node; TaxID(1) is the root.
type TaxID uint32

const (
	// Unclassified is the sentinel for reads that could not be assigned.
	Unclassified TaxID = 0

	// RootID is the id of the taxonomy root.
	RootID TaxID = 1
)

var (
	// ErrNoRoot is returned when no node has parent == self.
	ErrNoRoot = errors.New("taxonomy: no root node")

	// ErrMultipleRoots is returned when more than one node has parent == self.
	ErrMultipleRoots = errors.New("taxonomy: multiple root nodes")

	// ErrBadRootID is returned when the root is some node other than RootID.
	ErrBadRootID = errors.New("taxonomy: root is not node 1")

	// ErrOrphanNode is returned when a node references a missing parent.
	ErrOrphanNode = errors.New("taxonomy: orphan node")

	// ErrCycle is returned when a parent chain never reaches the root.
	ErrCycle = errors.New("taxonomy: cycle detected")

	// ErrReservedID is returned when a node uses the reserved id 0.
	ErrReservedID = errors.New("taxonomy: node id 0 is reserved")

	// ErrUnknownTaxID is returned by queries for ids outside the tree.
	ErrUnknownTaxID = errors.New("taxonomy: unknown tax id")
)

// Node is a single taxonomic node.
type Node struct {
	ID     TaxID
	Parent TaxID
	Rank   string
	Name   string

	// Depth is the distance from the root (root depth = 0).
	// Computed during New; not part of the input tuples.
	Depth int
}

// NodeTuple is one line of taxonomy input as delivered by the external
// sidecar loader.
type NodeTuple struct {
	ID     TaxID
	Parent TaxID
	Rank   string
	Name   string
}

// Taxonomy is the static tree. It is safe for unbounded concurrent
// readers once constructed.
type Taxonomy struct {
	// nodes is indexed by TaxID; nodes[i].ID == 0 marks an absent id.
	nodes []Node
	count int
	root  TaxID
}

// New builds and validates a taxonomy from input tuples.
//
// Validation enforces exactly one root (parent == self, id RootID), no
// reserved ids, no dangling parent references and no cycles. Any violation is
// fatal: the returned error wraps one of the Err* sentinels and no
// partially built tree is returned.
func New(tuples []NodeTuple) (*Taxonomy, error) {
	if len(tuples) == 0 {
		return nil, ErrNoRoot
	}

	var maxID TaxID
	for _, tp := range tuples {
		if tp.ID > maxID {
			maxID = tp.ID
		}
	}

	t := &Taxonomy{
		nodes: make([]Node, maxID+1),
		count: 0,
		root:  Unclassified,
	}

	for _, tp := range tuples {
		if tp.ID == Unclassified {
			return nil, fmt.Errorf("%w (parent %d)", ErrReservedID, tp.Parent)
		}
		if t.nodes[tp.ID].ID != 0 {
			return nil, fmt.Errorf("taxonomy: duplicate node id %d", tp.ID)
		}
		t.nodes[tp.ID] = Node{
			ID:     tp.ID,
			Parent: tp.Parent,
			Rank:   tp.Rank,
			Name:   tp.Name,
			Depth:  -1,
		}
		t.count++

		if tp.Parent == tp.ID {
			if t.root != Unclassified {
				return nil, fmt.Errorf("%w: %d and %d", ErrMultipleRoots, t.root, tp.ID)
			}
			t.root = tp.ID
		}
	}

	if t.root == Unclassified {
		return nil, ErrNoRoot
	}
	if t.root != RootID {
		return nil, fmt.Errorf("%w: found root %d", ErrBadRootID, t.root)
	}

	// Parent presence check before depth resolution so orphans are
	// reported as such, not as cycles.
	for i := range t.nodes {
		n := &t.nodes[i]
		if n.ID == 0 {
			continue
		}
		if n.Parent == Unclassified || int(n.Parent) >= len(t.nodes) || t.nodes[n.Parent].ID == 0 {
			return nil, fmt.Errorf("%w: node %d references parent %d", ErrOrphanNode, n.ID, n.Parent)
		}
	}

	if err := t.resolveDepths(); err != nil {
		return nil, err
	}

	return t, nil
}

// resolveDepths assigns Depth to every node by walking parent chains
// iteratively. A chain longer than the node count cannot reach the
// root and indicates a cycle.
func (t *Taxonomy) resolveDepths() error {
	t.nodes[t.root].Depth = 0

	// Reused between nodes; holds the unresolved suffix of a chain.
	chain := make([]TaxID, 0, 64)

	for i := range t.nodes {
		n := &t.nodes[i]
		if n.ID == 0 || n.Depth >= 0 {
			continue
		}

		chain = chain[:0]
		cur := n.ID
		for t.nodes[cur].Depth < 0 {
			chain = append(chain, cur)
			if len(chain) > t.count {
				return fmt.Errorf("%w: via node %d", ErrCycle, n.ID)
			}
			cur = t.nodes[cur].Parent
		}

		depth := t.nodes[cur].Depth
		for j := len(chain) - 1; j >= 0; j-- {
			depth++
			t.nodes[chain[j]].Depth = depth
		}
	}

	return nil
}

// Len returns the number of nodes in the tree.
func (t *Taxonomy) Len() int { return t.count }

// MaxID returns the highest node id present.
func (t *Taxonomy) MaxID() TaxID { return TaxID(len(t.nodes) - 1) }

// Root returns the id of the root node.
func (t *Taxonomy) Root() TaxID { return t.root }

// Contains reports whether id names a node in the tree.
func (t *Taxonomy) Contains(id TaxID) bool {
	return id != Unclassified && int(id) < len(t.nodes) && t.nodes[id].ID != 0
}

// Node returns the node for id.
func (t *Taxonomy) Node(id TaxID) (Node, error) {
	if !t.Contains(id) {
		return Node{}, fmt.Errorf("%w: %d", ErrUnknownTaxID, id)
	}
	return t.nodes[id], nil
}

// Parent returns the parent of id. The root is its own parent.
func (t *Taxonomy) Parent(id TaxID) (TaxID, error) {
	if !t.Contains(id) {
		return Unclassified, fmt.Errorf("%w: %d", ErrUnknownTaxID, id)
	}
	return t.nodes[id].Parent, nil
}

// Depth returns the precomputed depth of id (root depth = 0).
func (t *Taxonomy) Depth(id TaxID) (int, error) {
	if !t.Contains(id) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownTaxID, id)
	}
	return t.nodes[id].Depth, nil
}

// Nodes yields all nodes in ascending id order.
func (t *Taxonomy) Nodes() iter.Seq[Node] {
	return func(yield func(Node) bool) {
		for i := range t.nodes {
			if t.nodes[i].ID == 0 {
				continue
			}
			if !yield(t.nodes[i]) {
				return
			}
		}
	}
}

// IsAncestor reports whether anc lies on the parent chain of id
// (every node is an ancestor of itself).
func (t *Taxonomy) IsAncestor(anc, id TaxID) bool {
	if !t.Contains(anc) || !t.Contains(id) {
		return false
	}
	for t.nodes[id].Depth > t.nodes[anc].Depth {
		id = t.nodes[id].Parent
	}
	return id == anc
}

// LCA returns the lowest common ancestor of a and b.
//
// The unclassified sentinel acts as the identity: LCA(0, x) == x. This
// matches the merge rule of the compact hash table, where an empty
// value must not pull evidence toward the root. For valid nodes the
// result is independent of argument order and LCA(x, root) == root.
func (t *Taxonomy) LCA(a, b TaxID) TaxID {
	if a == Unclassified || !t.Contains(a) {
		return b
	}
	if b == Unclassified || !t.Contains(b) {
		return a
	}

	// Level the deeper node, then walk both in lock-step.
	for t.nodes[a].Depth > t.nodes[b].Depth {
		a = t.nodes[a].Parent
	}
	for t.nodes[b].Depth > t.nodes[a].Depth {
		b = t.nodes[b].Parent
	}
	for a != b {
		a = t.nodes[a].Parent
		b = t.nodes[b].Parent
	}
	return a
}
