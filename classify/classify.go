// Package classify implements per-read taxonomic assignment against a
// finalized compact hash table.
//
// Scoring only consumes per-taxon hit counts, so it is independent of
// the order fingerprints appear within a read, and the resolution walk
// breaks ties by smallest taxon id, so a fixed table and taxonomy
// always produce identical assignments regardless of thread count or
// batch partitioning.
package classify

import (
	"fmt"
	"sort"

	"github.com/hupe1980/taxgo/cht"
	"github.com/hupe1980/taxgo/taxonomy"
)

// Read is one input read: an identifier plus the ordered fingerprint
// sequence the external minimizer layer extracted from it.
type Read struct {
	ID           string
	Length       int
	Fingerprints []uint64
}

// Result is the classification record for a single read.
type Result struct {
	ReadID     string
	TaxID      taxonomy.TaxID
	Classified bool

	// Confidence is weight(assigned)/totalHits, 0 when unclassified.
	Confidence float64

	// ClassifiedMinimizers counts fingerprints that hit the table;
	// TotalMinimizers counts all fingerprints of the read.
	ClassifiedMinimizers uint32
	TotalMinimizers      uint32

	ReadLength int
}

// Options configure assignment policy.
type Options struct {
	// ConfidenceThreshold in [0,1] stops the resolution walk as soon as
	// no child subtree holds more than this fraction of the total hits.
	// 0 disables the early stop.
	ConfidenceThreshold float64

	// MinimumHitGroups leaves a read unclassified unless at least this
	// many distinct taxa received direct hits. 0 disables the gate.
	MinimumHitGroups int
}

// DefaultOptions are the options used for unset fields.
var DefaultOptions = Options{
	ConfidenceThreshold: 0.0,
	MinimumHitGroups:    0,
}

// Classifier scores reads against an immutable table and taxonomy.
// It keeps no per-read state and is safe for concurrent use.
type Classifier struct {
	table *cht.Table
	tax   *taxonomy.Taxonomy
	opts  Options
}

// New creates a classifier.
func New(table *cht.Table, tax *taxonomy.Taxonomy, optFns ...func(o *Options)) (*Classifier, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ConfidenceThreshold < 0 || opts.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("classify: confidence threshold %v out of range [0,1]", opts.ConfidenceThreshold)
	}
	if opts.MinimumHitGroups < 0 {
		return nil, fmt.Errorf("classify: minimum hit groups %d must not be negative", opts.MinimumHitGroups)
	}
	return &Classifier{table: table, tax: tax, opts: opts}, nil
}

// Classify assigns read to the most specific taxonomic node its
// fingerprint evidence supports.
func (c *Classifier) Classify(read Read) Result {
	res := Result{
		ReadID:          read.ID,
		TaxID:           taxonomy.Unclassified,
		TotalMinimizers: uint32(len(read.Fingerprints)),
		ReadLength:      read.Length,
	}

	if len(read.Fingerprints) == 0 {
		return res
	}

	sc := getScratch()
	defer putScratch(sc)

	// Direct hit counts per taxon. Only the counts matter from here
	// on; fingerprint order within the read is irrelevant.
	var totalHits uint32
	for _, fp := range read.Fingerprints {
		if taxon, ok := c.table.Lookup(fp); ok {
			sc.hits[taxon]++
			totalHits++
		}
	}
	res.ClassifiedMinimizers = totalHits

	if totalHits == 0 {
		return res
	}
	if c.opts.MinimumHitGroups > 0 && len(sc.hits) < c.opts.MinimumHitGroups {
		return res
	}

	assigned, weight := c.resolve(sc, totalHits)

	res.TaxID = assigned
	res.Classified = true
	res.Confidence = float64(weight) / float64(totalHits)
	return res
}

// resolve aggregates hit counts bottom-up along the sparse set of
// touched ancestor paths, then walks top-down from the root picking
// the heaviest child subtree until the confidence threshold or a leaf
// stops the descent.
func (c *Classifier) resolve(sc *scratch, totalHits uint32) (taxonomy.TaxID, uint32) {
	root := c.tax.Root()

	// weights[t] = direct hits of t plus all its hit descendants.
	// children holds the induced tree over touched nodes only; linked
	// marks nodes whose parent edge is already recorded so each edge
	// is added once.
	weights := sc.weights
	children := sc.children
	linked := sc.linked

	for taxon, count := range sc.hits {
		cur := taxon
		weights[cur] += count
		for cur != root {
			parent, err := c.tax.Parent(cur)
			if err != nil {
				// Taxon vanished from the taxonomy; treat its hits as
				// root-level evidence rather than failing the read.
				break
			}
			if !linked[cur] {
				children[parent] = append(children[parent], cur)
				linked[cur] = true
			}
			weights[parent] += count
			cur = parent
		}
	}

	required := c.opts.ConfidenceThreshold * float64(totalHits)

	assigned := root
	for {
		kids := children[assigned]
		if len(kids) == 0 {
			break
		}

		// Deterministic pick: maximal aggregated weight, then smallest
		// taxon id. Sorting keeps the choice independent of map order.
		sort.Slice(kids, func(i, j int) bool { return kids[i] < kids[j] })

		var best taxonomy.TaxID
		var bestWeight uint32
		for _, kid := range kids {
			if w := weights[kid]; w > bestWeight {
				best, bestWeight = kid, w
			}
		}

		// Children only enter the induced tree with nonzero weight, so
		// with a zero threshold this always descends to a leaf.
		if float64(bestWeight) <= required {
			break
		}

		assigned = best
	}

	return assigned, weights[assigned]
}
