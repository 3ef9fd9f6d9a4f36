// Package report aggregates classification results into per-taxon
// summaries with clade roll-ups, in the style of kreport output.
//
// Aggregation is streaming: results are folded in one at a time and
// per-worker aggregators can be merged, so report building never needs
// the full result set in memory.
package report

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/taxgo/classify"
	"github.com/hupe1980/taxgo/taxonomy"
)

// Aggregator folds classification results into per-taxon direct read
// counts. It is not safe for concurrent use; keep one per consumer and
// Merge afterwards.
type Aggregator struct {
	tax *taxonomy.Taxonomy

	direct       map[taxonomy.TaxID]uint64
	observed     *roaring.Bitmap
	unclassified uint64
	total        uint64
}

// NewAggregator creates an empty aggregator over tax.
func NewAggregator(tax *taxonomy.Taxonomy) *Aggregator {
	return &Aggregator{
		tax:      tax,
		direct:   make(map[taxonomy.TaxID]uint64),
		observed: roaring.New(),
	}
}

// Add folds one result into the aggregate.
func (a *Aggregator) Add(res classify.Result) {
	a.total++
	if !res.Classified {
		a.unclassified++
		return
	}
	a.direct[res.TaxID]++
	a.observed.Add(uint32(res.TaxID))
}

// Merge folds other into a. Both must aggregate over the same
// taxonomy.
func (a *Aggregator) Merge(other *Aggregator) {
	if other == nil {
		return
	}
	for taxon, n := range other.direct {
		a.direct[taxon] += n
	}
	a.observed.Or(other.observed)
	a.unclassified += other.unclassified
	a.total += other.total
}

// Total returns the number of results folded in so far.
func (a *Aggregator) Total() uint64 { return a.total }

// Unclassified returns the number of unclassified results.
func (a *Aggregator) Unclassified() uint64 { return a.unclassified }

// Observed returns the set of taxa that received at least one direct
// assignment. Callers must not mutate it.
func (a *Aggregator) Observed() *roaring.Bitmap { return a.observed }

// DistinctTaxa returns the number of taxa with direct assignments.
func (a *Aggregator) DistinctTaxa() uint64 { return a.observed.GetCardinality() }

// Row is one line of a report: a taxon with its direct and clade read
// counts.
type Row struct {
	TaxID taxonomy.TaxID
	Rank  string
	Name  string

	// Depth is the nesting level within the report's induced tree,
	// used for name indentation.
	Depth int

	// ReadsDirect counts reads assigned exactly to this taxon;
	// ReadsClade additionally includes all its descendants.
	ReadsDirect uint64
	ReadsClade  uint64

	// Percent is ReadsClade over the total including unclassified.
	Percent float64

	// DistinctMinimizers is the number of hash table slots holding
	// this taxon, when slot counts were supplied. Zero otherwise.
	DistinctMinimizers uint64
}

// Report is the final per-taxon summary.
type Report struct {
	Total        uint64
	Classified   uint64
	Unclassified uint64

	// Rows are ordered depth-first from the root, siblings by
	// descending clade count, ties by ascending taxon id. Only taxa
	// with a nonzero clade count appear.
	Rows []Row
}

// Options configure report generation.
type Options struct {
	// MinimizerCounts attaches per-taxon distinct minimizer counts,
	// typically cht.Table.TaxonSlotCounts().
	MinimizerCounts map[taxonomy.TaxID]uint64
}

// Report builds the summary from the current aggregate state.
//
// Clade counts satisfy clade(t) = direct(t) + sum of clade over the
// children of t, and the directs of all rows plus the unclassified
// count always equal the total.
func (a *Aggregator) Report(optFns ...func(o *Options)) *Report {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	rep := &Report{
		Total:        a.total,
		Classified:   a.total - a.unclassified,
		Unclassified: a.unclassified,
	}
	if len(a.direct) == 0 {
		return rep
	}

	root := a.tax.Root()

	// Roll direct counts up the ancestor chains, building the induced
	// tree over touched nodes only.
	clade := make(map[taxonomy.TaxID]uint64, 2*len(a.direct))
	children := make(map[taxonomy.TaxID][]taxonomy.TaxID)
	linked := make(map[taxonomy.TaxID]bool)

	for taxon, count := range a.direct {
		cur := taxon
		clade[cur] += count
		for cur != root {
			parent, err := a.tax.Parent(cur)
			if err != nil {
				break
			}
			if !linked[cur] {
				children[parent] = append(children[parent], cur)
				linked[cur] = true
			}
			clade[parent] += count
			cur = parent
		}
	}

	// Depth-first emission, heaviest clades first.
	type frame struct {
		taxon taxonomy.TaxID
		depth int
	}
	stack := []frame{{root, 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		row := Row{
			TaxID:       f.taxon,
			Depth:       f.depth,
			ReadsDirect: a.direct[f.taxon],
			ReadsClade:  clade[f.taxon],
		}
		if node, err := a.tax.Node(f.taxon); err == nil {
			row.Rank = node.Rank
			row.Name = node.Name
		}
		if a.total > 0 {
			row.Percent = 100 * float64(row.ReadsClade) / float64(a.total)
		}
		if opts.MinimizerCounts != nil {
			row.DistinctMinimizers = opts.MinimizerCounts[f.taxon]
		}
		rep.Rows = append(rep.Rows, row)

		kids := children[f.taxon]
		sort.Slice(kids, func(i, j int) bool {
			if clade[kids[i]] != clade[kids[j]] {
				return clade[kids[i]] > clade[kids[j]]
			}
			return kids[i] < kids[j]
		})
		// Reversed push so the heaviest child is popped first.
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, frame{kids[i], f.depth + 1})
		}
	}

	return rep
}
