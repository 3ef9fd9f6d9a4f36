package classify

import (
	"sync"

	"github.com/hupe1980/taxgo/taxonomy"
)

// scratch holds the per-read working maps. Classification runs touch
// millions of reads, so the maps are pooled and reused instead of
// allocated per call.
type scratch struct {
	hits     map[taxonomy.TaxID]uint32
	weights  map[taxonomy.TaxID]uint32
	children map[taxonomy.TaxID][]taxonomy.TaxID
	linked   map[taxonomy.TaxID]bool
}

var scratchPool = sync.Pool{
	New: func() any {
		return &scratch{
			hits:     make(map[taxonomy.TaxID]uint32, 64),
			weights:  make(map[taxonomy.TaxID]uint32, 128),
			children: make(map[taxonomy.TaxID][]taxonomy.TaxID, 64),
			linked:   make(map[taxonomy.TaxID]bool, 128),
		}
	},
}

func getScratch() *scratch {
	sc := scratchPool.Get().(*scratch)
	sc.reset()
	return sc
}

func putScratch(sc *scratch) {
	scratchPool.Put(sc)
}

func (sc *scratch) reset() {
	clear(sc.hits)
	clear(sc.weights)
	clear(sc.children)
	clear(sc.linked)
}
