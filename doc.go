// Package taxgo implements a metagenomic read classifier built around
// a compact concurrent hash table mapping minimizer fingerprints to
// taxonomic identifiers.
//
// A database is built in two passes over a reference library: the
// first estimates the number of distinct fingerprints with a
// HyperLogLog sketch to size the table, the second inserts every
// (fingerprint, taxon) pair, merging conflicting evidence through the
// taxonomy's lowest common ancestor. The finalized table is immutable
// and serves lock-free lookups.
//
// Build a database:
//
//	tg, err := taxgo.NewBuilder(tax).
//	    K(35).
//	    MinimizerLength(31).
//	    Threads(8).
//	    Build(ctx, source)
//
// Classify reads:
//
//	tg, err := taxgo.Open("standard.k2d",
//	    taxgo.WithConfidenceThreshold(0.1),
//	    taxgo.WithStrictOrder(),
//	)
//	defer tg.Close()
//
//	for res, err := range tg.ClassifyStream(ctx, reads) {
//	    ...
//	}
//
// Databases are single files (see the k2d package) that can be loaded
// into memory, memory-mapped in place, or fetched from an object
// store through the blobstore package.
//
// Fingerprint extraction from raw sequences is out of scope: reads
// and reference sequences enter the API as pre-extracted 64-bit
// fingerprints.
package taxgo
