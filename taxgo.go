package taxgo

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hupe1980/taxgo/blobstore"
	"github.com/hupe1980/taxgo/cht"
	"github.com/hupe1980/taxgo/classify"
	"github.com/hupe1980/taxgo/dispatch"
	"github.com/hupe1980/taxgo/k2d"
	"github.com/hupe1980/taxgo/report"
	"github.com/hupe1980/taxgo/sketch"
	"github.com/hupe1980/taxgo/taxonomy"
)

// Taxgo is a loaded classification database: the compact hash table,
// its taxonomy, and the configured assignment policy. All read
// operations are safe for concurrent use.
type Taxgo struct {
	db         *k2d.Database
	classifier *classify.Classifier
	opts       options

	closed atomic.Bool

	// buildStats is populated when the instance came from a Builder.
	buildStats dispatch.Stats
}

// New wraps an already loaded database.
func New(db *k2d.Database, optFns ...Option) (*Taxgo, error) {
	opts := applyOptions(optFns)

	classifier, err := classify.New(db.Table, db.Taxonomy, func(o *classify.Options) {
		o.ConfidenceThreshold = opts.confidenceThreshold
		o.MinimumHitGroups = opts.minimumHitGroups
	})
	if err != nil {
		return nil, &ErrInvalidConfig{Field: "classify", Value: opts.confidenceThreshold, cause: err}
	}

	return &Taxgo{
		db:         db,
		classifier: classifier,
		opts:       opts,
	}, nil
}

// Load reads the database file at path into memory.
func Load(path string, optFns ...Option) (*Taxgo, error) {
	return loadWith(path, optFns, k2d.Load, false)
}

// Open memory-maps the database file at path instead of loading it
// into the heap. Only uncompressed databases can be opened this way;
// the returned instance must be closed.
func Open(path string, optFns ...Option) (*Taxgo, error) {
	return loadWith(path, optFns, k2d.Open, true)
}

func loadWith(path string, optFns []Option, load func(string) (*k2d.Database, error), mapped bool) (*Taxgo, error) {
	opts := applyOptions(optFns)
	start := time.Now()

	db, err := load(path)
	opts.logger.LogLoad(context.Background(), filepath.Base(path), mapped, time.Since(start), err)
	opts.metricsCollector.RecordLoad(time.Since(start), err)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, translateError(blobstore.ErrNotFound)
		}
		return nil, translateError(err)
	}

	return New(db, optFns...)
}

// LoadFromStore fetches the named database from a blob store,
// materializes it in cacheDir, and memory-maps it. Concurrent loads
// of the same database share a single download.
func LoadFromStore(ctx context.Context, store blobstore.Store, cacheDir, name string, optFns ...Option) (*Taxgo, error) {
	opts := applyOptions(optFns)
	start := time.Now()

	cache := blobstore.NewCachingStore(store, cacheDir)
	path, err := cache.Fetch(ctx, name)
	if err != nil {
		opts.logger.LogLoad(ctx, name, true, time.Since(start), err)
		opts.metricsCollector.RecordLoad(time.Since(start), err)
		return nil, translateError(err)
	}

	return Open(path, optFns...)
}

// Taxonomy returns the database's taxonomic tree.
func (t *Taxgo) Taxonomy() *taxonomy.Taxonomy { return t.db.Taxonomy }

// Header returns the database file header.
func (t *Taxgo) Header() k2d.FileHeader { return t.db.Header }

// Sketch returns the persisted cardinality sketch, or nil when the
// database was saved without one.
func (t *Taxgo) Sketch() *sketch.Sketch { return t.db.Sketch }

// TableStats returns occupancy statistics of the hash table.
func (t *Taxgo) TableStats() cht.Stats { return t.db.Table.Stats() }

// Classify assigns a single read.
func (t *Taxgo) Classify(read classify.Read) (classify.Result, error) {
	if t.closed.Load() {
		return classify.Result{}, ErrClosed
	}
	return t.classifier.Classify(read), nil
}

// ClassifyStream classifies the read stream on the configured worker
// pool and returns the result stream. Result order follows the
// configured output order.
func (t *Taxgo) ClassifyStream(ctx context.Context, reads iter.Seq2[classify.Read, error]) iter.Seq2[classify.Result, error] {
	return func(yield func(classify.Result, error) bool) {
		if t.closed.Load() {
			yield(classify.Result{}, ErrClosed)
			return
		}

		d, err := dispatch.New(func(o *dispatch.Options) {
			o.Workers = t.opts.threads
			if t.opts.batchSize > 0 {
				o.BatchSize = t.opts.batchSize
			}
			o.Order = t.opts.order
			o.Logger = t.opts.logger.Logger
		})
		if err != nil {
			yield(classify.Result{}, &ErrInvalidConfig{Field: "dispatch", Value: t.opts.batchSize, cause: err})
			return
		}

		start := time.Now()
		var classified uint64
		var streamErr error

		for res, err := range d.Classify(ctx, t.classifier, reads) {
			if err != nil {
				streamErr = err
				break
			}
			if res.Classified {
				classified++
			}
			if !yield(res, nil) {
				break
			}
		}

		stats := d.Stats()
		t.opts.logger.LogClassifyBatch(ctx, stats.ReadsProcessed, classified, time.Since(start), streamErr)
		t.opts.metricsCollector.RecordClassify(stats.ReadsProcessed, classified, time.Since(start), streamErr)

		if streamErr != nil {
			yield(classify.Result{}, translateError(streamErr))
		}
	}
}

// Summarize classifies the read stream and folds the results into a
// per-taxon report. Minimizer diversity columns are filled from the
// table's exact counters when available.
func (t *Taxgo) Summarize(ctx context.Context, reads iter.Seq2[classify.Read, error]) (*report.Report, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	agg := report.NewAggregator(t.db.Taxonomy)
	for res, err := range t.ClassifyStream(ctx, reads) {
		if err != nil {
			return nil, err
		}
		agg.Add(res)
	}

	return agg.Report(func(o *report.Options) {
		o.MinimizerCounts = t.db.Table.TaxonSlotCounts()
	}), nil
}

// Save writes the database to a local file, carrying over the
// minimizer scheme recorded in the header.
func (t *Taxgo) Save(path string, optFns ...func(o *k2d.SaveOptions)) error {
	if t.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	all := append([]func(o *k2d.SaveOptions){func(o *k2d.SaveOptions) {
		o.K = t.db.Header.K
		o.MinimizerLen = t.db.Header.MinimizerLen
		o.MaxLoadFactor = t.db.Header.MaxLoadFactor
		o.Sketch = t.db.Sketch
	}}, optFns...)

	err := k2d.Save(path, t.db.Table, t.db.Taxonomy, all...)
	t.opts.logger.LogSave(context.Background(), filepath.Base(path), time.Since(start), err)
	t.opts.metricsCollector.RecordSave(time.Since(start), err)
	return translateError(err)
}

// Publish saves the database and uploads it to a blob store under
// name.
func (t *Taxgo) Publish(ctx context.Context, store blobstore.Store, name string, optFns ...func(o *k2d.SaveOptions)) error {
	if t.closed.Load() {
		return ErrClosed
	}

	dir, err := os.MkdirTemp("", "taxgo-publish-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	local := blobstore.NewLocalStore(dir)
	if err := os.MkdirAll(filepath.Dir(local.Path(name)), 0755); err != nil {
		return err
	}
	if err := t.Save(local.Path(name), optFns...); err != nil {
		return err
	}

	if err := blobstore.Copy(ctx, store, local, name); err != nil {
		return translateError(err)
	}
	return nil
}
