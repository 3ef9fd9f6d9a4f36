package taxgo

import (
	"context"
	"iter"
	"time"

	"github.com/hupe1980/taxgo/cht"
	"github.com/hupe1980/taxgo/dispatch"
	"github.com/hupe1980/taxgo/k2d"
	"github.com/hupe1980/taxgo/sketch"
	"github.com/hupe1980/taxgo/taxonomy"
)

// ReferenceSource produces the reference sequence stream. The builder
// iterates it twice: once to estimate the number of distinct
// fingerprints, once to populate the table. Sources backed by files
// simply reopen them.
type ReferenceSource func() iter.Seq2[dispatch.RefSeq, error]

// Builder assembles a classification database with a fluent API:
//
//	tg, err := taxgo.NewBuilder(tax).
//	    K(35).
//	    MinimizerLength(31).
//	    Threads(8).
//	    Build(ctx, source)
type Builder struct {
	tax *taxonomy.Taxonomy

	k            uint8
	minimizerLen uint8

	maxLoadFactor float64
	probing       cht.Probing
	exactCounting bool

	threads         int
	batchSize       int
	sketchPrecision uint8

	// estimatedKeys, when nonzero, skips the estimation pass.
	estimatedKeys uint64

	logger  *Logger
	metrics MetricsCollector
}

// NewBuilder creates a database builder over the given taxonomy.
func NewBuilder(tax *taxonomy.Taxonomy) *Builder {
	return &Builder{
		tax:             tax,
		maxLoadFactor:   cht.DefaultMaxLoadFactor,
		probing:         cht.DoubleHashing,
		sketchPrecision: sketch.DefaultPrecision,
		logger:          NoopLogger(),
		metrics:         NoopMetricsCollector{},
	}
}

// K records the k-mer length of the minimizer scheme in the database
// header.
func (b *Builder) K(k uint8) *Builder {
	b.k = k
	return b
}

// MinimizerLength records the minimizer length of the scheme in the
// database header.
func (b *Builder) MinimizerLength(l uint8) *Builder {
	b.minimizerLen = l
	return b
}

// MaxLoadFactor bounds table occupancy during build (default 0.7).
func (b *Builder) MaxLoadFactor(f float64) *Builder {
	b.maxLoadFactor = f
	return b
}

// LinearProbing selects linear probing instead of the default double
// hashing.
func (b *Builder) LinearProbing() *Builder {
	b.probing = cht.Linear
	return b
}

// ExactCounting retains per-slot insertion counters for exact
// duplicate diagnostics, at 4 bytes per slot.
func (b *Builder) ExactCounting() *Builder {
	b.exactCounting = true
	return b
}

// Threads sets the build worker pool size (default GOMAXPROCS).
func (b *Builder) Threads(n int) *Builder {
	b.threads = n
	return b
}

// BatchSize sets the number of sequences per dispatch batch.
func (b *Builder) BatchSize(n int) *Builder {
	b.batchSize = n
	return b
}

// SketchPrecision sets the cardinality sketch precision (default 12).
func (b *Builder) SketchPrecision(p uint8) *Builder {
	b.sketchPrecision = p
	return b
}

// EstimatedKeys skips the estimation pass and reserves the table for
// the given number of distinct fingerprints directly.
func (b *Builder) EstimatedKeys(n uint64) *Builder {
	b.estimatedKeys = n
	return b
}

// Logger configures structured logging for the build.
func (b *Builder) Logger(l *Logger) *Builder {
	if l == nil {
		l = NoopLogger()
	}
	b.logger = l
	return b
}

// MetricsCollector configures build metrics.
func (b *Builder) MetricsCollector(mc MetricsCollector) *Builder {
	if mc == nil {
		mc = NoopMetricsCollector{}
	}
	b.metrics = mc
	return b
}

// Build runs the two-pass build and returns the finished database.
// Pass one estimates distinct fingerprint cardinality to size the
// table; pass two inserts all fingerprints, merging conflicting taxa
// through their lowest common ancestor.
func (b *Builder) Build(ctx context.Context, source ReferenceSource, optFns ...Option) (*Taxgo, error) {
	start := time.Now()

	tg, err := b.build(ctx, source, optFns)

	var stats dispatch.Stats
	if tg != nil {
		stats = tg.buildStats
	}
	b.logger.LogBuild(ctx, stats.SequencesProcessed, stats.FingerprintsInserted, b.distinctEstimate(tg), time.Since(start), err)
	b.metrics.RecordBuild(stats.SequencesProcessed, stats.FingerprintsInserted, time.Since(start), err)

	if err != nil {
		return nil, translateError(err)
	}
	return tg, nil
}

func (b *Builder) distinctEstimate(tg *Taxgo) uint64 {
	if tg == nil || tg.db.Sketch == nil {
		return 0
	}
	return uint64(tg.db.Sketch.Estimate())
}

func (b *Builder) build(ctx context.Context, source ReferenceSource, optFns []Option) (*Taxgo, error) {
	d, err := dispatch.New(func(o *dispatch.Options) {
		o.Workers = b.threads
		if b.batchSize > 0 {
			o.BatchSize = b.batchSize
		}
		o.SketchPrecision = b.sketchPrecision
		o.Logger = b.logger.Logger
	})
	if err != nil {
		return nil, &ErrInvalidConfig{Field: "dispatch", Value: b.batchSize, cause: err}
	}

	estimated := b.estimatedKeys
	if estimated == 0 {
		estimated, err = d.EstimateCardinality(ctx, source())
		if err != nil {
			return nil, err
		}
		if estimated == 0 {
			estimated = 1
		}
	}

	builder, err := cht.New(b.tax, func(o *cht.Options) {
		o.MaxLoadFactor = b.maxLoadFactor
		o.Probing = b.probing
		o.ExactCounting = b.exactCounting
	})
	if err != nil {
		return nil, &ErrInvalidConfig{Field: "table", Value: b.maxLoadFactor, cause: err}
	}
	if err := builder.Reserve(estimated); err != nil {
		return nil, err
	}

	sk, err := d.Build(ctx, builder, source())
	if err != nil {
		return nil, err
	}

	finalizeStart := time.Now()
	table, err := builder.Finalize()
	if err != nil {
		b.logger.LogFinalize(ctx, 0, 0, time.Since(finalizeStart), err)
		return nil, err
	}
	b.logger.LogFinalize(ctx, table.Capacity(), table.Size(), time.Since(finalizeStart), nil)

	db := &k2d.Database{
		Table:    table,
		Taxonomy: b.tax,
		Sketch:   sk,
		Header: k2d.FileHeader{
			Magic:         k2d.MagicNumber,
			Version:       k2d.Version,
			K:             b.k,
			MinimizerLen:  b.minimizerLen,
			KeyBits:       table.KeyBits(),
			Probing:       uint8(table.Probing()),
			Capacity:      table.Capacity(),
			Size:          table.Size(),
			TaxonomyCount: uint32(b.tax.Len()),
			MaxLoadFactor: b.maxLoadFactor,
		},
	}

	tg, err := New(db, optFns...)
	if err != nil {
		return nil, err
	}
	tg.buildStats = d.Stats()
	return tg, nil
}
