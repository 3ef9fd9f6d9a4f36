package taxgo

import (
	"github.com/hupe1980/taxgo/cht"
	"github.com/hupe1980/taxgo/dispatch"
	"github.com/hupe1980/taxgo/taxonomy"
)

// Config is the flat configuration surface an outer layer (CLI, config
// file) produces. It covers both sides of the lifecycle: build-time
// table parameters and classify-time assignment policy. Programs that
// construct their configuration in code can use the fluent Builder and
// Option functions directly instead.
type Config struct {
	// Minimizer scheme, recorded in the database header.
	K            uint8
	MinimizerLen uint8

	// Table geometry and probing.
	MaxLoadFactor float64
	Probing       cht.Probing

	// ExactCounting retains per-slot insertion counters instead of
	// relying on the cardinality sketch alone.
	ExactCounting bool

	// Worker pool.
	Threads   int
	BatchSize int

	// Assignment policy.
	ConfidenceThreshold float64
	MinimumHitGroups    int

	// Order of the result stream.
	Order dispatch.Order
}

// DefaultConfig returns the defaults used for zero-valued fields.
func DefaultConfig() Config {
	return Config{
		MaxLoadFactor: cht.DefaultMaxLoadFactor,
		Probing:       cht.DoubleHashing,
		Order:         dispatch.Completion,
	}
}

// Options expands the classify-time fields into Option values, for use
// with Load, Open and Build.
func (c Config) Options() []Option {
	opts := []Option{
		WithConfidenceThreshold(c.ConfidenceThreshold),
		WithMinimumHitGroups(c.MinimumHitGroups),
		WithThreads(c.Threads),
		WithOutputOrder(c.Order),
	}
	if c.BatchSize > 0 {
		opts = append(opts, WithBatchSize(c.BatchSize))
	}
	return opts
}

// NewBuilderFromConfig creates a Builder with the build-time fields of
// cfg applied. Classify-time fields are picked up by passing
// cfg.Options() to Build.
func NewBuilderFromConfig(tax *taxonomy.Taxonomy, cfg Config) *Builder {
	b := NewBuilder(tax).
		K(cfg.K).
		MinimizerLength(cfg.MinimizerLen).
		Threads(cfg.Threads)

	if cfg.MaxLoadFactor > 0 {
		b = b.MaxLoadFactor(cfg.MaxLoadFactor)
	}
	if cfg.Probing == cht.Linear {
		b = b.LinearProbing()
	}
	if cfg.ExactCounting {
		b = b.ExactCounting()
	}
	if cfg.BatchSize > 0 {
		b = b.BatchSize(cfg.BatchSize)
	}
	return b
}
