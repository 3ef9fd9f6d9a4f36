package taxgo

import (
	"log/slog"

	"github.com/hupe1980/taxgo/dispatch"
)

type options struct {
	confidenceThreshold float64
	minimumHitGroups    int
	threads             int
	batchSize           int
	order               dispatch.Order
	metricsCollector    MetricsCollector
	logger              *Logger
}

// Option configures constructor/load behavior.
type Option func(*options)

// WithConfidenceThreshold sets the confidence threshold in [0,1] for
// the classification resolution walk. 0 (the default) disables the
// early stop and always descends to the most specific supported
// taxon.
func WithConfidenceThreshold(threshold float64) Option {
	return func(o *options) {
		o.confidenceThreshold = threshold
	}
}

// WithMinimumHitGroups leaves reads unclassified unless at least this
// many distinct taxa received direct hits. 0 (the default) disables
// the gate.
func WithMinimumHitGroups(n int) Option {
	return func(o *options) {
		o.minimumHitGroups = n
	}
}

// WithThreads sets the classification worker pool size (default
// GOMAXPROCS).
func WithThreads(n int) Option {
	return func(o *options) {
		o.threads = n
	}
}

// WithBatchSize sets the number of reads per dispatch batch.
func WithBatchSize(n int) Option {
	return func(o *options) {
		o.batchSize = n
	}
}

// WithStrictOrder makes result streams preserve exact input order at
// the cost of a bounded reordering buffer. The default emits results
// in completion order.
func WithStrictOrder() Option {
	return func(o *options) {
		o.order = dispatch.Strict
	}
}

// WithOutputOrder sets the result emission order explicitly.
func WithOutputOrder(order dispatch.Order) Option {
	return func(o *options) {
		o.order = order
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &taxgo.BasicMetricsCollector{}
//	tg, _ := taxgo.Load("standard.k2d", taxgo.WithMetricsCollector(metrics))
//	// ... classify ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging. Pass nil to disable
// logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and
// sets it. Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		order:            dispatch.Completion,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
