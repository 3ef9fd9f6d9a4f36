// Package dispatch partitions fingerprint streams into batches and
// fans them out across a bounded worker pool, for both database build
// and read classification.
//
// Workers share only the structures that are safe to share: the
// sharded hash table during build, the immutable table and taxonomy
// during classification. Everything else (cardinality sketches, hit
// maps) is worker-local and reduced at end of phase. Cancellation is
// cooperative: a stop flag is checked between batch pulls and batches
// already in flight run to completion, so partially applied shard
// writes can never be observed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hupe1980/taxgo/cht"
	"github.com/hupe1980/taxgo/classify"
	"github.com/hupe1980/taxgo/sketch"
	"github.com/hupe1980/taxgo/taxonomy"
)

// Order selects how classification results are emitted.
type Order uint8

const (
	// Completion emits results as soon as their batch finishes.
	// Lowest latency, no buffering; output order is nondeterministic.
	Completion Order = iota

	// Strict emits results in exact input order via a reordering
	// buffer keyed by batch sequence number.
	Strict
)

func (o Order) String() string {
	switch o {
	case Completion:
		return "completion"
	case Strict:
		return "strict"
	default:
		return fmt.Sprintf("order(%d)", uint8(o))
	}
}

// Options configure a Dispatcher.
type Options struct {
	// Workers is the worker pool size (default GOMAXPROCS).
	Workers int

	// BatchSize is the number of sequences/reads per batch
	// (default 1024).
	BatchSize int

	// Order selects completion-order or strict-input-order output.
	Order Order

	// SketchPrecision configures the per-worker cardinality sketches
	// used during build (default sketch.DefaultPrecision).
	SketchPrecision uint8

	// Logger receives throttled progress output. Defaults to a
	// discarding logger.
	Logger *slog.Logger
}

// DefaultOptions are the options used for unset fields.
var DefaultOptions = Options{
	Workers:         0,
	BatchSize:       1024,
	Order:           Completion,
	SketchPrecision: sketch.DefaultPrecision,
	Logger:          nil,
}

// RefSeq is one reference sequence at build time: the taxon it is
// tagged with and its extracted fingerprints.
type RefSeq struct {
	Taxon        taxonomy.TaxID
	Fingerprints []uint64
}

// Stats is a snapshot of dispatcher progress counters.
type Stats struct {
	// Build phase.
	SequencesProcessed   uint64
	FingerprintsInserted uint64

	// Classify phase.
	ReadsProcessed  uint64
	ReadsEmptyInput uint64

	// Stopped reports whether the cooperative stop flag was raised.
	Stopped bool
}

// Dispatcher coordinates batch fan-out for one build or classify run.
// A single Dispatcher can run both phases sequentially; its counters
// accumulate across them.
type Dispatcher struct {
	opts     Options
	logger   *slog.Logger
	progress *rate.Limiter

	stop atomic.Bool

	sequences    atomic.Uint64
	fingerprints atomic.Uint64
	reads        atomic.Uint64
	emptyReads   atomic.Uint64
}

// New creates a Dispatcher.
func New(optFns ...func(o *Options)) (*Dispatcher, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("dispatch: batch size %d must be positive", opts.BatchSize)
	}
	if opts.Order != Completion && opts.Order != Strict {
		return nil, fmt.Errorf("dispatch: unknown output order %d", opts.Order)
	}
	if opts.SketchPrecision == 0 {
		opts.SketchPrecision = sketch.DefaultPrecision
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Dispatcher{
		opts:     opts,
		logger:   logger,
		progress: rate.NewLimiter(rate.Limit(1), 1), // at most one progress line per second
	}, nil
}

// Stop raises the cooperative stop flag. No new batches are dispatched
// afterwards; batches already in flight complete normally.
func (d *Dispatcher) Stop() { d.stop.Store(true) }

// Stats returns a snapshot of the progress counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		SequencesProcessed:   d.sequences.Load(),
		FingerprintsInserted: d.fingerprints.Load(),
		ReadsProcessed:       d.reads.Load(),
		ReadsEmptyInput:      d.emptyReads.Load(),
		Stopped:              d.stop.Load(),
	}
}

// Build drains the reference stream into the hash table, merging
// conflicting taxa via LCA, and returns the reduced cardinality
// sketch over all inserted fingerprints.
//
// The builder must already be reserved. Insert failures (notably
// cht.ErrCapacityExceeded) abort the run and are returned.
func (d *Dispatcher) Build(ctx context.Context, builder *cht.Builder, seqs iter.Seq2[RefSeq, error]) (*sketch.Sketch, error) {
	g, gctx := errgroup.WithContext(ctx)

	batchCh := make(chan []RefSeq, d.opts.Workers)

	// Producer: slice the stream into batches, respecting the stop
	// flag between batches.
	g.Go(func() error {
		defer close(batchCh)

		batch := make([]RefSeq, 0, d.opts.BatchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			select {
			case batchCh <- batch:
				batch = make([]RefSeq, 0, d.opts.BatchSize)
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		for seq, err := range seqs {
			if err != nil {
				return fmt.Errorf("dispatch: reference stream: %w", err)
			}
			batch = append(batch, seq)
			if len(batch) == d.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
				if d.stop.Load() {
					return nil
				}
			}
		}
		return flush()
	})

	// Workers: insert fingerprints, feed the worker-local sketch.
	sketches := make([]*sketch.Sketch, d.opts.Workers)
	for w := 0; w < d.opts.Workers; w++ {
		local, err := sketch.New(d.opts.SketchPrecision)
		if err != nil {
			return nil, err
		}
		sketches[w] = local

		g.Go(func() error {
			for batch := range batchCh {
				for _, seq := range batch {
					for _, fp := range seq.Fingerprints {
						if err := builder.InsertOrMerge(fp, seq.Taxon); err != nil {
							return err
						}
						local.Add(fp)
					}
					d.fingerprints.Add(uint64(len(seq.Fingerprints)))
					d.sequences.Add(1)
				}
				d.logProgress(gctx, "build progress")

				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Reduce worker sketches; merge order is irrelevant.
	global := sketches[0]
	for _, s := range sketches[1:] {
		if err := global.Merge(s); err != nil {
			return nil, err
		}
	}

	d.logger.Info("build phase complete",
		"sequences", d.sequences.Load(),
		"fingerprints", d.fingerprints.Load(),
		"distinct_estimate", uint64(global.Estimate()),
		"stopped", d.stop.Load(),
	)

	return global, nil
}

// EstimateCardinality runs a sketch-only pass over the reference
// stream, used to size the hash table before the insertion pass.
func (d *Dispatcher) EstimateCardinality(ctx context.Context, seqs iter.Seq2[RefSeq, error]) (uint64, error) {
	g, gctx := errgroup.WithContext(ctx)

	batchCh := make(chan []RefSeq, d.opts.Workers)

	g.Go(func() error {
		defer close(batchCh)
		batch := make([]RefSeq, 0, d.opts.BatchSize)
		for seq, err := range seqs {
			if err != nil {
				return fmt.Errorf("dispatch: reference stream: %w", err)
			}
			batch = append(batch, seq)
			if len(batch) == d.opts.BatchSize {
				select {
				case batchCh <- batch:
					batch = make([]RefSeq, 0, d.opts.BatchSize)
				case <-gctx.Done():
					return gctx.Err()
				}
				if d.stop.Load() {
					return nil
				}
			}
		}
		if len(batch) > 0 {
			select {
			case batchCh <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	sketches := make([]*sketch.Sketch, d.opts.Workers)
	for w := 0; w < d.opts.Workers; w++ {
		local, err := sketch.New(d.opts.SketchPrecision)
		if err != nil {
			return 0, err
		}
		sketches[w] = local

		g.Go(func() error {
			for batch := range batchCh {
				for _, seq := range batch {
					for _, fp := range seq.Fingerprints {
						local.Add(fp)
					}
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	global := sketches[0]
	for _, s := range sketches[1:] {
		if err := global.Merge(s); err != nil {
			return 0, err
		}
	}
	return uint64(global.Estimate()), nil
}

// Classify fans the read stream out over the worker pool and returns
// the result stream. With Order Strict, results are emitted in exact
// input order; with Completion, in batch completion order. Stopping
// the range loop early cancels the remaining work.
func (d *Dispatcher) Classify(ctx context.Context, classifier *classify.Classifier, reads iter.Seq2[classify.Read, error]) iter.Seq2[classify.Result, error] {
	return func(yield func(classify.Result, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)

		type readBatch struct {
			seq   uint64
			reads []classify.Read
		}
		type batchResult struct {
			seq     uint64
			results []classify.Result
		}

		batchCh := make(chan readBatch, d.opts.Workers)
		resultCh := make(chan batchResult, d.opts.Workers)

		// Bounds completed-but-unemitted batches so a slow consumer or
		// a stalled reorder prefix cannot buffer unbounded memory.
		inflight := semaphore.NewWeighted(int64(4 * d.opts.Workers))

		// Producer.
		g.Go(func() error {
			defer close(batchCh)

			var next uint64
			batch := make([]classify.Read, 0, d.opts.BatchSize)
			flush := func() error {
				if len(batch) == 0 {
					return nil
				}
				if err := inflight.Acquire(gctx, 1); err != nil {
					return err
				}
				select {
				case batchCh <- readBatch{seq: next, reads: batch}:
					next++
					batch = make([]classify.Read, 0, d.opts.BatchSize)
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			}

			for read, err := range reads {
				if err != nil {
					return fmt.Errorf("dispatch: read stream: %w", err)
				}
				batch = append(batch, read)
				if len(batch) == d.opts.BatchSize {
					if err := flush(); err != nil {
						return err
					}
					if d.stop.Load() {
						return nil
					}
				}
			}
			return flush()
		})

		// Workers.
		for w := 0; w < d.opts.Workers; w++ {
			g.Go(func() error {
				for batch := range batchCh {
					results := make([]classify.Result, len(batch.reads))
					for i, read := range batch.reads {
						if len(read.Fingerprints) == 0 {
							d.emptyReads.Add(1)
						}
						results[i] = classifier.Classify(read)
					}
					d.reads.Add(uint64(len(batch.reads)))
					d.logProgress(gctx, "classify progress")

					select {
					case resultCh <- batchResult{seq: batch.seq, results: results}:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				return nil
			})
		}

		// Close the result channel once producer and workers are done.
		done := make(chan error, 1)
		go func() {
			err := g.Wait()
			close(resultCh)
			done <- err
		}()

		emit := func(results []classify.Result) bool {
			for _, res := range results {
				if !yield(res, nil) {
					return false
				}
			}
			return true
		}

		aborted := false
		if d.opts.Order == Strict {
			buf := newReorderBuffer()
			for br := range resultCh {
				for _, ready := range buf.push(br.seq, br.results) {
					inflight.Release(1)
					if !aborted && !emit(ready) {
						aborted = true
						cancel()
					}
				}
			}
		} else {
			for br := range resultCh {
				inflight.Release(1)
				if !aborted && !emit(br.results) {
					aborted = true
					cancel()
				}
			}
		}

		err := <-done
		if aborted {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			yield(classify.Result{}, err)
		}
	}
}

func (d *Dispatcher) logProgress(ctx context.Context, msg string) {
	if d.progress.Allow() {
		d.logger.DebugContext(ctx, msg,
			"sequences", d.sequences.Load(),
			"fingerprints", d.fingerprints.Load(),
			"reads", d.reads.Load(),
		)
	}
}
