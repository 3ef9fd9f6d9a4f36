package taxgo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational
// metrics. Implement this interface to integrate with monitoring
// systems like Prometheus.
type MetricsCollector interface {
	// RecordBuild is called after a database build.
	RecordBuild(sequences, fingerprints uint64, duration time.Duration, err error)

	// RecordClassify is called after a classification run. reads is
	// the number of reads processed, classified how many were
	// assigned a taxon.
	RecordClassify(reads, classified uint64, duration time.Duration, err error)

	// RecordSave is called after a database save.
	RecordSave(duration time.Duration, err error)

	// RecordLoad is called after a database load.
	RecordLoad(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordBuild(uint64, uint64, time.Duration, error)    {}
func (NoopMetricsCollector) RecordClassify(uint64, uint64, time.Duration, error) {}
func (NoopMetricsCollector) RecordSave(time.Duration, error)                     {}
func (NoopMetricsCollector) RecordLoad(time.Duration, error)                     {}

// BasicMetricsCollector provides simple in-memory metrics collection,
// useful for debugging without external dependencies.
type BasicMetricsCollector struct {
	BuildCount         atomic.Int64
	BuildErrors        atomic.Int64
	BuildSequences     atomic.Int64
	BuildFingerprints  atomic.Int64
	BuildTotalNanos    atomic.Int64
	ClassifyCount      atomic.Int64
	ClassifyErrors     atomic.Int64
	ClassifyReads      atomic.Int64
	ClassifyAssigned   atomic.Int64
	ClassifyTotalNanos atomic.Int64
	SaveCount          atomic.Int64
	SaveErrors         atomic.Int64
	LoadCount          atomic.Int64
	LoadErrors         atomic.Int64
}

// RecordBuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBuild(sequences, fingerprints uint64, duration time.Duration, err error) {
	b.BuildCount.Add(1)
	b.BuildSequences.Add(int64(sequences))
	b.BuildFingerprints.Add(int64(fingerprints))
	b.BuildTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.BuildErrors.Add(1)
	}
}

// RecordClassify implements MetricsCollector.
func (b *BasicMetricsCollector) RecordClassify(reads, classified uint64, duration time.Duration, err error) {
	b.ClassifyCount.Add(1)
	b.ClassifyReads.Add(int64(reads))
	b.ClassifyAssigned.Add(int64(classified))
	b.ClassifyTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ClassifyErrors.Add(1)
	}
}

// RecordSave implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSave(duration time.Duration, err error) {
	b.SaveCount.Add(1)
	if err != nil {
		b.SaveErrors.Add(1)
	}
}

// RecordLoad implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLoad(duration time.Duration, err error) {
	b.LoadCount.Add(1)
	if err != nil {
		b.LoadErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		BuildCount:        b.BuildCount.Load(),
		BuildErrors:       b.BuildErrors.Load(),
		BuildSequences:    b.BuildSequences.Load(),
		BuildFingerprints: b.BuildFingerprints.Load(),
		ClassifyCount:     b.ClassifyCount.Load(),
		ClassifyErrors:    b.ClassifyErrors.Load(),
		ClassifyReads:     b.ClassifyReads.Load(),
		ClassifyAssigned:  b.ClassifyAssigned.Load(),
		SaveCount:         b.SaveCount.Load(),
		SaveErrors:        b.SaveErrors.Load(),
		LoadCount:         b.LoadCount.Load(),
		LoadErrors:        b.LoadErrors.Load(),
	}
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	BuildCount        int64
	BuildErrors       int64
	BuildSequences    int64
	BuildFingerprints int64
	ClassifyCount     int64
	ClassifyErrors    int64
	ClassifyReads     int64
	ClassifyAssigned  int64
	SaveCount         int64
	SaveErrors        int64
	LoadCount         int64
	LoadErrors        int64
}
