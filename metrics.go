package trakgo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus; see the observability package for a ready-made collector.
type MetricsCollector interface {
	// RecordFeaturize is called after each featurize batch.
	// count is the number of examples in the batch.
	RecordFeaturize(count int, duration time.Duration, err error)

	// RecordScore is called after each score batch.
	RecordScore(count int, duration time.Duration, err error)

	// RecordFinalize is called after each FinalizeFeatures call.
	// finalized is the number of checkpoints that gained a correction matrix.
	RecordFinalize(finalized int, duration time.Duration, err error)

	// RecordCorrection is called for every computed correction matrix.
	RecordCorrection(cond, ridge float64, duration time.Duration)

	// RecordFinalizeScores is called after each FinalizeScores call.
	RecordFinalizeScores(checkpoints, queries int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordFeaturize(int, time.Duration, error)           {}
func (NoopMetricsCollector) RecordScore(int, time.Duration, error)               {}
func (NoopMetricsCollector) RecordFinalize(int, time.Duration, error)            {}
func (NoopMetricsCollector) RecordCorrection(float64, float64, time.Duration)    {}
func (NoopMetricsCollector) RecordFinalizeScores(int, int, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	FeaturizeCount      atomic.Int64
	FeaturizeExamples   atomic.Int64
	FeaturizeErrors     atomic.Int64
	FeaturizeTotalNanos atomic.Int64
	ScoreCount          atomic.Int64
	ScoreExamples       atomic.Int64
	ScoreErrors         atomic.Int64
	ScoreTotalNanos     atomic.Int64
	FinalizeCount       atomic.Int64
	FinalizeErrors      atomic.Int64
	CorrectionCount     atomic.Int64
	RidgeCount          atomic.Int64
	FinalizeScoresCount atomic.Int64
}

// RecordFeaturize implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFeaturize(count int, duration time.Duration, err error) {
	b.FeaturizeCount.Add(1)
	b.FeaturizeTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.FeaturizeErrors.Add(1)
		return
	}
	b.FeaturizeExamples.Add(int64(count))
}

// RecordScore implements MetricsCollector.
func (b *BasicMetricsCollector) RecordScore(count int, duration time.Duration, err error) {
	b.ScoreCount.Add(1)
	b.ScoreTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ScoreErrors.Add(1)
		return
	}
	b.ScoreExamples.Add(int64(count))
}

// RecordFinalize implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFinalize(finalized int, duration time.Duration, err error) {
	b.FinalizeCount.Add(1)
	if err != nil {
		b.FinalizeErrors.Add(1)
	}
}

// RecordCorrection implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCorrection(cond, ridge float64, duration time.Duration) {
	b.CorrectionCount.Add(1)
	if ridge > 0 {
		b.RidgeCount.Add(1)
	}
}

// RecordFinalizeScores implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFinalizeScores(checkpoints, queries int, duration time.Duration, err error) {
	b.FinalizeScoresCount.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		FeaturizeCount:      b.FeaturizeCount.Load(),
		FeaturizeExamples:   b.FeaturizeExamples.Load(),
		FeaturizeErrors:     b.FeaturizeErrors.Load(),
		FeaturizeAvgNanos:   avg(b.FeaturizeTotalNanos.Load(), b.FeaturizeCount.Load()),
		ScoreCount:          b.ScoreCount.Load(),
		ScoreExamples:       b.ScoreExamples.Load(),
		ScoreErrors:         b.ScoreErrors.Load(),
		ScoreAvgNanos:       avg(b.ScoreTotalNanos.Load(), b.ScoreCount.Load()),
		FinalizeCount:       b.FinalizeCount.Load(),
		FinalizeErrors:      b.FinalizeErrors.Load(),
		CorrectionCount:     b.CorrectionCount.Load(),
		RidgeCount:          b.RidgeCount.Load(),
		FinalizeScoresCount: b.FinalizeScoresCount.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	FeaturizeCount      int64
	FeaturizeExamples   int64
	FeaturizeErrors     int64
	FeaturizeAvgNanos   int64
	ScoreCount          int64
	ScoreExamples       int64
	ScoreErrors         int64
	ScoreAvgNanos       int64
	FinalizeCount       int64
	FinalizeErrors      int64
	CorrectionCount     int64
	RidgeCount          int64
	FinalizeScoresCount int64
}
