package trakgo

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	l := NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})).WithProjDim(64)

	l.LogCorrection(ctx, 3, 1e12, 0.5, nil)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"proj_dim":64`)
	assert.Contains(t, buf.String(), `"ridge":0.5`)

	buf.Reset()
	l.WithModelID(7).LogFeaturize(ctx, 7, 10, 20, errors.New("boom"))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), `"error":"boom"`)

	buf.Reset()
	l.LogScore(ctx, 1, 4, nil)
	assert.Contains(t, buf.String(), `"msg":"score completed"`)

	// must not panic
	NoopLogger().LogResume(ctx, "dir", 1)
	NewLogger(nil).WithCount(1)
}

func TestBasicMetricsCollector(t *testing.T) {
	mc := &BasicMetricsCollector{}
	mc.RecordFeaturize(10, 100, nil)
	mc.RecordFeaturize(10, 300, errors.New("x"))
	mc.RecordScore(4, 10, nil)
	mc.RecordCorrection(10, 0.1, 1)
	mc.RecordCorrection(10, 0, 1)

	s := mc.GetStats()
	assert.Equal(t, int64(2), s.FeaturizeCount)
	assert.Equal(t, int64(10), s.FeaturizeExamples)
	assert.Equal(t, int64(1), s.FeaturizeErrors)
	assert.Equal(t, int64(200), s.FeaturizeAvgNanos)
	assert.Equal(t, int64(4), s.ScoreExamples)
	assert.Equal(t, int64(2), s.CorrectionCount)
	assert.Equal(t, int64(1), s.RidgeCount)

	var _ MetricsCollector = NoopMetricsCollector{}
}
