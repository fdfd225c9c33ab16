package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/trakgo"
)

var _ trakgo.MetricsCollector = (*PrometheusCollector)(nil)

// PrometheusCollector implements trakgo.MetricsCollector with client_golang
// collectors.
type PrometheusCollector struct {
	opLatency   *prometheus.HistogramVec
	examples    *prometheus.CounterVec
	finalized   prometheus.Counter
	corrections prometheus.Counter
	ridged      prometheus.Counter
	cond        prometheus.Gauge
	ridge       prometheus.Gauge
	checkpoints prometheus.Gauge
	queries     prometheus.Gauge
}

// NewPrometheusCollector creates the collectors under namespace and
// registers them with reg. A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusCollector(namespace string, reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &PrometheusCollector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of engine operations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"op", "status"}),
		examples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "examples_total",
			Help:      "Examples processed by featurize and score",
		}, []string{"op"}),
		finalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_finalized_total",
			Help:      "Checkpoints that gained a correction matrix",
		}),
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrections_total",
			Help:      "Correction matrices computed",
		}),
		ridged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrections_ridged_total",
			Help:      "Correction matrices that needed ridge regularization",
		}),
		cond: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correction_condition_number",
			Help:      "Condition number of the last Gram matrix",
		}),
		ridge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correction_ridge",
			Help:      "Ridge added to the last Gram matrix",
		}),
		checkpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ensemble_checkpoints",
			Help:      "Checkpoints averaged by the last FinalizeScores",
		}),
		queries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ensemble_queries",
			Help:      "Query columns returned by the last FinalizeScores",
		}),
	}
	for _, col := range []prometheus.Collector{
		c.opLatency, c.examples, c.finalized, c.corrections,
		c.ridged, c.cond, c.ridge, c.checkpoints, c.queries,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordFeaturize implements trakgo.MetricsCollector.
func (c *PrometheusCollector) RecordFeaturize(count int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("featurize", status(err)).Observe(d.Seconds())
	if err == nil {
		c.examples.WithLabelValues("featurize").Add(float64(count))
	}
}

// RecordScore implements trakgo.MetricsCollector.
func (c *PrometheusCollector) RecordScore(count int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("score", status(err)).Observe(d.Seconds())
	if err == nil {
		c.examples.WithLabelValues("score").Add(float64(count))
	}
}

// RecordFinalize implements trakgo.MetricsCollector.
func (c *PrometheusCollector) RecordFinalize(finalized int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("finalize_features", status(err)).Observe(d.Seconds())
	c.finalized.Add(float64(finalized))
}

// RecordCorrection implements trakgo.MetricsCollector.
func (c *PrometheusCollector) RecordCorrection(cond, ridge float64, d time.Duration) {
	c.opLatency.WithLabelValues("correction", "success").Observe(d.Seconds())
	c.corrections.Inc()
	if ridge > 0 {
		c.ridged.Inc()
	}
	c.cond.Set(cond)
	c.ridge.Set(ridge)
}

// RecordFinalizeScores implements trakgo.MetricsCollector.
func (c *PrometheusCollector) RecordFinalizeScores(checkpoints, queries int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("finalize_scores", status(err)).Observe(d.Seconds())
	if err == nil {
		c.checkpoints.Set(float64(checkpoints))
		c.queries.Set(float64(queries))
	}
}
