// Package observability exports engine metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	mc, err := observability.NewPrometheusCollector("trakgo", reg)
//	if err != nil {
//		return err
//	}
//	e, err := trakgo.Open(ctx, dir, m, n, trakgo.WithMetricsCollector(mc))
//
// Serve reg with promhttp.HandlerFor.
package observability
