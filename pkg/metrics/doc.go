/*
Package metrics provides Prometheus instrumentation for Tessera.

Collectors are package-level and registered in init, so any package can
record without plumbing a registry. The engine updates write/query/storage
series on its hot paths; StartMetricsServer exposes them on /metrics.

	go metrics.StartMetricsServer(":9420")

The Timer helper wraps the start/observe pattern for histograms:

	timer := metrics.NewTimer(metrics.QueryDuration)
	defer timer.ObserveDuration()
*/
package metrics
