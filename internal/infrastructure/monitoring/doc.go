// Package monitoring provides Prometheus metrics for the broker.
//
// The collectors mirror the driver's historical statistics block: object
// lifetimes per kind, command and return counts per code, transaction
// outcomes, buffer pool churn, and thread-governor spawn hints. A
// mutex-guarded snapshot backs the JSON admin API so dashboards do not need
// to scrape and re-aggregate the Prometheus endpoint.
//
// Each Metrics instance owns its own registry; expose it with
// promhttp.HandlerFor(m.Registry(), ...).
package monitoring
