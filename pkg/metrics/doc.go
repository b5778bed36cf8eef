/*
Package metrics exposes Prometheus metrics for the daemon.

Gauges (workload phase counts, persistence lag, scheduler drift, event
subscribers) are refreshed by the Collector from coordinator health
reads; counters (spawns, restarts, skipped fires, dropped records) are
tallied from the event stream. Handler serves the standard promhttp
endpoint.
*/
package metrics
