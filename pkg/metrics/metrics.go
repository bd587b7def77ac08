// Package metrics exposes the Prometheus registry used by the harvester.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, retry, queue, pipeline, output) to keep those packages
// self-contained and avoid import cycles.
//
// This package documents the available metrics and serves them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all harvest metrics are added to via promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the matching gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Rate Gate Metrics (pkg/ratelimit):
//   - harvest_rate_gate_wait_seconds (Histogram): Time spent waiting for a request slot
//   - harvest_cooldowns_total (Counter): Cooldowns entered after a 429
//   - harvest_cooldown_remaining_seconds (Gauge): Remaining cooldown
//
// Request Metrics (pkg/client):
//   - harvest_requests_total{term, status} (Counter): Search requests by term and HTTP status
//   - harvest_request_duration_seconds (Histogram): Search request duration
//   - harvest_fetch_errors_total{kind} (Counter): Fetch errors by kind
//   - harvest_protocol_errors_total (Counter): Undecodable responses
//
// Cache Metrics (pkg/cache):
//   - harvest_cache_hits_total{layer="redis"} (Counter): Page cache hits
//   - harvest_cache_misses_total (Counter): Page cache misses
//   - harvest_cache_size_bytes{layer="redis"} (Gauge): Bytes written to the page cache
//   - harvest_cache_errors_total{operation} (Counter): Cache operation errors
//
// Retry Metrics (pkg/retry):
//   - harvest_retries_total{kind} (Counter): Retries by error kind
//   - harvest_retry_backoff_seconds{kind} (Histogram): Backoff before each retry
//   - harvest_retry_exhausted_total{kind} (Counter): Fetches that ran out of attempts
//
// Queue Metrics (pkg/queue):
//   - harvest_queue_depth (Gauge): Batches waiting in the queue
//   - harvest_queue_push_blocked_seconds (Histogram): Time producers blocked on a full queue
//
// Pipeline Metrics (pkg/pipeline):
//   - harvest_pages_total{term} (Counter): Pages fetched by term
//   - harvest_records_accepted_total (Counter): New unique records
//   - harvest_records_rejected_total{reason} (Counter): Records dropped (invalid, duplicate, late)
//   - harvest_unique_records (Gauge): Unique records in the current run
//   - harvest_sources_finished_total{state} (Counter): Finished sources by final state
//   - harvest_runs_total{outcome} (Counter): Runs by outcome
//   - harvest_shutdowns_forced_total (Counter): Runs whose sinks outlived the shutdown grace
//
// Output Metrics (pkg/output):
//   - harvest_output_records_total{writer} (Counter): Records written by writer
//
// Example Prometheus Queries:
//
//   # Duplicate Ratio
//   rate(harvest_records_rejected_total{reason="duplicate"}[5m]) /
//   rate(harvest_records_accepted_total[5m])
//
//   # Rate Limit Pressure
//   rate(harvest_cooldowns_total[15m])
//
//   # Progress Toward Target
//   harvest_unique_records
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(harvest_request_duration_seconds_bucket[5m]))
