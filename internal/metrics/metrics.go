// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

// Package metrics exposes Prometheus collectors for the tile proxy's
// download and caching core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TileCacheHits counts composite/layer cache hits, labeled by store.
	TileCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_cache_hits_total",
			Help: "Total number of tile cache hits.",
		},
		[]string{"store"}, // "composite" | "layer"
	)

	// TileCacheMisses counts cache misses, labeled by store.
	TileCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_cache_misses_total",
			Help: "Total number of tile cache misses.",
		},
		[]string{"store"},
	)

	// TileCacheCorruption counts zero-byte or undecodable cache entries
	// treated as misses.
	TileCacheCorruption = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_cache_corruption_total",
			Help: "Total number of cache entries discarded as corrupt.",
		},
		[]string{"store"},
	)

	// DownloadDuration tracks upstream fetch latency per downloader kind.
	DownloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileproxy_download_duration_seconds",
			Help:    "Duration of upstream tile/layer downloads in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"downloader"}, // "simple" | "wms"
	)

	// DownloadErrors counts failed upstream fetches by error class.
	DownloadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileproxy_download_errors_total",
			Help: "Total number of failed upstream downloads.",
		},
		[]string{"downloader", "error_class"},
	)

	// ActiveBlockLocks reports the number of WMS block namespace locks
	// currently held, incremented once a request holds its block lock and
	// decremented when it releases it.
	ActiveBlockLocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileproxy_wms_active_block_locks",
			Help: "Number of WMS block locks currently held.",
		},
	)

	// AdmissionQueueWait tracks how long a request waits at the WMS
	// admission gate before acquiring its block lock.
	AdmissionQueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tileproxy_wms_admission_wait_seconds",
			Help:    "Time spent waiting at the WMS admission gate.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// OveruseRetries counts "Overforbruk" overuse-protocol retries.
	OveruseRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tileproxy_wms_overuse_retries_total",
			Help: "Total number of WMS overuse-protocol retries.",
		},
	)

	// CircuitBreakerState reports the current gobreaker state (0=closed,
	// 1=half-open, 2=open) per WMS dataset.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileproxy_wms_circuit_breaker_state",
			Help: "Current circuit breaker state per WMS dataset (0=closed,1=half-open,2=open).",
		},
		[]string{"dataset"},
	)

	// ActiveRequests tracks in-flight HTTP requests.
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileproxy_http_active_requests",
			Help: "Number of HTTP requests currently being served.",
		},
	)

	// RequestDuration tracks per-route HTTP latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileproxy_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// TrackActiveRequest increments or decrements the in-flight request gauge.
func TrackActiveRequest(start bool) {
	if start {
		ActiveRequests.Inc()
		return
	}
	ActiveRequests.Dec()
}

// RecordRequest records the outcome of one HTTP request.
func RecordRequest(method, path, status string, d time.Duration) {
	RequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}
