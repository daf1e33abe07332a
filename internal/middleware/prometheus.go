// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cyberang3l/slippy-tile-proxy-server/internal/metrics"
)

// PrometheusMetrics records request count/latency/status for every request
// it wraps.
func PrometheusMetrics(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.TrackActiveRequest(true)
		defer metrics.TrackActiveRequest(false)

		start := time.Now()
		wrapped := &statusCapturingWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(wrapped, r)

		metrics.RecordRequest(r.Method, r.URL.Path, strconv.Itoa(wrapped.statusCode), time.Since(start))
	}
}

type statusCapturingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
