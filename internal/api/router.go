// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

// Package api wires the tile proxy's HTTP surface: the slippy-map tile
// route, a handful of introspection endpoints, and the shared middleware
// stack, using Chi (ADR-style routing, mirroring the teacher's router
// shape) rather than a bare http.ServeMux.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyberang3l/slippy-tile-proxy-server/internal/config"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/downloader"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/logging"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/middleware"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/nslock"
)

// Router builds the tile proxy's HTTP handler.
type Router struct {
	downloaders map[string]downloader.Downloader
	runtime     config.RuntimeConfig
	blockLocks  *nslock.NamespaceLock
}

// New returns a Router dispatching tile requests to the downloader
// registered for each map ID. blockLocks is the WMS coalescing downloader's
// namespace lock registry, introspected by /locks and /locks-sorted; it may
// be nil if no map uses the WMS downloader.
func New(downloaders map[string]downloader.Downloader, runtime config.RuntimeConfig, blockLocks *nslock.NamespaceLock) *Router {
	return &Router{downloaders: downloaders, runtime: runtime, blockLocks: blockLocks}
}

// chiMiddleware adapts our http.HandlerFunc-based middleware to Chi's
// func(http.Handler) http.Handler convention.
func chiMiddleware(mw func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw(next.ServeHTTP)
	}
}

// Handler assembles the full router: middleware stack, tile route, and
// introspection endpoints.
func (router *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware(middleware.RequestID))
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.StripSlashes)
	r.Use(chiMiddleware(middleware.PrometheusMetrics))
	r.Use(chiMiddleware(middleware.Compression))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Use(httprate.LimitByIP(200, time.Minute))

	r.Get("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/healthz", router.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/locks", router.handleLocks(false))
	r.Get("/locks-sorted", router.handleLocks(true))
	r.Get("/settings", router.handleSettings)

	r.Get("/{mapID}/{z}/{x}/{y}", router.handleTile)

	return r
}

func (router *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (router *Router) handleSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "CONCURRENT_GEONORGE_LARGE_TILE_DOWNLOADS=%d\n", router.runtime.ConcurrentGeonorgeLargeTileDownloads)
}

func (router *Router) handleLocks(sortedByRefcount bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if router.blockLocks == nil {
			return
		}
		entries := router.blockLocks.Snapshot(sortedByRefcount)
		for _, e := range entries {
			fmt.Fprintf(w, "%s (refcount %d)\n", e.Key, e.Refcount)
		}
	}
}

// handleTile parses /mapID/z/x/y (trailing slash tolerant), dispatches to
// the downloader registered for mapID, and writes the encoded tile. Error
// taxonomy mirrors the original proxy's do_GET: a broken client pipe is
// logged and dropped silently, a config mistake (unknown map, malformed
// path) is a 400/404, and everything else — upstream failure, retry
// exhaustion — is a 408, matching the original's blanket send_error(408).
func (router *Router) handleTile(w http.ResponseWriter, r *http.Request) {
	mapID := chi.URLParam(r, "mapID")
	d, ok := router.downloaders[mapID]
	if !ok {
		http.Error(w, fmt.Sprintf("no map %q found in the tile proxy configuration", mapID), http.StatusNotFound)
		return
	}

	z, zErr := parseUint(chi.URLParam(r, "z"))
	x, xErr := parseUint(chi.URLParam(r, "x"))
	y, yErr := parseUint(chi.URLParam(r, "y"))
	if zErr != nil || xErr != nil || yErr != nil {
		http.Error(w, "expecting GET request in the form 'mapId/z/x/y'", http.StatusBadRequest)
		return
	}

	data, contentType, err := d.DownloadTile(r.Context(), mapID, z, x, y)
	if err != nil {
		router.writeError(w, r, mapID, z, x, y, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Str("map_id", mapID).Msg("client disconnected before tile could be written")
	}
}

func (router *Router) writeError(w http.ResponseWriter, r *http.Request, mapID string, z, x, y uint, err error) {
	logging.Err(err).
		Str("map_id", mapID).
		Str("request_id", middleware.GetRequestID(r.Context())).
		Uint("z", z).Uint("x", x).Uint("y", y).
		Msg("tile request failed")

	var configErr *downloader.ConfigError
	if errors.As(err, &configErr) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var brokenPipe *downloader.BrokenPipe
	if errors.As(err, &brokenPipe) {
		// The client is gone; nothing to write a status for.
		return
	}
	// Upstream failures and retry exhaustion: the original proxy answers
	// every other failure with a blanket 408, so we keep that contract.
	http.Error(w, err.Error(), http.StatusRequestTimeout)
}

func parseUint(s string) (uint, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}
