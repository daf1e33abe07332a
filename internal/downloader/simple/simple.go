// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

// Package simple implements the per-layer fetch-or-cache downloader: each
// configured layer is either served from the tile cache or downloaded
// directly in the tile's own z/x/y, with a bounded worker pool and per-host
// rate limiting, then composited into the final tile.
package simple

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyberang3l/slippy-tile-proxy-server/internal/compositor"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/config"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/downloader"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/logging"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/metrics"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/tilecoord"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/tilestore"
)

// rateLimiterRegistry hands out one token-bucket limiter per upstream host,
// created lazily on first use.
type rateLimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newRateLimiterRegistry(rps float64, burst int) *rateLimiterRegistry {
	return &rateLimiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (r *rateLimiterRegistry) forHost(host string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[host]
	if !ok {
		l = rate.NewLimiter(r.rps, r.burst)
		r.limiters[host] = l
	}
	return l
}

// Downloader implements downloader.Downloader by fetching each configured
// layer (cache-first) and compositing them.
type Downloader struct {
	store    *tilestore.TileStore
	client   *http.Client
	tileSets config.MainConfig
	workers  int
	limiters *rateLimiterRegistry
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithWorkers overrides the default worker pool size (16, matching the
// original proxy's MultithreadedDownloadProvider default).
func WithWorkers(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithPerHostRateLimit overrides the default per-host rate limit.
func WithPerHostRateLimit(rps float64, burst int) Option {
	return func(d *Downloader) {
		d.limiters = newRateLimiterRegistry(rps, burst)
	}
}

// New builds a Downloader. timeout bounds each individual layer fetch
// (default 3s, matching the original proxy).
func New(store *tilestore.TileStore, tileSets config.MainConfig, timeout time.Duration, opts ...Option) *Downloader {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := &Downloader{
		store:    store,
		tileSets: tileSets,
		workers:  16,
		limiters: newRateLimiterRegistry(10, 20),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type layerResult struct {
	idx    int
	image  image.Image
	format string
	err    error
}

// DownloadTile fetches (cache-first) every layer configured for mapID and
// composites them, skipping the network entirely for layers still warm in
// the tile cache.
func (d *Downloader) DownloadTile(ctx context.Context, mapID string, z, x, y uint) ([]byte, string, error) {
	tileSet, ok := d.tileSets[mapID]
	if !ok {
		return nil, "", &downloader.ConfigError{Msg: fmt.Sprintf("unknown map %q", mapID)}
	}

	layers := make([]image.Image, len(tileSet.TileServers))
	formats := make([]string, len(tileSet.TileServers))
	var wg sync.WaitGroup
	results := make(chan layerResult, len(tileSet.TileServers))
	sem := make(chan struct{}, d.workers)

	for idx, layerConf := range tileSet.TileServers {
		idx, layerConf := idx, layerConf
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			img, format, err := d.fetchLayer(ctx, mapID, layerConf, z, x, y)
			results <- layerResult{idx: idx, image: img, format: format, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		layers[r.idx] = r.image
		formats[r.idx] = r.format
	}
	// A single failed layer fails the whole tile: partial composites would
	// be misleading about what the map actually contains.
	if firstErr != nil {
		return nil, "", firstErr
	}

	composed, err := compositor.Compose(layers)
	if err != nil {
		return nil, "", err
	}

	format := compositor.Format(tileSet.Filetype)
	data, err := compositor.Encode(composed, format, formats[0])
	if err != nil {
		return nil, "", err
	}

	contentType := "image/png"
	if compositor.ResolveFormat(format, formats[0]) == compositor.FormatJPEG {
		contentType = "image/jpeg"
	}
	return data, contentType, nil
}

// fetchLayer returns the layer's image along with the format image.Decode
// reported for it (e.g. "png", "jpeg"), so the caller can honor
// compositor.FormatAuto for the base layer.
func (d *Downloader) fetchLayer(ctx context.Context, mapID string, layerConf config.TileServerConfig, z, x, y uint) (image.Image, string, error) {
	if len(layerConf.Servers) == 0 {
		return nil, "", &downloader.ConfigError{Msg: "layer has no servers configured"}
	}

	var cachePath string
	if layerConf.EnableTileCache {
		cachePath = d.store.SimpleLayerPath(mapID, layerConf.Servers[0], layerConf.URLFmt, z, x, y)
		timeout := time.Duration(layerConf.TileCacheTimeoutSec) * time.Second
		if data, ok, err := d.store.Get(cachePath, timeout, tilestore.StoreLayer); err == nil && ok {
			img, format, decodeErr := image.Decode(bytes.NewReader(data))
			if decodeErr == nil {
				return img, format, nil
			}
			logging.Warn().Str("path", cachePath).Err(decodeErr).Msg("cached layer failed to decode; re-fetching")
		}
	}

	url, err := d.buildURL(layerConf, z, x, y)
	if err != nil {
		return nil, "", err
	}

	start := time.Now()
	data, err := d.fetch(ctx, url, layerConf.Headers)
	metrics.DownloadDuration.WithLabelValues("simple").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DownloadErrors.WithLabelValues("simple", "upstream").Inc()
		return nil, "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		metrics.DownloadErrors.WithLabelValues("simple", "decode").Inc()
		return nil, "", &downloader.DecodeError{Path: url, Err: err}
	}

	if layerConf.EnableTileCache {
		if err := d.store.Put(cachePath, data); err != nil {
			logging.Warn().Str("path", cachePath).Err(err).Msg("failed to cache downloaded layer")
		}
	}

	return img, format, nil
}

// buildURL constructs the upstream request URL per the layer's UrlStrategy.
// Every variant is a fixed, closed code path — no dynamic code execution.
func (d *Downloader) buildURL(layerConf config.TileServerConfig, z, x, y uint) (string, error) {
	server := layerConf.Servers[rand.Intn(len(layerConf.Servers))]

	switch layerConf.UrlStrategy.Kind {
	case config.StrategySlippyTemplate, "":
		path := expandSlippyTemplate(layerConf.URLFmt, z, x, y)
		return fmt.Sprintf("%s://%s/%s", layerConf.Protocol, server, path), nil
	case config.StrategyArcgisExport:
		bbox := tilecoord.TileBoundsWGS84(z, x, y)
		v := url.Values{
			"f":           {"image"},
			"format":      {"png32"},
			"transparent": {"true"},
			"bbox":        {fmt.Sprintf("%f,%f,%f,%f", bbox.West, bbox.South, bbox.East, bbox.North)},
			"bboxSR":      {"4326"},
			"imageSR":     {"3857"},
			"size":        {"256,256"},
		}
		return fmt.Sprintf("%s://%s/%s?%s", layerConf.Protocol, server, layerConf.URLFmt, v.Encode()), nil
	default:
		return "", &downloader.ConfigError{Msg: fmt.Sprintf("unsupported url strategy %q for simple downloader", layerConf.UrlStrategy.Kind)}
	}
}

func expandSlippyTemplate(urlFmt string, z, x, y uint) string {
	r := strings.NewReplacer(
		"{z}", fmt.Sprint(z),
		"{x}", fmt.Sprint(x),
		"{y}", fmt.Sprint(y),
	)
	return r.Replace(urlFmt)
}

func (d *Downloader) fetch(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	limiter := d.limiters.forHost(req.URL.Host)
	if err := limiter.Wait(ctx); err != nil {
		return nil, &downloader.UpstreamError{Server: req.URL.Host, Err: err}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &downloader.UpstreamError{Server: req.URL.Host, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &downloader.UpstreamError{Server: req.URL.Host, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &downloader.UpstreamError{Server: req.URL.Host, Err: err}
	}
	return data, nil
}
