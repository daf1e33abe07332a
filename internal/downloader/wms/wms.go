// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

// Package wms implements the Geonorge WMS coalescing downloader: it widens
// every tile request to the N×N block that contains it, downloads each
// layer for the whole block in one WMS GetMap request, composites the
// layers, slices the block back into individual tiles, and caches both the
// per-layer blocks and the per-tile composites. Concurrent requests that
// land in the same block share one download via a namespace lock.
package wms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/cyberang3l/slippy-tile-proxy-server/internal/compositor"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/config"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/downloader"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/logging"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/metrics"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/nslock"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/tilecoord"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/tilestore"
)

const geonorgeWMSBaseURL = "https://wms.geonorge.no/skwms1/"

const maxOveruseRetries = 10

// Downloader implements downloader.Downloader for Geonorge WMS maps.
type Downloader struct {
	store                  *tilestore.TileStore
	blockLocks             *nslock.NamespaceLock
	tileSets               config.MainConfig
	client                 *http.Client
	concurrentLargeFetches int
	breakers               map[string]*gobreaker.CircuitBreaker[[]byte]
}

// New builds a WMS coalescing Downloader. concurrentLargeFetches is the
// admission gate's ceiling on simultaneously in-flight block downloads
// (CONCURRENT_GEONORGE_LARGE_TILE_DOWNLOADS, default 1).
func New(store *tilestore.TileStore, blockLocks *nslock.NamespaceLock, tileSets config.MainConfig, concurrentLargeFetches int, timeout time.Duration) *Downloader {
	if concurrentLargeFetches < 1 {
		concurrentLargeFetches = 1
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Downloader{
		store:                  store,
		blockLocks:             blockLocks,
		tileSets:               tileSets,
		concurrentLargeFetches: concurrentLargeFetches,
		client:                 &http.Client{Timeout: timeout},
		breakers:               make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
}

func (d *Downloader) breakerFor(dataset string) *gobreaker.CircuitBreaker[[]byte] {
	if cb, ok := d.breakers[dataset]; ok {
		return cb
	}
	metrics.CircuitBreakerState.WithLabelValues(dataset).Set(0)
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        dataset,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("dataset", name).Str("from", from.String()).Str("to", to.String()).
				Msg("WMS circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	d.breakers[dataset] = cb
	return cb
}

// DownloadTile serves tile (z,x,y) of mapID, coalescing concurrent requests
// for the same block into a single upstream fetch.
func (d *Downloader) DownloadTile(ctx context.Context, mapID string, z, x, y uint) ([]byte, string, error) {
	tileSet, ok := d.tileSets[mapID]
	if !ok {
		return nil, "", &downloader.ConfigError{Msg: fmt.Sprintf("unknown map %q", mapID)}
	}
	if err := (tilecoord.Tile{Z: z, X: x, Y: y}).Validate(); err != nil {
		return nil, "", &downloader.ConfigError{Msg: err.Error()}
	}

	layerNames, err := layerNamesOf(tileSet)
	if err != nil {
		return nil, "", err
	}

	compositePath := d.store.WMSCompositePath(mapID, layerNames, z, x, y)
	compositeTimeout := minTileCacheTimeout(tileSet)

	if data, ok, err := d.store.Get(compositePath, compositeTimeout, tilestore.StoreComposite); err == nil && ok {
		return data, "image/png", nil
	}

	dpi, sizePx, err := uniformDPIAndSize(tileSet)
	if err != nil {
		return nil, "", err
	}
	block := tilecoord.BlockFor(z, x, y, sizePx)
	// The .largeLock suffix marks this as a block-level admission-gate key,
	// distinct in spelling (though not in registry) from any other key a
	// future caller might acquire on the same NamespaceLock instance.
	blockKey := fmt.Sprintf("%s/%d/%d/%d/%dx%d.largeLock", mapID, z, block.X0, block.Y0, block.N, sizePx)

	release := d.admit(ctx, blockKey)
	defer release()
	metrics.ActiveBlockLocks.Inc()
	defer metrics.ActiveBlockLocks.Dec()

	// Re-check now that we hold the block lock: the request that won the
	// race to acquire it already populated the cache for us.
	if data, ok, err := d.store.Get(compositePath, compositeTimeout, tilestore.StoreComposite); err == nil && ok {
		return data, "image/png", nil
	}

	layers := make([]image.Image, len(tileSet.TileServers))
	for i, layerConf := range tileSet.TileServers {
		img, err := d.fetchLayerBlock(ctx, layerConf, block, dpi, sizePx)
		if err != nil {
			return nil, "", err
		}
		layers[i] = img
	}

	composed, err := compositor.Compose(layers)
	if err != nil {
		return nil, "", err
	}

	tile, err := d.sliceAndCacheBlock(composed, block, mapID, layerNames, sizePx, x, y)
	if err != nil {
		return nil, "", err
	}

	data, err := compositor.Encode(tile, compositor.FormatPNG, "")
	if err != nil {
		return nil, "", err
	}
	return data, "image/png", nil
}

// admit waits, polling every 100ms, while more block keys are active in the
// registry than concurrentLargeFetches and the caller's key is not among the
// top concurrentLargeFetches of them by refcount (or until ctx is done), then
// acquires the block lock — the same priority-by-refcount admission gate the
// original downloader used to avoid downloading more than a handful of huge
// WMS extents at once.
func (d *Downloader) admit(ctx context.Context, blockKey string) func() {
	start := time.Now()
	for {
		active := activeBlockKeys(d.blockLocks)
		if len(active) <= d.concurrentLargeFetches || inTopN(active, blockKey, d.concurrentLargeFetches) {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(100 * time.Millisecond):
		}
		if ctx.Err() != nil {
			break
		}
	}
	metrics.AdmissionQueueWait.Observe(time.Since(start).Seconds())
	return d.blockLocks.Acquire(blockKey)
}

func activeBlockKeys(locks *nslock.NamespaceLock) []string {
	entries := locks.Snapshot(true)
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

func inTopN(sorted []string, key string, n int) bool {
	if n > len(sorted) {
		n = len(sorted)
	}
	for _, k := range sorted[:n] {
		if k == key {
			return true
		}
	}
	return false
}

func layerNamesOf(tileSet config.TileSetConfig) ([]string, error) {
	names := make([]string, len(tileSet.TileServers))
	for i, ts := range tileSet.TileServers {
		if ts.UrlStrategy.Kind != config.StrategyGeonorgeWMS {
			return nil, &downloader.ConfigError{Msg: fmt.Sprintf("layer %d is not a geonorge_wms layer", i)}
		}
		names[i] = ts.UrlStrategy.Geonorge.LayerName
	}
	return names, nil
}

func minTileCacheTimeout(tileSet config.TileSetConfig) time.Duration {
	min := -1
	for _, ts := range tileSet.TileServers {
		if !ts.EnableTileCache {
			continue
		}
		if min == -1 || ts.TileCacheTimeoutSec < min {
			min = ts.TileCacheTimeoutSec
		}
	}
	if min <= 0 {
		return 0
	}
	return time.Duration(min) * time.Second
}

// uniformDPIAndSize validates that every layer in the map shares the same
// dpi/sizePx, a hard requirement for slicing one composited block into
// tiles: a mismatch is a configuration mistake, not a transient failure.
func uniformDPIAndSize(tileSet config.TileSetConfig) (dpi, sizePx int, err error) {
	for i, ts := range tileSet.TileServers {
		g := ts.UrlStrategy.Geonorge
		if i == 0 {
			dpi, sizePx = g.DPI, g.SizePx
			continue
		}
		if g.DPI != dpi || g.SizePx != sizePx {
			return 0, 0, &downloader.ConfigError{Msg: fmt.Sprintf(
				"layer %q has dpi/sizePx (%d/%d) different from preceding layers (%d/%d)",
				g.LayerName, g.DPI, g.SizePx, dpi, sizePx)}
		}
	}
	return dpi, sizePx, nil
}

// fetchLayerBlock returns the block image for one layer,
// cache-first, downloading the whole N×N block from Geonorge on a miss.
func (d *Downloader) fetchLayerBlock(ctx context.Context, layerConf config.TileServerConfig, block tilecoord.Block, dpi, sizePx int) (image.Image, error) {
	g := layerConf.UrlStrategy.Geonorge
	path := d.store.WMSLayerPath(g.Dataset, g.LayerName, block.Z, block.X0, block.Y0, block.N, sizePx, dpi, block.WidthPx, block.HeightPx)

	if layerConf.EnableTileCache {
		timeout := time.Duration(layerConf.TileCacheTimeoutSec) * time.Second
		if data, ok, err := d.store.Get(path, timeout, tilestore.StoreLayer); err == nil && ok {
			img, _, decodeErr := image.Decode(bytes.NewReader(data))
			if decodeErr == nil {
				return img, nil
			}
			logging.Warn().Str("path", path).Err(decodeErr).Msg("cached WMS layer block failed to decode; re-fetching")
		}
	}

	reqURL := d.buildGetMapURL(g.Dataset, g.LayerName, block, dpi)
	data, err := d.downloadWithOveruseRetry(ctx, g.Dataset, reqURL)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &downloader.DecodeError{Path: reqURL, Err: err}
	}

	if layerConf.EnableTileCache {
		if err := d.store.Put(path, data); err != nil {
			logging.Warn().Str("path", path).Err(err).Msg("failed to cache WMS layer block")
		}
	}

	return img, nil
}

func (d *Downloader) buildGetMapURL(dataset, layer string, block tilecoord.Block, dpi int) string {
	bbox := tilecoord.BlockMercatorBBox(block)
	v := url.Values{
		"SERVICE":        {"WMS"},
		"VERSION":        {"1.3.0"},
		"REQUEST":        {"GetMap"},
		"BBOX":           {fmt.Sprintf("%f,%f,%f,%f", bbox.South, bbox.West, bbox.North, bbox.East)},
		"CRS":            {"EPSG:3857"},
		"WIDTH":          {strconv.Itoa(block.WidthPx)},
		"HEIGHT":         {strconv.Itoa(block.HeightPx)},
		"LAYERS":         {layer},
		"FORMAT":         {"image/png"},
		"DPI":            {strconv.Itoa(dpi)},
		"MAP_RESOLUTION": {strconv.Itoa(dpi)},
		"STYLE":          {"default"},
		"TRANSPARENT":    {"true"},
	}
	return geonorgeWMSBaseURL + dataset + "?" + v.Encode()
}

// errOveruseRetryBudgetExceeded marks the point where the overuse-retry loop
// gives up after maxOveruseRetries attempts.
var errOveruseRetryBudgetExceeded = errors.New("exceeded overuse retry budget")

// downloadWithOveruseRetry fetches reqURL, retrying up to maxOveruseRetries
// times on a 1-second constant backoff whenever Geonorge's throttling
// protocol returns a 200 response whose body (ISO-8859-1 encoded) contains
// "Overforbruk" instead of image data. Any other non-decodable response is
// not retried: it is returned as is, and the caller's decode turns it into a
// DecodeError.
func (d *Downloader) downloadWithOveruseRetry(ctx context.Context, dataset, reqURL string) ([]byte, error) {
	bo := backoff.WithContext(backoff.NewConstantBackOff(time.Second), ctx)
	attempt := 0

	var data []byte
	op := func() error {
		attempt++
		if attempt > maxOveruseRetries {
			return backoff.Permanent(errOveruseRetryBudgetExceeded)
		}
		raw, err := d.fetchOnce(ctx, dataset, reqURL)
		if err != nil {
			return backoff.Permanent(err)
		}
		if isOveruseResponse(raw) {
			metrics.OveruseRetries.Inc()
			logging.Warn().Str("url", reqURL).Int("attempt", attempt).Msg("geonorge overuse throttling detected; retrying")
			return fmt.Errorf("geonorge overuse throttling")
		}
		data = raw
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, errOveruseRetryBudgetExceeded) {
			return nil, &downloader.FatalRetryExhaustion{Op: "geonorge overuse", Attempts: attempt, Err: err}
		}
		var upstreamErr *downloader.UpstreamError
		if errors.As(err, &upstreamErr) {
			return nil, err
		}
		return nil, &downloader.FatalRetryExhaustion{Op: "geonorge overuse", Attempts: attempt, Err: err}
	}
	return data, nil
}

func (d *Downloader) fetchOnce(ctx context.Context, dataset, reqURL string) ([]byte, error) {
	cb := d.breakerFor(dataset)
	data, err := cb.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build WMS request: %w", err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, &downloader.UpstreamError{Server: dataset, Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, &downloader.UpstreamError{Server: dataset, Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &downloader.UpstreamError{Server: dataset, Err: err}
		}
		return data, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &downloader.UpstreamError{Server: dataset, Err: err}
	}
	return data, err
}

// isOveruseResponse reports whether a 200-status body is Geonorge's
// ISO-8859-1-encoded throttling message rather than image data.
func isOveruseResponse(data []byte) bool {
	if _, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return false
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return false
	}
	return bytes.Contains(decoded, []byte("Overforbruk"))
}

// sliceAndCacheBlock crops every tile in block out of the composited image,
// caches each one, and returns the specific tile (requestedX,requestedY) the
// caller asked for.
func (d *Downloader) sliceAndCacheBlock(composed image.Image, block tilecoord.Block, mapID string, layerNames []string, sizePx int, requestedX, requestedY uint) (image.Image, error) {
	type cropper interface {
		SubImage(r image.Rectangle) image.Image
	}
	sub, ok := composed.(cropper)
	if !ok {
		return nil, fmt.Errorf("composited block image does not support cropping (%T)", composed)
	}

	var requested image.Image
	for yi := uint(0); yi < block.N; yi++ {
		for xi := uint(0); xi < block.N; xi++ {
			x := block.X0 + xi
			y := block.Y0 + yi
			rect := image.Rect(int(xi)*sizePx, int(yi)*sizePx, int(xi+1)*sizePx, int(yi+1)*sizePx)
			tile := sub.SubImage(rect)

			path := d.store.WMSCompositePath(mapID, layerNames, block.Z, x, y)
			data, err := compositor.Encode(tile, compositor.FormatPNG, "")
			if err != nil {
				return nil, err
			}
			if err := d.store.Put(path, data); err != nil {
				logging.Warn().Str("path", path).Err(err).Msg("failed to cache sliced composite tile")
			}
			if x == requestedX && y == requestedY {
				requested = tile
			}
		}
	}
	return requested, nil
}
