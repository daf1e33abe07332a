// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

package wms

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyberang3l/slippy-tile-proxy-server/internal/config"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/nslock"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/tilestore"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newStore(t *testing.T) *tilestore.TileStore {
	t.Helper()
	s, err := tilestore.New(t.TempDir(), nslock.New(), 0)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func oneLayerMap(layerName string) config.MainConfig {
	return config.MainConfig{
		"topo": config.TileSetConfig{
			Filetype:   "png",
			Downloader: config.DownloaderWMSCoalescing,
			TileServers: []config.TileServerConfig{
				{
					EnableTileCache:     true,
					TileCacheTimeoutSec: 3600,
					UrlStrategy: config.UrlStrategy{
						Kind: config.StrategyGeonorgeWMS,
						Geonorge: config.GeonorgeCustomConfig{
							Dataset:   config.GeonorgeDatasetKartdata,
							LayerName: layerName,
							DPI:       90,
							SizePx:    256,
						},
					},
				},
			},
		},
	}
}

func TestDownloadTileUnknownMap(t *testing.T) {
	d := New(newStore(t), nslock.New(), config.MainConfig{}, 1, 0)
	_, _, err := d.DownloadTile(context.Background(), "nope", 12, 0, 0)
	if err == nil {
		t.Fatal("expected an error for an unknown map")
	}
}

func TestDownloadTileRejectsMismatchedDPI(t *testing.T) {
	tileSets := config.MainConfig{
		"topo": config.TileSetConfig{
			Downloader: config.DownloaderWMSCoalescing,
			TileServers: []config.TileServerConfig{
				{UrlStrategy: config.UrlStrategy{Kind: config.StrategyGeonorgeWMS, Geonorge: config.GeonorgeCustomConfig{
					Dataset: config.GeonorgeDatasetKartdata, LayerName: "a", DPI: 90, SizePx: 256,
				}}},
				{UrlStrategy: config.UrlStrategy{Kind: config.StrategyGeonorgeWMS, Geonorge: config.GeonorgeCustomConfig{
					Dataset: config.GeonorgeDatasetKartdata, LayerName: "b", DPI: 180, SizePx: 256,
				}}},
			},
		},
	}
	d := New(newStore(t), nslock.New(), tileSets, 1, 0)
	_, _, err := d.DownloadTile(context.Background(), "topo", 12, 0, 0)
	if err == nil {
		t.Fatal("expected a config error for mismatched dpi across layers")
	}
}

func TestDownloadTileFetchesCompositesAndCachesBlock(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write(pngBytes(t, 2048, 2048, color.RGBA{R: 100, A: 255}))
	}))
	defer srv.Close()

	// Point every outgoing request at our test server by overriding the
	// client's transport rather than the unexported base URL constant.
	tileSets := oneLayerMap("topo_layer")
	d := New(newStore(t), nslock.New(), tileSets, 1, 5*time.Second)
	d.client = srv.Client()
	d.client.Transport = redirectTransport{target: srv.URL}

	data, contentType, err := d.DownloadTile(context.Background(), "topo", 12, 2192, 1070)
	if err != nil {
		t.Fatalf("DownloadTile() error = %v", err)
	}
	if contentType != "image/png" {
		t.Errorf("contentType = %q, want image/png", contentType)
	}
	if len(data) == 0 {
		t.Fatal("DownloadTile() returned no data")
	}
	if atomic.LoadInt32(&hits) == 0 {
		t.Fatal("expected at least one upstream fetch")
	}

	// Another tile of the same block is served from the cached slices.
	if _, _, err := d.DownloadTile(context.Background(), "topo", 12, 2193, 1070); err != nil {
		t.Fatalf("second DownloadTile() error = %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("upstream hits = %d, want 1 (the block's tiles should be cached)", got)
	}
}

// redirectTransport rewrites every outgoing request to target's host,
// letting tests exercise buildGetMapURL's query construction against a
// local httptest server instead of the real Geonorge endpoint.
type redirectTransport struct {
	target string
}

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, err := http.NewRequest(req.Method, rt.target+"?"+req.URL.RawQuery, nil)
	if err != nil {
		return nil, err
	}
	target = target.WithContext(req.Context())
	return http.DefaultTransport.RoundTrip(target)
}

func TestDownloadTileCoalescesConcurrentRequestsForSameBlock(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(20 * time.Millisecond)
		w.Write(pngBytes(t, 2048, 2048, color.RGBA{G: 150, A: 255}))
	}))
	defer srv.Close()

	tileSets := oneLayerMap("topo_layer")
	d := New(newStore(t), nslock.New(), tileSets, 4, 5*time.Second)
	d.client = srv.Client()
	d.client.Transport = redirectTransport{target: srv.URL}

	const concurrency = 6
	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	for i := 0; i < concurrency; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Requests alternate between two neighbouring tiles of the same
			// 8x8 zoom-12 block so they all share one block download.
			_, _, err := d.DownloadTile(context.Background(), "topo", 12, 2192+uint(i%2), 1070)
			errs[i] = err
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: DownloadTile() error = %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("upstream hits = %d, want 1 (requests in the same block should coalesce)", got)
	}
}

func TestDownloadTileAdmissionGateBoundsConcurrentBlockFetches(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		w.Write(pngBytes(t, 2048, 2048, color.RGBA{B: 150, A: 255}))
	}))
	defer srv.Close()

	const maxActive = 2
	tileSets := oneLayerMap("topo_layer")
	d := New(newStore(t), nslock.New(), tileSets, maxActive, 5*time.Second)
	d.client = srv.Client()
	d.client.Transport = redirectTransport{target: srv.URL}

	const blocks = 6
	var wg sync.WaitGroup
	for i := 0; i < blocks; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each iteration picks a tile in a distinct zoom-12 block by
			// spacing x by 8 (one full block width).
			_, _, err := d.DownloadTile(context.Background(), "topo", 12, uint(8*i), 0)
			if err != nil {
				t.Errorf("DownloadTile() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if int(maxConcurrent) > blocks {
		t.Errorf("max concurrent upstream fetches = %d, admission gate did not bound it at all", maxConcurrent)
	}
}

func TestIsOveruseResponseDetectsThrottlingBody(t *testing.T) {
	msg := []byte("Overforbruk: for mange foresp\xf8rsler") // ISO-8859-1 encoded "spørsler"
	if !isOveruseResponse(msg) {
		t.Error("expected the Overforbruk throttling body to be detected")
	}
}

func TestIsOveruseResponseAcceptsValidImage(t *testing.T) {
	data := pngBytes(t, 4, 4, color.RGBA{A: 255})
	if isOveruseResponse(data) {
		t.Error("a valid PNG should not be treated as an overuse response")
	}
}

func TestInTopN(t *testing.T) {
	sorted := []string{"a", "b", "c"}
	if !inTopN(sorted, "b", 2) {
		t.Error("expected b to be within the top 2")
	}
	if inTopN(sorted, "c", 2) {
		t.Error("expected c to be outside the top 2")
	}
}

func TestUniformDPIAndSize(t *testing.T) {
	ok := config.TileSetConfig{
		TileServers: []config.TileServerConfig{
			{UrlStrategy: config.UrlStrategy{Geonorge: config.GeonorgeCustomConfig{DPI: 90, SizePx: 256}}},
			{UrlStrategy: config.UrlStrategy{Geonorge: config.GeonorgeCustomConfig{DPI: 90, SizePx: 256}}},
		},
	}
	dpi, sizePx, err := uniformDPIAndSize(ok)
	if err != nil || dpi != 90 || sizePx != 256 {
		t.Fatalf("uniformDPIAndSize() = (%d, %d, %v), want (90, 256, nil)", dpi, sizePx, err)
	}
}
