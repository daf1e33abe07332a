// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

// Package tilestore implements the on-disk, two-level tile cache: per-layer
// raw downloads and per-map composited tiles, guarded against concurrent
// readers and writers by a namespace lock. Simple-layer and composite paths
// include a blake2b hash of their defining parameters; WMS layer-block paths
// are spelled out from dataset, layer and block geometry.
package tilestore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/cyberang3l/slippy-tile-proxy-server/internal/filelock"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/logging"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/metrics"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/nslock"
)

// TileStore is a directory tree of cached tile bytes, with mtime-based
// expiry and zero-byte-is-corrupt semantics. All reads and writes of a given
// path are serialized intra-process through the shared NamespaceLock, then
// cross-process through a FileLock on the path so that a writer in another
// proxy instance finishing a partial file is never observed mid-write.
type TileStore struct {
	baseDir              string
	locks                *nslock.NamespaceLock
	fileLockWarnAfterSec int
}

// New returns a TileStore rooted at baseDir, creating it if necessary.
// fileLockWarnAfterSec is forwarded to every per-path FileLock (<= 0
// disables the stuck-lock warning).
func New(baseDir string, locks *nslock.NamespaceLock, fileLockWarnAfterSec int) (*TileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tile cache dir %s: %w", baseDir, err)
	}
	return &TileStore{baseDir: baseDir, locks: locks, fileLockWarnAfterSec: fileLockWarnAfterSec}, nil
}

// lockPath returns the FileLock path guarding cross-process access to path.
func (s *TileStore) lockPath(path string) string {
	return path + ".lock"
}

// hash8 computes an 8-byte (64-bit) BLAKE2b digest, matching the original
// proxy's hashlib.blake2b(digest_size=8) cache-key derivation.
func hash8(s string) string {
	h, err := blake2b.New(8, nil)
	if err != nil {
		// Only returns an error for an invalid size/key combination, and
		// digest_size=8 with no key is always valid.
		panic(err)
	}
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// SimpleLayerPath returns the cache path for a SimpleDownloader layer:
// <mapId>/<h(firstServer+urlFmt)>/<z>/<x>/<y>.
func (s *TileStore) SimpleLayerPath(mapID, firstServer, urlFmt string, z, x, y uint) string {
	return filepath.Join(s.baseDir, mapID, hash8(firstServer+urlFmt),
		fmt.Sprint(z), fmt.Sprint(x), fmt.Sprint(y))
}

// WMSLayerPath returns the cache path for one WMS block-layer download:
// <dataset>/<layer>/<z>/<xBlock>/<yBlock>_<N>x<N>_<sizePx>px_base_<dpi>dpi_<W>x<H>px.png.
func (s *TileStore) WMSLayerPath(dataset, layer string, z, xBlock, yBlock, n uint, sizePx, dpi, widthPx, heightPx int) string {
	dir := filepath.Join(s.baseDir, dataset, layer, fmt.Sprint(z), fmt.Sprint(xBlock))
	file := fmt.Sprintf("%d_%dx%d_%dpx_base_%ddpi_%dx%dpx.png", yBlock, n, n, sizePx, dpi, widthPx, heightPx)
	return filepath.Join(dir, file)
}

// WMSCompositePath returns the cache path for a composited-and-cropped WMS
// tile: <mapId>/<h(joinedLayerNames)>/<z>/<x>/<y>.
func (s *TileStore) WMSCompositePath(mapID string, layerNames []string, z, x, y uint) string {
	joined := ""
	for i, n := range layerNames {
		if i > 0 {
			joined += "/"
		}
		joined += n
	}
	return filepath.Join(s.baseDir, mapID, hash8(joined), fmt.Sprint(z), fmt.Sprint(x), fmt.Sprint(y))
}

// metricStore is the label value used for Prometheus counters; callers pass
// "layer" or "composite" depending on which cache tier they're touching.
type metricStore = string

const (
	StoreLayer     metricStore = "layer"
	StoreComposite metricStore = "composite"
)

// Get reads path if it exists, isn't expired (mtime older than timeout), and
// isn't a zero-byte corrupt placeholder. A miss is not an error: ok is false
// and err is nil.
func (s *TileStore) Get(path string, timeout time.Duration, store metricStore) (data []byte, ok bool, err error) {
	release := s.locks.Acquire(path)
	defer release()

	// The lock file lives alongside path, so its directory must exist
	// before FileLock can create it — even on what will turn out to be a
	// miss, since a concurrent Put may be creating this directory right now.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("create cache dir for %s: %w", path, err)
	}

	fl := filelock.New(s.lockPath(path), s.fileLockWarnAfterSec)
	if _, err := fl.Acquire(true, 0); err != nil {
		return nil, false, fmt.Errorf("acquire cross-process lock for %s: %w", path, err)
	}
	defer func() {
		if relErr := fl.Release(); relErr != nil {
			logging.Warn().Str("path", path).Err(relErr).Msg("failed to release cross-process cache lock")
		}
	}()

	info, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		metrics.TileCacheMisses.WithLabelValues(store).Inc()
		return nil, false, nil
	}
	if statErr != nil {
		return nil, false, fmt.Errorf("stat cache entry %s: %w", path, statErr)
	}

	// timeout == 0 means "always expired" (tile caching effectively
	// disabled for this entry), not "never expires".
	if time.Since(info.ModTime()) > timeout {
		logging.Debug().Str("path", path).Msg("cache entry expired")
		metrics.TileCacheMisses.WithLabelValues(store).Inc()
		return nil, false, nil
	}

	if info.Size() == 0 {
		logging.Warn().Str("path", path).Msg("zero-byte cache entry treated as corrupt")
		metrics.TileCacheCorruption.WithLabelValues(store).Inc()
		return nil, false, nil
	}

	data, err = os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry %s: %w", path, err)
	}
	metrics.TileCacheHits.WithLabelValues(store).Inc()
	return data, true, nil
}

// Put writes data to path atomically (write to a temp file, then rename),
// guarded by the same namespace lock Get uses for that path.
func (s *TileStore) Put(path string, data []byte) error {
	release := s.locks.Acquire(path)
	defer release()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir for %s: %w", path, err)
	}

	fl := filelock.New(s.lockPath(path), s.fileLockWarnAfterSec)
	if _, err := fl.Acquire(true, 0); err != nil {
		return fmt.Errorf("acquire cross-process lock for %s: %w", path, err)
	}
	defer func() {
		if relErr := fl.Release(); relErr != nil {
			logging.Warn().Str("path", path).Err(relErr).Msg("failed to release cross-process cache lock")
		}
	}()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename cache temp file into place %s: %w", path, err)
	}
	return nil
}

// ModTime returns the modification time of path, or the zero time and false
// if it cannot be stat'ed.
func (s *TileStore) ModTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
