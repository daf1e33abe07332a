// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

package tilestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyberang3l/slippy-tile-proxy-server/internal/filelock"
	"github.com/cyberang3l/slippy-tile-proxy-server/internal/nslock"
)

func newTestStore(t *testing.T) *TileStore {
	t.Helper()
	s, err := New(t.TempDir(), nslock.New(), 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestSimpleLayerPathIsStableAndHashed(t *testing.T) {
	s := newTestStore(t)
	p1 := s.SimpleLayerPath("opentopomap", "a.tile.opentopomap.org", "{z}/{x}/{y}.png", 5, 10, 11)
	p2 := s.SimpleLayerPath("opentopomap", "a.tile.opentopomap.org", "{z}/{x}/{y}.png", 5, 10, 11)
	if p1 != p2 {
		t.Fatalf("SimpleLayerPath() not stable: %q vs %q", p1, p2)
	}
	other := s.SimpleLayerPath("opentopomap", "b.tile.opentopomap.org", "{z}/{x}/{y}.png", 5, 10, 11)
	if p1 == other {
		t.Fatalf("different first servers produced the same path %q", p1)
	}
}

func TestWMSLayerPathFormat(t *testing.T) {
	s := newTestStore(t)
	p := s.WMSLayerPath("wms.kartdata", "topo", 12, 2192, 1064, 8, 512, 192, 4096, 4096)
	want := filepath.Join(s.baseDir, "wms.kartdata", "topo", "12", "2192", "1064_8x8_512px_base_192dpi_4096x4096px.png")
	if p != want {
		t.Errorf("WMSLayerPath() = %q, want %q", p, want)
	}
}

func TestWMSCompositePathJoinsLayerNames(t *testing.T) {
	s := newTestStore(t)
	p1 := s.WMSCompositePath("norway_base", []string{"topo", "hillshade"}, 12, 2192, 1070)
	p2 := s.WMSCompositePath("norway_base", []string{"topo", "other"}, 12, 2192, 1070)
	if p1 == p2 {
		t.Fatal("different layer name sets produced the same composite path")
	}
}

func TestPutThenGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.baseDir, "map", "layer", "1", "2", "3")

	if err := s.Put(path, []byte("tile-bytes")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	data, ok, err := s.Get(path, time.Hour, StoreLayer)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true after Put()")
	}
	if string(data) != "tile-bytes" {
		t.Errorf("Get() data = %q, want %q", data, "tile-bytes")
	}
}

func TestGetMissingIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(filepath.Join(s.baseDir, "nope"), time.Hour, StoreLayer)
	if err != nil {
		t.Fatalf("Get() error = %v, want nil for a missing entry", err)
	}
	if ok {
		t.Fatal("Get() ok = true for a missing entry, want false")
	}
}

func TestGetExpiredIsTreatedAsMiss(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.baseDir, "map", "layer", "z", "x", "y")
	if err := s.Put(path, []byte("stale")); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	_, ok, err := s.Get(path, time.Hour, StoreLayer)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatal("Get() ok = true for an expired entry, want false")
	}
}

func TestGetZeroTimeoutAlwaysMisses(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.baseDir, "map", "layer", "z", "x", "y")
	if err := s.Put(path, []byte("fresh")); err != nil {
		t.Fatal(err)
	}

	_, ok, err := s.Get(path, 0, StoreLayer)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatal("Get() ok = true with a zero timeout, want false (zero timeout disables the cache)")
	}
}

func TestGetZeroByteIsTreatedAsCorrupt(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.baseDir, "map", "layer", "z", "x", "y")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, ok, err := s.Get(path, time.Hour, StoreLayer)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatal("Get() ok = true for a zero-byte entry, want false")
	}
}

func TestPutLeavesNoLockFileBehind(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.baseDir, "map", "layer", "z", "x", "y")
	if err := s.Put(path, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.lockPath(path)); !os.IsNotExist(err) {
		t.Fatalf("expected FileLock to be released and unlinked after Put(), stat err = %v", err)
	}
}

func TestGetRespectsCrossProcessFileLock(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.baseDir, "map", "layer", "z", "x", "y")
	if err := s.Put(path, []byte("held")); err != nil {
		t.Fatal(err)
	}

	// Simulate another process already holding the cross-process lock for
	// this cache entry: Get should block on it rather than racing a
	// concurrent writer, so we release it from a goroutine and assert Get
	// still completes successfully once it does.
	holder := filelock.New(s.lockPath(path), 0)
	if ok, err := holder.Acquire(false, 0); err != nil || !ok {
		t.Fatalf("holder Acquire() = (%v, %v)", ok, err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = holder.Release()
	}()

	data, ok, err := s.Get(path, time.Hour, StoreLayer)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || string(data) != "held" {
		t.Fatalf("Get() = (%q, %v), want (\"held\", true) once the external lock is released", data, ok)
	}
}

func TestModTimeReflectsPut(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.baseDir, "map", "layer", "z", "x", "y")
	if _, ok := s.ModTime(path); ok {
		t.Fatal("ModTime() ok = true before the file exists")
	}
	if err := s.Put(path, []byte("x")); err != nil {
		t.Fatal(err)
	}
	mt, ok := s.ModTime(path)
	if !ok {
		t.Fatal("ModTime() ok = false after Put()")
	}
	if time.Since(mt) > time.Minute {
		t.Errorf("ModTime() = %v, want recent", mt)
	}
}
