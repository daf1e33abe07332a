// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

// Package tilecoord implements slippy-map tile coordinate math: validation,
// the WMS coalescing downloader's block geometry, and WGS84/EPSG:3857
// projection helpers used to build upstream bounding-box requests.
package tilecoord

import (
	"fmt"
	"math"
)

const (
	// EarthCircumference is the equatorial circumference in meters at zoom 0.
	EarthCircumference = 40075016.685578488
	// OriginShift is half the earth's circumference, the EPSG:3857 origin offset.
	OriginShift = EarthCircumference / 2.0
	// MaxZoom is the highest zoom level this proxy will serve.
	MaxZoom = 30
)

// Tile identifies one slippy-map tile.
type Tile struct {
	Z, X, Y uint
}

// Validate checks that z is within range and x,y fall inside the tile grid
// at that zoom level (0 <= x,y < 2^z).
func (t Tile) Validate() error {
	if t.Z > MaxZoom {
		return fmt.Errorf("zoom %d exceeds max zoom %d", t.Z, MaxZoom)
	}
	n := uint(1) << t.Z
	if t.X >= n || t.Y >= n {
		return fmt.Errorf("tile x=%d,y=%d out of range for zoom %d (grid size %d)", t.X, t.Y, t.Z, n)
	}
	return nil
}

// BlockSize returns the WMS coalescing block's edge length in tiles: 8, or
// the whole grid if the grid is smaller than 8x8.
func BlockSize(z uint) uint {
	n := uint(1) << z
	if n < 8 {
		return n
	}
	return 8
}

// Block describes the square group of tiles a single WMS layer request
// covers: the aligned block containing (x,y), anchored at its origin (X0,Y0).
type Block struct {
	Z              uint
	X0, Y0         uint // inclusive origin
	X1, Y1         uint // inclusive far corner
	N              uint // edge length in tiles
	TileSizePx     int
	WidthPx        int
	HeightPx       int
}

// BlockFor computes the block that covers tile (x,y) at zoom z, given the
// per-tile pixel size each requested layer renders at.
func BlockFor(z, x, y uint, tileSizePx int) Block {
	n := BlockSize(z)
	x0 := x - (x % n)
	y0 := y - (y % n)
	x1 := x0 + n - 1
	y1 := y0 + n - 1
	return Block{
		Z: z, X0: x0, Y0: y0, X1: x1, Y1: y1, N: n,
		TileSizePx: tileSizePx,
		WidthPx:    tileSizePx * int(n),
		HeightPx:   tileSizePx * int(n),
	}
}

// BBox is a WGS84 bounding box in degrees.
type BBox struct {
	West, South, East, North float64
}

// TileBoundsWGS84 returns the WGS84 bounding box of a single tile.
func TileBoundsWGS84(z, x, y uint) BBox {
	n := math.Pow(2, float64(z))
	west := float64(x)/n*360.0 - 180.0
	east := float64(x+1)/n*360.0 - 180.0
	north := math.Atan(math.Sinh(math.Pi*(1.0-2.0*float64(y)/n))) * 180.0 / math.Pi
	south := math.Atan(math.Sinh(math.Pi*(1.0-2.0*float64(y+1)/n))) * 180.0 / math.Pi
	return BBox{West: west, South: south, East: east, North: north}
}

// MercatorBBox is a bounding box in EPSG:3857 meters.
type MercatorBBox struct {
	West, South, East, North float64
}

// ToMercator reprojects a WGS84 bounding box to EPSG:3857, the form the
// Geonorge WMS GetMap BBOX parameter requires.
func (b BBox) ToMercator() MercatorBBox {
	west, south := lonLatToMercator(b.West, b.South)
	east, north := lonLatToMercator(b.East, b.North)
	return MercatorBBox{West: west, South: south, East: east, North: north}
}

func lonLatToMercator(lon, lat float64) (x, y float64) {
	x = lon * OriginShift / 180.0
	y = math.Log(math.Tan((90.0+lat)*math.Pi/360.0)) / (math.Pi / 180.0)
	y = y * OriginShift / 180.0
	return
}

// BlockMercatorBBox returns the EPSG:3857 bounding box spanning an entire
// block: west and north edges from its first (top-left) tile, east and south
// edges from its last (bottom-right) tile, mirroring how the original Geonorge provider widens the
// request to cover every tile in the block in one shot.
func BlockMercatorBBox(b Block) MercatorBBox {
	first := TileBoundsWGS84(b.Z, b.X0, b.Y0)
	last := TileBoundsWGS84(b.Z, b.X1, b.Y1)
	combined := BBox{
		West:  first.West,
		North: first.North,
		East:  last.East,
		South: last.South,
	}
	return combined.ToMercator()
}
