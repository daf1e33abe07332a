// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

package downloader

import "context"

// Downloader serves one fully composited, encoded tile for a map. Both
// SimpleDownloader and WMSCoalescingDownloader implement it; the router
// dispatches by the map's configured downloader kind and otherwise doesn't
// care which one it's talking to.
type Downloader interface {
	// DownloadTile returns the encoded tile bytes and its content type
	// (e.g. "image/png") for tile (z,x,y) of mapID.
	DownloadTile(ctx context.Context, mapID string, z, x, y uint) ([]byte, string, error)
}
