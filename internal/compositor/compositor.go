// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

// Package compositor stacks layer images into a single tile: resizing
// mismatched layers down to the smallest one, then alpha-compositing each
// overlay on top of the base, in the order layers were supplied.
package compositor

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"

	"github.com/sunshineplan/imgconv"
)

// Format selects the encoded output format. FormatAuto keeps whatever the
// base layer decoded as.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatAuto Format = "auto"
)

// Compose left-folds layers into a single image: the first layer is the
// base, and for each subsequent layer the larger of the running base and the
// layer is resized down to the smaller's dimensions (if they differ) before
// the layer is alpha-composited on top. Layers must be non-empty.
func Compose(layers []image.Image) (image.Image, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("compose: no layers supplied")
	}

	base := layers[0]
	if len(layers) == 1 {
		return base, nil
	}

	for i := 1; i < len(layers); i++ {
		overlay := layers[i]
		base = mergeLayer(base, overlay)
	}
	return base, nil
}

// mergeLayer resizes the larger of base/overlay down to the smaller's
// dimensions, then draws overlay on top of base using source-over alpha
// blending, mirroring the original proxy's buildCompositeImage.
func mergeLayer(base, overlay image.Image) image.Image {
	bb := base.Bounds()
	ob := overlay.Bounds()

	bw, bh := bb.Dx(), bb.Dy()
	ow, oh := ob.Dx(), ob.Dy()

	switch {
	case bw > ow || bh > oh:
		base = imgconv.Resize(base, &imgconv.ResizeOption{Width: ow, Height: oh})
	case ow > bw || oh > bh:
		overlay = imgconv.Resize(overlay, &imgconv.ResizeOption{Width: bw, Height: bh})
	}

	dst := image.NewRGBA(base.Bounds())
	draw.Draw(dst, dst.Bounds(), base, base.Bounds().Min, draw.Src)
	draw.Draw(dst, dst.Bounds(), overlay, overlay.Bounds().Min, draw.Over)
	return dst
}

// Encode serializes img in the requested format. FormatAuto preserves
// sourceFormat (the name image.Decode reported for the base layer, e.g.
// "jpeg"), falling back to PNG, the safest lossless default, when
// sourceFormat is empty or unrecognized.
func Encode(img image.Image, format Format, sourceFormat string) ([]byte, error) {
	format = ResolveFormat(format, sourceFormat)

	var opt imgconv.FormatOption
	switch format {
	case FormatJPEG:
		opt = imgconv.FormatOption{Format: imgconv.JPEG}
	case FormatPNG, "":
		opt = imgconv.FormatOption{Format: imgconv.PNG}
	default:
		return nil, fmt.Errorf("encode: unsupported format %q", format)
	}

	var buf bytes.Buffer
	if err := imgconv.Write(&buf, img, &opt); err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// ResolveFormat turns a possibly-FormatAuto format into the concrete format
// Encode will actually produce, given sourceFormat (the name image.Decode
// reported for the base layer, e.g. "jpeg"). Callers that need to know the
// real output format ahead of encoding (e.g. to set a response
// Content-Type) should call this instead of duplicating Encode's fallback.
func ResolveFormat(format Format, sourceFormat string) Format {
	if format != FormatAuto {
		return format
	}
	if sourceFormat == "jpeg" {
		return FormatJPEG
	}
	return FormatPNG
}
