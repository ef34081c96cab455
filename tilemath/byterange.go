package tilemath

import (
	"fmt"
	"math"

	cogerrors "github.com/akhenakh/cogtile/errors"
)

// ByteRange is an inclusive span of bytes in the underlying file.
type ByteRange struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes covered by r.
func (r ByteRange) Len() uint64 { return r.End - r.Start + 1 }

// Header returns r formatted as an HTTP Range header value.
func (r ByteRange) Header() string { return fmt.Sprintf("bytes=%d-%d", r.Start, r.End) }

func (r ByteRange) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// RangeRequest carries everything needed to find one tile's bytes inside an
// overview level.
type RangeRequest struct {
	// Tile is addressed at the pyramid's full-resolution zoom, so that one
	// request pixel equals one full-resolution pixel.
	Tile TileCoordinate
	// TileSize is the tile edge in pixels, usually 256.
	TileSize uint64
	// Scale is the overview decimation factor of the chosen level.
	Scale uint64
	// FullWidth is the width in pixels of the full-resolution image.
	FullWidth uint64
	// Level is the index of the chosen level. It only feeds error details.
	Level int
	// Offsets and ByteCounts are the chosen level's tile table.
	Offsets    []uint64
	ByteCounts []uint64
}

// TileIndex maps the request tile into the raster-scan index of the chosen
// level. Division truncates, so a fractional pixel resolves to the tile
// left of or above it.
func TileIndex(req RangeRequest) (uint64, error) {
	if req.TileSize == 0 || req.Scale == 0 {
		return 0, cogerrors.ErrDegenerateLevel.
			WithDetail("tileSize", req.TileSize).
			WithDetail("scale", req.Scale)
	}

	pixelX := uint64(req.Tile.X) * req.TileSize
	pixelY := uint64(req.Tile.Y) * req.TileSize

	levelPixelX := pixelX / req.Scale
	levelPixelY := pixelY / req.Scale

	// Columns come from the full-resolution width, not the level's own
	// width; the locator warns when the two disagree.
	tilesAcross := req.FullWidth / (req.TileSize * req.Scale)
	if tilesAcross == 0 {
		return 0, cogerrors.ErrDegenerateLevel.
			WithDetail("width", req.FullWidth).
			WithDetail("tileSize", req.TileSize).
			WithDetail("scale", req.Scale)
	}

	return (levelPixelY/req.TileSize)*tilesAcross + levelPixelX/req.TileSize, nil
}

// ResolveByteRange returns the byte range holding the requested tile together
// with its index in the level's tile table.
func ResolveByteRange(req RangeRequest) (ByteRange, uint64, error) {
	idx, err := TileIndex(req)
	if err != nil {
		return ByteRange{}, 0, err
	}

	tiles := uint64(min(len(req.Offsets), len(req.ByteCounts)))
	if idx >= tiles {
		return ByteRange{}, idx, cogerrors.ErrTileIndexOutOfRange.
			WithDetail("level", req.Level).
			WithDetail("tile", req.Tile.String()).
			WithDetail("tileIndex", idx).
			WithDetail("tiles", tiles)
	}

	offset, length := req.Offsets[idx], req.ByteCounts[idx]
	if length == 0 {
		return ByteRange{}, idx, cogerrors.ErrSparseTile.
			WithDetail("level", req.Level).
			WithDetail("tile", req.Tile.String()).
			WithDetail("tileIndex", idx)
	}
	if length-1 > math.MaxUint64-offset {
		return ByteRange{}, idx, cogerrors.ErrInvalidDirectory.
			WithDetail("level", req.Level).
			WithDetail("tileIndex", idx).
			WithDetail("offset", offset).
			WithDetail("length", length).
			WithMessage("tile extends past the largest addressable byte")
	}
	return ByteRange{Start: offset, End: offset + length - 1}, idx, nil
}
