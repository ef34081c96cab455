// Package tilemath holds the pure arithmetic that maps a geographic point to a
// web-mercator tile, picks an overview, and turns a tile into a byte range of
// a COG offset table. Nothing here performs I/O.
package tilemath

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/maptile"

	cogerrors "github.com/akhenakh/cogtile/errors"
)

// MaxZoom is the deepest zoom level a TileCoordinate can address.
const MaxZoom = 30

// cornerTolerance, in tiles, absorbs the float error of projecting a tile
// corner back onto the grid so that TileToLatLon(t) lands in t rather than
// in its neighbour to the north or west.
const cornerTolerance = 1e-6

// MaxLatitude is the latitude of the north edge of tile row 0.
const MaxLatitude = 85.05112877980659

// GeoPoint is a WGS84 coordinate in decimal degrees.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// TileCoordinate addresses a tile in the XYZ scheme.
type TileCoordinate struct {
	X uint32
	Y uint32
	Z uint32
}

func (p GeoPoint) String() string { return fmt.Sprintf("(Lat: %f, Lon: %f)", p.Lat, p.Lon) }

func (t TileCoordinate) String() string { return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y) }

// Valid reports whether the tile lies inside the 2^Z by 2^Z grid.
func (t TileCoordinate) Valid() bool {
	return t.Z <= MaxZoom && t.X < (1<<t.Z) && t.Y < (1<<t.Z)
}

// Maptile returns t as an orb maptile.
func (t TileCoordinate) Maptile() maptile.Tile {
	return maptile.New(t.X, t.Y, maptile.Zoom(t.Z))
}

// TileToLatLon returns the north-west corner of the tile.
func TileToLatLon(t TileCoordinate) GeoPoint {
	n := math.Exp2(float64(t.Z))
	lon := float64(t.X)/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(t.Y)/n)))
	return GeoPoint{Lat: latRad * 180.0 / math.Pi, Lon: lon}
}

// TileBounds returns the north-west and south-east corners of the tile.
func TileBounds(t TileCoordinate) (nw, se GeoPoint) {
	nw = TileToLatLon(t)
	se = TileToLatLon(TileCoordinate{X: t.X + 1, Y: t.Y + 1, Z: t.Z})
	return nw, se
}

// LatLonToTile projects p onto the tile grid at zoom. Longitudes wrap
// periodically. Latitudes past the mercator limit saturate to the first or
// last row; the poles themselves cannot be projected and fail with
// ErrInvalidCoordinate.
func LatLonToTile(p GeoPoint, zoom uint32) (TileCoordinate, error) {
	if zoom > MaxZoom {
		return TileCoordinate{}, cogerrors.ErrInvalidCoordinate.
			WithDetail("zoom", zoom).
			WithMessage(fmt.Sprintf("zoom above %d", MaxZoom))
	}
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) {
		return TileCoordinate{}, cogerrors.ErrInvalidCoordinate.WithDetail("point", p.String())
	}
	if math.Abs(p.Lat) >= 90 {
		return TileCoordinate{}, cogerrors.ErrInvalidCoordinate.
			WithDetail("point", p.String()).
			WithMessage("latitude at or beyond a pole")
	}

	n := math.Exp2(float64(zoom))
	last := int64(1)<<zoom - 1

	// Wrap before scaling so huge longitudes never overflow the cast.
	lon := math.Mod(math.Mod(p.Lon, 360)+540, 360)
	x := int64(math.Floor(lon/360.0*n + cornerTolerance))
	if x > last {
		x -= last + 1
	}

	latRad := p.Lat * math.Pi / 180.0
	yf := (1.0 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2.0 * n
	y := int64(math.Floor(yf + cornerTolerance))
	if y < 0 {
		y = 0
	} else if y > last {
		y = last
	}

	return TileCoordinate{X: uint32(x), Y: uint32(y), Z: zoom}, nil
}
