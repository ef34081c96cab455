// Package locator chains the tile math, the TIFF directory and the verified
// range fetch into a single "give me the bytes of this tile" call.
package locator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"

	"github.com/akhenakh/cogtile/fetch"
	"github.com/akhenakh/cogtile/geotiff"
	"github.com/akhenakh/cogtile/storage"
	"github.com/akhenakh/cogtile/tilemath"
)

const (
	// DefaultTileSize is the web map tile edge in pixels.
	DefaultTileSize = 256
	// DefaultPrefetch is how much of the file head is read in one request
	// when parsing the directory.
	DefaultPrefetch = 16 << 10
)

// Location is where one tile lives inside the COG.
type Location struct {
	Tile      tilemath.TileCoordinate
	Scale     int
	Level     int
	TileIndex uint64
	Range     tilemath.ByteRange
	// Bounds is the geographic extent of Tile.
	Bounds orb.Bound
}

// Locator resolves tiles of a single COG source.
type Locator struct {
	src      storage.Source
	dirs     *geotiff.DirectoryCache
	tileSize uint64
	prefetch int
	logger   *slog.Logger
	metrics  *Metrics
}

// Option configures a Locator.
type Option func(*Locator)

// WithTileSize sets the tile edge in pixels.
func WithTileSize(size uint64) Option {
	return func(l *Locator) { l.tileSize = size }
}

// WithDirectoryCache shares parsed directories across calls.
func WithDirectoryCache(c *geotiff.DirectoryCache) Option {
	return func(l *Locator) { l.dirs = c }
}

// WithPrefetch sets the size of the header read used for directory parsing.
func WithPrefetch(n int) Option {
	return func(l *Locator) { l.prefetch = n }
}

// WithLogger sets the logger. It defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locator) { l.logger = logger }
}

// WithMetrics records lookups and fetches in m.
func WithMetrics(m *Metrics) Option {
	return func(l *Locator) { l.metrics = m }
}

// New returns a Locator over src.
func New(src storage.Source, opts ...Option) *Locator {
	l := &Locator{
		src:      src,
		tileSize: DefaultTileSize,
		prefetch: DefaultPrefetch,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Source returns the storage backend.
func (l *Locator) Source() storage.Source { return l.src }

// Directory returns the parsed directory of the source, from the cache when
// one is configured.
func (l *Locator) Directory(ctx context.Context) (*geotiff.Directory, error) {
	start := time.Now()
	defer func() { l.metrics.observe("directory", time.Since(start).Seconds()) }()

	if l.dirs == nil {
		return geotiff.ReadDirectory(storage.NewReaderAt(ctx, l.src, l.prefetch))
	}
	// A cached directory outlives this request and reads tile tables lazily,
	// so it must not inherit the request's cancellation.
	r := storage.NewReaderAt(context.WithoutCancel(ctx), l.src, l.prefetch)
	return l.dirs.Get(l.src.Name(), r)
}

// Invalidate drops the cached directory of the source so the next call
// parses it again. It is a no-op without a directory cache.
func (l *Locator) Invalidate() {
	if l.dirs != nil {
		l.dirs.Forget(l.src.Name())
	}
}

// Locate projects p at zoom and resolves the resulting tile.
func (l *Locator) Locate(ctx context.Context, p tilemath.GeoPoint, zoom uint32, scale float64) (*Location, error) {
	t, err := tilemath.LatLonToTile(p, zoom)
	if err != nil {
		return nil, err
	}
	return l.LocateTile(ctx, t, scale)
}

// LocateTile picks the overview nearest to scale and returns the byte range
// of tile t inside it. t is addressed at full resolution.
func (l *Locator) LocateTile(ctx context.Context, t tilemath.TileCoordinate, scale float64) (*Location, error) {
	d, err := l.Directory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory of %s: %w", l.src.Name(), err)
	}

	start := time.Now()
	defer func() { l.metrics.observe("locate", time.Since(start).Seconds()) }()

	chosen, err := tilemath.SelectClosestOverview(d.OverviewScales(), scale)
	if err != nil {
		return nil, err
	}
	levelIndex, err := d.FindLevelForScale(chosen)
	if err != nil {
		return nil, err
	}
	level, err := d.ReadTileOffsets(levelIndex)
	if err != nil {
		return nil, err
	}

	req := tilemath.RangeRequest{
		Tile:       t,
		TileSize:   l.tileSize,
		Scale:      uint64(chosen),
		FullWidth:  d.FullWidth(),
		Level:      levelIndex,
		Offsets:    level.Offsets,
		ByteCounts: level.ByteCounts,
	}
	if grid := l.tileSize * uint64(chosen); grid > 0 && req.FullWidth/grid != level.TilesAcross() {
		l.logger.Warn("level column count differs from the tile grid",
			"source", l.src.Name(), "level", levelIndex, "grid_columns", req.FullWidth/grid, "level_columns", level.TilesAcross())
	}

	r, idx, err := tilemath.ResolveByteRange(req)
	if err != nil {
		return nil, err
	}

	loc := &Location{Tile: t, Scale: chosen, Level: levelIndex, TileIndex: idx, Range: r, Bounds: t.Maptile().Bound()}
	l.logger.Debug("tile located",
		"source", l.src.Name(), "tile", t.String(), "scale", chosen, "level", levelIndex,
		"tile_index", idx, "range", r.String())
	return loc, nil
}

// Fetch retrieves and verifies the bytes of loc.
func (l *Locator) Fetch(ctx context.Context, loc *Location) (*fetch.Result, error) {
	start := time.Now()
	res, err := fetch.FetchRange(ctx, l.src, loc.Range)
	l.metrics.observe("fetch", time.Since(start).Seconds())
	if err != nil {
		l.metrics.fetched(0, err)
		return nil, fmt.Errorf("failed to fetch tile %s (level %d, index %d): %w", loc.Tile, loc.Level, loc.TileIndex, err)
	}
	l.metrics.fetched(len(res.Payload), nil)
	l.logger.Debug("tile fetched", "tile", loc.Tile.String(), "bytes", len(res.Payload), "content_range", res.ContentRange)
	return res, nil
}

// FetchTile locates and fetches t in one call.
func (l *Locator) FetchTile(ctx context.Context, t tilemath.TileCoordinate, scale float64) (*Location, *fetch.Result, error) {
	loc, err := l.LocateTile(ctx, t, scale)
	if err != nil {
		l.metrics.fetched(0, err)
		return nil, nil, err
	}
	res, err := l.Fetch(ctx, loc)
	if err != nil {
		return loc, nil, err
	}
	return loc, res, nil
}
