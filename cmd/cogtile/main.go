package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/akhenakh/cogtile/locator"
	"github.com/akhenakh/cogtile/storage"
	"github.com/akhenakh/cogtile/tilemath"
)

var (
	tileSize    uint64
	httpTimeout time.Duration
	verbose     bool
	scale       float64
	zoom        uint32
	noProgress  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cogtile",
		Short: "Locate and fetch single tiles from Cloud-Optimized GeoTIFFs",
	}

	rootCmd.PersistentFlags().Uint64Var(&tileSize, "tile-size", locator.DefaultTileSize, "Tile edge in pixels")
	rootCmd.PersistentFlags().DurationVar(&httpTimeout, "http-timeout", 30*time.Second, "Timeout of each HTTP range request")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every lookup and fetch to stderr")

	// levels command
	levelsCmd := &cobra.Command{
		Use:   "levels <SOURCE>",
		Short: "List the resolution levels stored in a COG",
		Args:  cobra.ExactArgs(1),
		Run:   runLevels,
	}

	// locate command
	locateCmd := &cobra.Command{
		Use:   "locate <SOURCE> <LAT> <LON>",
		Short: "Print the byte range of the tile covering a point",
		Args:  cobra.ExactArgs(3),
		Run:   runLocate,
	}
	locateCmd.Flags().Uint32Var(&zoom, "zoom", 0, "Zoom level the point is projected at")
	locateCmd.Flags().Float64Var(&scale, "scale", 1, "Desired downsampling factor")

	// get command
	getCmd := &cobra.Command{
		Use:   "get <SOURCE> <Z/X/Y> [OUTPUT]",
		Short: "Download the raw bytes of one tile",
		Args:  cobra.RangeArgs(2, 3),
		Run:   runGet,
	}
	getCmd.Flags().Float64Var(&scale, "scale", 1, "Desired downsampling factor")
	getCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (progress is enabled by default)")

	rootCmd.AddCommand(levelsCmd, locateCmd, getCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLocator(ctx context.Context, source string) (*locator.Locator, func() error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	src, closeFn, err := storage.Open(ctx, source, &http.Client{Timeout: httpTimeout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return locator.New(src, locator.WithTileSize(tileSize), locator.WithLogger(logger)), closeFn
}

func runLevels(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	loc, closeFn := newLocator(ctx, args[0])
	defer closeFn()

	d, err := loc.Directory(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	format := "TIFF"
	if d.BigTIFF() {
		format = "BigTIFF"
	}
	if s, ok := loc.Source().(storage.Sizer); ok {
		if size, err := s.Size(ctx); err == nil {
			format = fmt.Sprintf("%s, %d bytes", format, size)
		}
	}
	fmt.Printf("Levels for %s (%s, %s):\n", args[0], format, d.ByteOrder())
	for _, l := range d.ListLevels() {
		kind := "tiled"
		switch {
		case l.Mask:
			kind = "mask"
		case !l.Tiled:
			kind = "strips"
		}
		fmt.Printf("%d: %dx%d (scale: %d, %s)\n", l.Index, l.Width, l.Height, d.Scale(l.Index), kind)
	}
	fmt.Printf("Overview scales: %v\n", d.OverviewScales())
}

func runLocate(cmd *cobra.Command, args []string) {
	lat, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing latitude: %v\n", err)
		os.Exit(1)
	}
	lon, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing longitude: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	loc, closeFn := newLocator(ctx, args[0])
	defer closeFn()

	location, err := loc.Locate(ctx, tilemath.GeoPoint{Lat: lat, Lon: lon}, zoom, scale)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printLocation(location)
}

func runGet(cmd *cobra.Command, args []string) {
	tile, err := parseTile(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	output := fmt.Sprintf("%d-%d-%d.tile", tile.Z, tile.X, tile.Y)
	if len(args) > 2 {
		output = args[2]
	}

	ctx := context.Background()
	loc, closeFn := newLocator(ctx, args[0])
	defer closeFn()

	location, res, err := loc.FetchTile(ctx, tile, scale)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printLocation(location)

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		os.Exit(1)
	}
	f, err := os.Create(output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	var w io.Writer = f
	if !noProgress {
		bar := progressbar.DefaultBytes(int64(len(res.Payload)), fmt.Sprintf("Writing %s", output))
		w = io.MultiWriter(f, bar)
	}
	if _, err := w.Write(res.Payload); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing tile: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(res.Payload), output)
}

func printLocation(l *locator.Location) {
	fmt.Printf("tile %s: level %d (scale %d), index %d, bytes %s (%d bytes)\n",
		l.Tile, l.Level, l.Scale, l.TileIndex, l.Range, l.Range.Len())
	fmt.Printf("bounds: %f,%f,%f,%f\n", l.Bounds.Min.Lon(), l.Bounds.Min.Lat(), l.Bounds.Max.Lon(), l.Bounds.Max.Lat())
}

// parseTile reads a "z/x/y" tile address.
func parseTile(s string) (tilemath.TileCoordinate, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return tilemath.TileCoordinate{}, fmt.Errorf("invalid tile %q, expected Z/X/Y", s)
	}
	var vals [3]uint32
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return tilemath.TileCoordinate{}, fmt.Errorf("invalid tile %q: %w", s, err)
		}
		vals[i] = uint32(v)
	}
	t := tilemath.TileCoordinate{Z: vals[0], X: vals[1], Y: vals[2]}
	if !t.Valid() {
		return tilemath.TileCoordinate{}, fmt.Errorf("tile %s is outside the grid", t)
	}
	return t, nil
}
