package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	cogerrors "github.com/akhenakh/cogtile/errors"
	"github.com/akhenakh/cogtile/internal/tifftest"
)

// pyramid mirrors a GDAL COG layout: full resolution, a mask, two overviews
// (scales 4 and 16) and a trailing strip-organized IFD.
func pyramid() []tifftest.Level {
	off0, cnt0 := tifftest.Table(80, 1<<20, 512)
	offM, cntM := tifftest.Table(80, 2<<20, 64)
	off1, cnt1 := tifftest.Table(10, 3<<20, 256)
	off2, cnt2 := tifftest.Table(3, 4<<20, 128)
	return []tifftest.Level{
		{Width: 10000, Height: 512, TileWidth: 256, TileHeight: 256, Offsets: off0, ByteCounts: cnt0},
		{Width: 10000, Height: 512, TileWidth: 256, TileHeight: 256, Subfile: 4, Offsets: offM, ByteCounts: cntM},
		{Width: 2500, Height: 128, TileWidth: 256, TileHeight: 256, Subfile: 1, Offsets: off1, ByteCounts: cnt1},
		{Width: 625, Height: 32, TileWidth: 256, TileHeight: 256, Subfile: 1, Offsets: off2, ByteCounts: cnt2},
		{Width: 100, Height: 100, Offsets: []uint64{5 << 20}, ByteCounts: []uint64{10000}},
	}
}

func openPyramid(t *testing.T, opts tifftest.Options) *Directory {
	t.Helper()
	file, _ := tifftest.Build(opts, pyramid())
	d, err := ReadDirectory(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("ReadDirectory() returned an unexpected error: %v", err)
	}
	return d
}

func TestListLevels(t *testing.T) {
	testCases := []struct {
		name string
		opts tifftest.Options
	}{
		{name: "classic little endian", opts: tifftest.Options{ByteOrder: binary.LittleEndian}},
		{name: "classic big endian", opts: tifftest.Options{ByteOrder: binary.BigEndian}},
		{name: "bigtiff little endian", opts: tifftest.Options{ByteOrder: binary.LittleEndian, BigTIFF: true}},
		{name: "bigtiff big endian", opts: tifftest.Options{ByteOrder: binary.BigEndian, BigTIFF: true}},
	}

	want := []LevelSummary{
		{Index: 0, Width: 10000, Height: 512, Tiled: true},
		{Index: 1, Width: 10000, Height: 512, Tiled: true, Mask: true},
		{Index: 2, Width: 2500, Height: 128, Tiled: true},
		{Index: 3, Width: 625, Height: 32, Tiled: true},
		{Index: 4, Width: 100, Height: 100},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := openPyramid(t, tc.opts)
			if d.BigTIFF() != tc.opts.BigTIFF {
				t.Errorf("BigTIFF() = %v, want %v", d.BigTIFF(), tc.opts.BigTIFF)
			}
			if diff := cmp.Diff(want, d.ListLevels()); diff != "" {
				t.Errorf("ListLevels() mismatch (-want+got):\n%v", diff)
			}
			if got := d.FullWidth(); got != 10000 {
				t.Errorf("FullWidth() = %d, want 10000", got)
			}
		})
	}
}

func TestReadTileOffsets(t *testing.T) {
	for _, big := range []bool{false, true} {
		d := openPyramid(t, tifftest.Options{BigTIFF: big})

		l, err := d.ReadTileOffsets(3)
		if err != nil {
			t.Fatalf("ReadTileOffsets(3) returned an unexpected error: %v", err)
		}
		wantOffsets, wantCounts := tifftest.Table(3, 4<<20, 128)
		if diff := cmp.Diff(wantOffsets, l.Offsets); diff != "" {
			t.Errorf("Offsets mismatch (-want+got):\n%v", diff)
		}
		if diff := cmp.Diff(wantCounts, l.ByteCounts); diff != "" {
			t.Errorf("ByteCounts mismatch (-want+got):\n%v", diff)
		}
		if l.TileWidth != 256 || l.TileHeight != 256 {
			t.Errorf("tile size = %dx%d, want 256x256", l.TileWidth, l.TileHeight)
		}
		if got := l.TilesAcross(); got != 3 {
			t.Errorf("TilesAcross() = %d, want 3", got)
		}

		l0, err := d.ReadTileOffsets(0)
		if err != nil {
			t.Fatalf("ReadTileOffsets(0) returned an unexpected error: %v", err)
		}
		if len(l0.Offsets) != 80 || l0.Offsets[79] != 1<<20+79*512 {
			t.Errorf("level 0 table = %d entries, last %d", len(l0.Offsets), l0.Offsets[len(l0.Offsets)-1])
		}

		again, err := d.ReadTileOffsets(0)
		if err != nil {
			t.Fatalf("second ReadTileOffsets(0) returned an unexpected error: %v", err)
		}
		if again != l0 {
			t.Errorf("second ReadTileOffsets(0) returned a different level")
		}
	}
}

func TestReadTileOffsetsErrors(t *testing.T) {
	d := openPyramid(t, tifftest.Options{})

	testCases := []struct {
		name  string
		level int
		want  error
	}{
		{name: "strip level", level: 4, want: cogerrors.ErrNotTiled},
		{name: "past the chain", level: 5, want: cogerrors.ErrLevelNotFound},
		{name: "negative", level: -1, want: cogerrors.ErrLevelNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.ReadTileOffsets(tc.level)
			if !errors.Is(err, tc.want) {
				t.Errorf("ReadTileOffsets(%d) error = %v, want %v", tc.level, err, tc.want)
			}
		})
	}
}

func TestFindLevelForScale(t *testing.T) {
	d := openPyramid(t, tifftest.Options{})

	testCases := []struct {
		scale   int
		want    int
		wantErr bool
	}{
		{scale: 1, want: 0},
		{scale: 4, want: 2},
		{scale: 16, want: 3},
		{scale: 5, wantErr: true},
		{scale: 100, wantErr: true},
	}
	for _, tc := range testCases {
		got, err := d.FindLevelForScale(tc.scale)
		if tc.wantErr {
			if !errors.Is(err, cogerrors.ErrLevelNotFound) {
				t.Errorf("FindLevelForScale(%d) error = %v, want ErrLevelNotFound", tc.scale, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("FindLevelForScale(%d) returned an unexpected error: %v", tc.scale, err)
			continue
		}
		if got != tc.want {
			t.Errorf("FindLevelForScale(%d) = %d, want %d", tc.scale, got, tc.want)
		}
	}

	if diff := cmp.Diff([]int{1, 4, 16}, d.OverviewScales()); diff != "" {
		t.Errorf("OverviewScales() mismatch (-want+got):\n%v", diff)
	}
}

func TestFindLevelForScaleRoundsUp(t *testing.T) {
	// 10000/3 does not divide evenly; ceil gives scale 3 for width 3334.
	file, _ := tifftest.Build(tifftest.Options{}, []tifftest.Level{
		{Width: 10000, Height: 256, TileWidth: 256, TileHeight: 256, Offsets: []uint64{100}, ByteCounts: []uint64{1}},
		{Width: 3334, Height: 86, TileWidth: 256, TileHeight: 256, Offsets: []uint64{200}, ByteCounts: []uint64{1}},
	})
	d, err := ReadDirectory(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("ReadDirectory() returned an unexpected error: %v", err)
	}
	if got, err := d.FindLevelForScale(3); err != nil || got != 1 {
		t.Errorf("FindLevelForScale(3) = %d, %v; want 1, nil", got, err)
	}
}

func TestReadDirectoryInvalid(t *testing.T) {
	valid, _ := tifftest.Build(tifftest.Options{}, pyramid())
	looped, _ := tifftest.Build(tifftest.Options{Loop: true}, pyramid())

	noIFD := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	badBigTIFF := []byte{'I', 'I', 43, 0, 4, 0, 0, 0, 16, 0, 0, 0, 0, 0, 0, 0}

	testCases := []struct {
		name string
		file []byte
	}{
		{name: "empty", file: nil},
		{name: "bad byte order", file: []byte("XX*\x00\x08\x00\x00\x00")},
		{name: "bad identifier", file: []byte{'I', 'I', 44, 0, 8, 0, 0, 0}},
		{name: "no IFD", file: noIFD},
		{name: "bad bigtiff bytesize", file: badBigTIFF},
		{name: "truncated", file: valid[:40]},
		{name: "looping chain", file: looped},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadDirectory(bytes.NewReader(tc.file))
			if !errors.Is(err, cogerrors.ErrInvalidDirectory) {
				t.Errorf("ReadDirectory() error = %v, want ErrInvalidDirectory", err)
			}
		})
	}
}

type countingReaderAt struct {
	r     *bytes.Reader
	reads atomic.Int64
}

func (c *countingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	c.reads.Add(1)
	return c.r.ReadAt(p, off)
}

func TestDirectoryCache(t *testing.T) {
	file, _ := tifftest.Build(tifftest.Options{}, pyramid())
	src := &countingReaderAt{r: bytes.NewReader(file)}

	cache := NewDirectoryCache(10, 1, time.Minute)
	defer cache.Stop()

	var wg sync.WaitGroup
	dirs := make([]*Directory, 8)
	for i := range dirs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := cache.Get("mem://pyramid.tif", src)
			if err != nil {
				t.Errorf("Get() returned an unexpected error: %v", err)
				return
			}
			dirs[i] = d
		}(i)
	}
	wg.Wait()

	reads := src.reads.Load()
	if reads == 0 {
		t.Fatalf("directory was never read")
	}
	for _, d := range dirs[1:] {
		if d != dirs[0] {
			t.Fatalf("concurrent Get() returned distinct directories")
		}
	}

	if _, err := cache.Get("mem://pyramid.tif", src); err != nil {
		t.Fatalf("Get() returned an unexpected error: %v", err)
	}
	if got := src.reads.Load(); got != reads {
		t.Errorf("cached Get() issued %d more reads", got-reads)
	}

	cache.Forget("mem://pyramid.tif")
	if _, err := cache.Get("mem://pyramid.tif", src); err != nil {
		t.Fatalf("Get() after Forget returned an unexpected error: %v", err)
	}
	if got := src.reads.Load(); got == reads {
		t.Errorf("Get() after Forget did not re-read the directory")
	}
}

func TestDirectoryCacheDoesNotKeepErrors(t *testing.T) {
	cache := NewDirectoryCache(10, 1, time.Minute)
	defer cache.Stop()

	if _, err := cache.Get("bad", bytes.NewReader([]byte("nope"))); err == nil {
		t.Fatalf("Get() on a bad file returned no error")
	}
	file, _ := tifftest.Build(tifftest.Options{}, pyramid())
	if _, err := cache.Get("bad", bytes.NewReader(file)); err != nil {
		t.Errorf("Get() after a failed parse returned an unexpected error: %v", err)
	}
}
