package geotiff

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"sync"

	cogerrors "github.com/akhenakh/cogtile/errors"
)

const (
	// maxIFDs bounds the IFD chain so a corrupt next-offset cannot loop forever.
	maxIFDs = 1024
	// maxEntries bounds the number of entries in a single IFD.
	maxEntries = 4096
	// maxValueCount bounds the element count of a single out-of-line tag value.
	maxValueCount = 1 << 26
)

// head represents the TIFF file header information
type head struct {
	byteOrder binary.ByteOrder // Byte order (little endian or big endian)
	isBigTIFF bool             // Whether this is a BigTIFF file format
	ifdOffset uint64           // Offset to the first Image File Directory (IFD)
}

// iFDEntry represents a single entry in an Image File Directory (IFD)
type iFDEntry struct {
	Tag         Tag       // TIFF tag identifier
	FType       fieldType // Data type of the field
	Count       uint64    // Number of values of the specified type
	ValueOffset uint64    // Offset to the value data, or the value itself if it fits inline
	ValueBytes  []byte    // Inline value data for small values
}

// Tags holds the kept entries of one IFD. Values are decoded on demand so
// that large tile tables are only read for the level actually requested.
type Tags map[Tag]iFDEntry

// LevelSummary describes one IFD of the pyramid.
type LevelSummary struct {
	Index  int
	Width  uint64
	Height uint64
	Tiled  bool
	// Mask is set for transparency-mask IFDs (NewSubfileType bit 2).
	Mask bool
}

// ResolutionLevel is a tiled IFD together with its tile table. Offsets and
// ByteCounts are parallel and indexed by raster-scan tile position.
type ResolutionLevel struct {
	LevelSummary
	TileWidth  uint64
	TileHeight uint64
	Offsets    []uint64
	ByteCounts []uint64
}

// TilesAcross returns the number of tile columns in the level.
func (l *ResolutionLevel) TilesAcross() uint64 {
	if l.TileWidth == 0 {
		return 0
	}
	return (l.Width + l.TileWidth - 1) / l.TileWidth
}

// Directory is the parsed IFD chain of a TIFF or BigTIFF file.
type Directory struct {
	r         io.ReaderAt
	byteOrder binary.ByteOrder
	isBigTIFF bool

	summaries []LevelSummary
	tags      []Tags

	// mu protects levels, the tile tables read so far.
	mu     sync.Mutex
	levels map[int]*ResolutionLevel
}

// ReadDirectory parses the header and every IFD reachable from it.
// Tile tables are not read until ReadTileOffsets asks for them.
func ReadDirectory(r io.ReaderAt) (*Directory, error) {
	h, err := readHeader(io.NewSectionReader(r, 0, 16))
	if err != nil {
		return nil, cogerrors.ErrInvalidDirectory.WithCause(err)
	}
	if h.ifdOffset == 0 {
		return nil, cogerrors.ErrInvalidDirectory.WithMessage("file contains no IFDs")
	}

	d := &Directory{
		r:         r,
		byteOrder: h.byteOrder,
		isBigTIFF: h.isBigTIFF,
		levels:    make(map[int]*ResolutionLevel),
	}

	seen := make(map[uint64]struct{})
	for offset := h.ifdOffset; offset != 0; {
		if _, ok := seen[offset]; ok {
			return nil, cogerrors.ErrInvalidDirectory.
				WithDetail("ifdOffset", offset).
				WithMessage("IFD chain loops")
		}
		if len(seen) >= maxIFDs {
			return nil, cogerrors.ErrInvalidDirectory.WithMessage(fmt.Sprintf("more than %d IFDs", maxIFDs))
		}
		seen[offset] = struct{}{}

		tags, next, err := d.readIFD(offset)
		if err != nil {
			return nil, cogerrors.ErrInvalidDirectory.
				WithDetail("level", len(d.tags)).
				WithDetail("ifdOffset", offset).
				WithCause(err)
		}

		summary, err := d.summarize(len(d.tags), tags)
		if err != nil {
			return nil, cogerrors.ErrInvalidDirectory.
				WithDetail("level", len(d.tags)).
				WithCause(err)
		}
		d.tags = append(d.tags, tags)
		d.summaries = append(d.summaries, summary)
		offset = next
	}
	return d, nil
}

// BigTIFF reports whether the file uses 64-bit offsets.
func (d *Directory) BigTIFF() bool { return d.isBigTIFF }

// ByteOrder returns the endianness of the file.
func (d *Directory) ByteOrder() binary.ByteOrder { return d.byteOrder }

// ListLevels returns one summary per IFD, in file order.
func (d *Directory) ListLevels() []LevelSummary {
	return slices.Clone(d.summaries)
}

// FullWidth returns the width of the first (full-resolution) IFD.
func (d *Directory) FullWidth() uint64 {
	return d.summaries[0].Width
}

// ReadTileOffsets returns the tile table of the given level. Strip-organized
// levels fail with ErrNotTiled rather than being addressed as tiles.
func (d *Directory) ReadTileOffsets(levelIndex int) (*ResolutionLevel, error) {
	if levelIndex < 0 || levelIndex >= len(d.summaries) {
		return nil, cogerrors.ErrLevelNotFound.
			WithDetail("level", levelIndex).
			WithDetail("levels", len(d.summaries))
	}
	summary := d.summaries[levelIndex]
	if !summary.Tiled {
		return nil, cogerrors.ErrNotTiled.WithDetail("level", levelIndex)
	}

	d.mu.Lock()
	l, ok := d.levels[levelIndex]
	d.mu.Unlock()
	if ok {
		return l, nil
	}

	tags := d.tags[levelIndex]
	l = &ResolutionLevel{LevelSummary: summary}
	l.TileWidth, _ = d.firstUint(tags, TileWidth)
	l.TileHeight, _ = d.firstUint(tags, TileLength)

	var err error
	if l.Offsets, err = d.uints(tags, TileOffsets); err != nil {
		return nil, cogerrors.ErrInvalidDirectory.WithDetail("level", levelIndex).WithCause(err)
	}
	if l.ByteCounts, err = d.uints(tags, TileByteCounts); err != nil {
		return nil, cogerrors.ErrInvalidDirectory.WithDetail("level", levelIndex).WithCause(err)
	}
	if len(l.Offsets) != len(l.ByteCounts) {
		return nil, cogerrors.ErrInvalidDirectory.
			WithDetail("level", levelIndex).
			WithDetail("offsets", len(l.Offsets)).
			WithDetail("byteCounts", len(l.ByteCounts)).
			WithMessage("tile offsets and byte counts differ in length")
	}

	d.mu.Lock()
	d.levels[levelIndex] = l
	d.mu.Unlock()
	return l, nil
}

// Scale returns the decimation factor of a level relative to level 0,
// ceil(fullWidth / levelWidth).
func (d *Directory) Scale(levelIndex int) int {
	w := d.summaries[levelIndex].Width
	if w == 0 {
		return 0
	}
	return int((d.FullWidth() + w - 1) / w)
}

// FindLevelForScale returns the first tiled image level whose scale equals
// scale exactly. There is no fallback: a missing scale is ErrLevelNotFound.
func (d *Directory) FindLevelForScale(scale int) (int, error) {
	for i, s := range d.summaries {
		if !s.Tiled || s.Mask {
			continue
		}
		if d.Scale(i) == scale {
			return i, nil
		}
	}
	return 0, cogerrors.ErrLevelNotFound.WithDetail("scale", scale)
}

// OverviewScales returns the sorted, distinct scales of all tiled image
// levels, full resolution (scale 1) included.
func (d *Directory) OverviewScales() []int {
	var scales []int
	for i, s := range d.summaries {
		if !s.Tiled || s.Mask || s.Width == 0 {
			continue
		}
		scales = append(scales, d.Scale(i))
	}
	slices.Sort(scales)
	return slices.Compact(scales)
}

func (d *Directory) summarize(index int, tags Tags) (LevelSummary, error) {
	s := LevelSummary{Index: index}
	var ok bool
	if s.Width, ok = d.firstUint(tags, ImageWidth); !ok {
		return s, fmt.Errorf("missing or invalid tag: %s", ImageWidth)
	}
	if s.Height, ok = d.firstUint(tags, ImageLength); !ok {
		return s, fmt.Errorf("missing or invalid tag: %s", ImageLength)
	}
	_, s.Tiled = tags[TileWidth]
	if subfile, ok := d.firstUint(tags, NewSubfileType); ok {
		s.Mask = subfile&subfileMask != 0
	}
	return s, nil
}

// readHeader parses the TIFF file header to determine byte order, file format, and IFD location
func readHeader(r io.Reader) (head, error) {
	var h head

	// Read the first 2 bytes to determine byte order (little or big endian)
	var byteOrderBytes uint16
	if err := binary.Read(r, binary.BigEndian, &byteOrderBytes); err != nil {
		return h, err
	}

	switch byteOrderBytes {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, fmt.Errorf("invalid byte order 0x%04x", byteOrderBytes)
	}

	var identifier uint16
	if err := binary.Read(r, h.byteOrder, &identifier); err != nil {
		return h, err
	}

	switch identifier {
	case tiffIdentifier:
		var offset32 uint32
		if err := binary.Read(r, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		h.isBigTIFF = true

		// Read and validate the bytesize field (should be 8 for BigTIFF)
		var bytesize, reserved uint16
		if err := binary.Read(r, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, fmt.Errorf("invalid BigTIFF bytesize %d", bytesize)
		}
		if err := binary.Read(r, h.byteOrder, &reserved); err != nil {
			return h, err
		}
		if err := binary.Read(r, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}
	return h, nil
}

// readIFD reads the IFD at offset and returns its kept entries and the
// offset of the next IFD (0 at the end of the chain).
func (d *Directory) readIFD(offset uint64) (Tags, uint64, error) {
	countLen, entryLen, nextLen := 2, 12, 4
	if d.isBigTIFF {
		countLen, entryLen, nextLen = 8, 20, 8
	}

	countBytes := make([]byte, countLen)
	if err := readFullAt(d.r, countBytes, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to read IFD entry count: %w", err)
	}
	var numEntries uint64
	if d.isBigTIFF {
		numEntries = d.byteOrder.Uint64(countBytes)
	} else {
		numEntries = uint64(d.byteOrder.Uint16(countBytes))
	}
	if numEntries > maxEntries {
		return nil, 0, fmt.Errorf("IFD has %d entries", numEntries)
	}

	block := make([]byte, entryLen*int(numEntries)+nextLen)
	if err := readFullAt(d.r, block, offset+uint64(countLen)); err != nil {
		return nil, 0, fmt.Errorf("failed to read IFD block: %w", err)
	}

	tags := make(Tags)
	for i := 0; i < int(numEntries); i++ {
		raw := block[i*entryLen : (i+1)*entryLen]
		entry := iFDEntry{
			Tag:   Tag(d.byteOrder.Uint16(raw[0:2])),
			FType: fieldType(d.byteOrder.Uint16(raw[2:4])),
		}
		if !entry.Tag.wanted() || entry.FType.bytes() == 0 {
			continue
		}

		var value []byte
		if d.isBigTIFF {
			entry.Count = d.byteOrder.Uint64(raw[4:12])
			value = raw[12:20]
			entry.ValueOffset = d.byteOrder.Uint64(value)
		} else {
			entry.Count = uint64(d.byteOrder.Uint32(raw[4:8]))
			value = raw[8:12]
			entry.ValueOffset = uint64(d.byteOrder.Uint32(value))
		}

		if totalBytes := uint64(entry.FType.bytes()) * entry.Count; totalBytes <= uint64(len(value)) {
			entry.ValueBytes = slices.Clone(value[:totalBytes])
		}
		tags[entry.Tag] = entry
	}

	next := block[entryLen*int(numEntries):]
	if d.isBigTIFF {
		return tags, d.byteOrder.Uint64(next), nil
	}
	return tags, uint64(d.byteOrder.Uint32(next)), nil
}

// uints decodes an unsigned integer tag of any width into uint64 values.
func (d *Directory) uints(tags Tags, tag Tag) ([]uint64, error) {
	entry, ok := tags[tag]
	if !ok {
		return nil, fmt.Errorf("missing tag: %s", tag)
	}
	if entry.Count > maxValueCount {
		return nil, fmt.Errorf("tag %s has %d values", tag, entry.Count)
	}

	size := uint64(entry.FType.bytes())
	raw := entry.ValueBytes
	if raw == nil {
		raw = make([]byte, size*entry.Count)
		if err := readFullAt(d.r, raw, entry.ValueOffset); err != nil {
			return nil, fmt.Errorf("failed to read %s values at %d: %w", tag, entry.ValueOffset, err)
		}
	}

	out := make([]uint64, entry.Count)
	for i := range out {
		b := raw[uint64(i)*size:]
		switch entry.FType {
		case BYTE, UNDEFINED:
			out[i] = uint64(b[0])
		case SHORT:
			out[i] = uint64(d.byteOrder.Uint16(b))
		case LONG:
			out[i] = uint64(d.byteOrder.Uint32(b))
		case LONG8, IFD8:
			out[i] = d.byteOrder.Uint64(b)
		default:
			return nil, fmt.Errorf("unsupported type %s for tag %s", entry.FType, tag)
		}
	}
	return out, nil
}

func (d *Directory) firstUint(tags Tags, tag Tag) (uint64, bool) {
	entry, ok := tags[tag]
	if !ok || entry.Count == 0 {
		return 0, false
	}
	// Scalar tags are always inline; avoid a read for a malformed one.
	if entry.ValueBytes == nil {
		return 0, false
	}
	v, err := d.uints(Tags{tag: entry}, tag)
	if err != nil || len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

// readFullAt fills p from off. A ReaderAt may report io.EOF alongside a full
// buffer at the end of the source; only a short read is an error.
func readFullAt(r io.ReaderAt, p []byte, off uint64) error {
	n, err := r.ReadAt(p, int64(off))
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}
