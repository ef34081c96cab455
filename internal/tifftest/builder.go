// Package tifftest builds small synthetic TIFF and BigTIFF files for tests.
package tifftest

import (
	"encoding/binary"
	"slices"
)

// Level describes one IFD to emit. A zero TileWidth produces a strip IFD.
type Level struct {
	Width      uint32
	Height     uint32
	TileWidth  uint16
	TileHeight uint16
	Subfile    uint32
	Offsets    []uint64
	ByteCounts []uint64
}

// ByteOrder is satisfied by binary.LittleEndian and binary.BigEndian.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Options control the file layout.
type Options struct {
	ByteOrder ByteOrder
	BigTIFF   bool
	// Loop points the last IFD back at the first one.
	Loop bool
}

const (
	typeASCII = 2
	typeShort = 3
	typeLong  = 4
	typeLong8 = 16
)

type entry struct {
	tag    uint16
	typ    uint16
	values []uint64
	text   string
}

func typeSize(typ uint16) int {
	switch typ {
	case typeASCII:
		return 1
	case typeShort:
		return 2
	case typeLong:
		return 4
	default:
		return 8
	}
}

// Build returns the bytes of a TIFF whose IFD chain holds levels in order.
// The returned offsets of each IFD are handy for corrupting the file.
func Build(opts Options, levels []Level) ([]byte, []uint64) {
	var bo ByteOrder = binary.LittleEndian
	if opts.ByteOrder != nil {
		bo = opts.ByteOrder
	}
	countLen, entryLen, nextLen, inline := 2, 12, 4, 4
	arrayType := uint16(typeLong)
	if opts.BigTIFF {
		countLen, entryLen, nextLen, inline = 8, 20, 8, 8
		arrayType = typeLong8
	}

	var buf []byte
	if bo == ByteOrder(binary.BigEndian) {
		buf = append(buf, 'M', 'M')
	} else {
		buf = append(buf, 'I', 'I')
	}
	var firstPtr int
	if opts.BigTIFF {
		buf = bo.AppendUint16(buf, 43)
		buf = bo.AppendUint16(buf, 8)
		buf = bo.AppendUint16(buf, 0)
		firstPtr = len(buf)
		buf = bo.AppendUint64(buf, 0)
	} else {
		buf = bo.AppendUint16(buf, 42)
		firstPtr = len(buf)
		buf = bo.AppendUint32(buf, 0)
	}

	putPtr := func(at int, v uint64) {
		if opts.BigTIFF {
			bo.PutUint64(buf[at:], v)
		} else {
			bo.PutUint32(buf[at:], uint32(v))
		}
	}

	var ifdOffsets []uint64
	prevPtr := firstPtr
	for _, l := range levels {
		entries := []entry{
			{tag: 256, typ: typeLong, values: []uint64{uint64(l.Width)}},
			{tag: 257, typ: typeLong, values: []uint64{uint64(l.Height)}},
			{tag: 270, typ: typeASCII, text: "synthetic test level\x00"},
			{tag: 339, typ: typeShort, values: []uint64{1}},
		}
		if l.Subfile != 0 {
			entries = append(entries, entry{tag: 254, typ: typeLong, values: []uint64{uint64(l.Subfile)}})
		}
		if l.TileWidth != 0 {
			entries = append(entries,
				entry{tag: 322, typ: typeShort, values: []uint64{uint64(l.TileWidth)}},
				entry{tag: 323, typ: typeShort, values: []uint64{uint64(l.TileHeight)}},
				entry{tag: 324, typ: arrayType, values: l.Offsets},
				entry{tag: 325, typ: arrayType, values: l.ByteCounts},
			)
		} else {
			entries = append(entries,
				entry{tag: 273, typ: typeLong, values: l.Offsets},
				entry{tag: 278, typ: typeLong, values: []uint64{uint64(l.Height)}},
				entry{tag: 279, typ: typeLong, values: l.ByteCounts},
			)
		}
		slices.SortFunc(entries, func(a, b entry) int { return int(a.tag) - int(b.tag) })

		// Keep IFDs word aligned.
		if len(buf)%2 == 1 {
			buf = append(buf, 0)
		}
		ifdOffset := uint64(len(buf))
		ifdOffsets = append(ifdOffsets, ifdOffset)
		putPtr(prevPtr, ifdOffset)

		dataStart := len(buf) + countLen + entryLen*len(entries) + nextLen
		var data []byte
		if opts.BigTIFF {
			buf = bo.AppendUint64(buf, uint64(len(entries)))
		} else {
			buf = bo.AppendUint16(buf, uint16(len(entries)))
		}
		for _, e := range entries {
			raw := encode(bo, e)
			count := uint64(len(e.values))
			if e.typ == typeASCII {
				count = uint64(len(e.text))
			}
			buf = bo.AppendUint16(buf, e.tag)
			buf = bo.AppendUint16(buf, e.typ)
			if opts.BigTIFF {
				buf = bo.AppendUint64(buf, count)
			} else {
				buf = bo.AppendUint32(buf, uint32(count))
			}
			field := make([]byte, inline)
			if len(raw) <= inline {
				copy(field, raw)
			} else {
				off := uint64(dataStart + len(data))
				data = append(data, raw...)
				if opts.BigTIFF {
					bo.PutUint64(field, off)
				} else {
					bo.PutUint32(field, uint32(off))
				}
			}
			buf = append(buf, field...)
		}
		prevPtr = len(buf)
		if opts.BigTIFF {
			buf = bo.AppendUint64(buf, 0)
		} else {
			buf = bo.AppendUint32(buf, 0)
		}
		buf = append(buf, data...)
	}

	if opts.Loop && len(ifdOffsets) > 0 {
		putPtr(prevPtr, ifdOffsets[0])
	}
	return buf, ifdOffsets
}

func encode(bo ByteOrder, e entry) []byte {
	if e.typ == typeASCII {
		return []byte(e.text)
	}
	out := make([]byte, 0, len(e.values)*typeSize(e.typ))
	for _, v := range e.values {
		switch e.typ {
		case typeShort:
			out = bo.AppendUint16(out, uint16(v))
		case typeLong:
			out = bo.AppendUint32(out, uint32(v))
		default:
			out = bo.AppendUint64(out, v)
		}
	}
	return out
}

// Table returns n tile offsets starting at start, each tile length bytes
// long and packed back to back.
func Table(n int, start, length uint64) (offsets, counts []uint64) {
	offsets = make([]uint64, n)
	counts = make([]uint64, n)
	for i := range n {
		offsets[i] = start + uint64(i)*length
		counts[i] = length
	}
	return offsets, counts
}

// Place pads file with zeros up to start and appends payload there. It
// panics if the file already extends past start.
func Place(file []byte, start uint64, payload []byte) []byte {
	if uint64(len(file)) > start {
		panic("tifftest: payload start overlaps the directory")
	}
	out := make([]byte, start, start+uint64(len(payload)))
	copy(out, file)
	return append(out, payload...)
}

// Payload returns n bytes of a repeating, position-dependent pattern so that
// a range read from the wrong offset is detectable.
func Payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + i/251)
	}
	return p
}
