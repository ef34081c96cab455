package geotiff

import "fmt"

const (
	littleEndian      = 0x4949 // "II"
	bigEndian         = 0x4D4D // "MM"
	tiffIdentifier    = 42
	bigTiffIdentifier = 43
	bigTiffBytesize   = 8
)

type fieldType uint16

const (
	BYTE      fieldType = 1
	ASCII     fieldType = 2
	SHORT     fieldType = 3
	LONG      fieldType = 4
	RATIONAL  fieldType = 5
	SBYTE     fieldType = 6
	UNDEFINED fieldType = 7
	SSHORT    fieldType = 8
	SLONG     fieldType = 9
	SRATIONAL fieldType = 10
	FLOAT     fieldType = 11
	DOUBLE    fieldType = 12
	LONG8     fieldType = 16
	SLONG8    fieldType = 17
	IFD8      fieldType = 18
)

const (
	zeroByte  = 0
	oneByte   = 1
	twoByte   = 2
	fourByte  = 4
	eightByte = 8
)

// fieldTypeLen is the length of every field type in bytes
var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte, // 0-3
	fourByte, eightByte, oneByte, oneByte, // 4-7
	twoByte, fourByte, eightByte, fourByte, // 8-11
	eightByte, // 12 (DOUBLE)
	0, 0, 0,   // 13-15 (Reserved)
	eightByte, eightByte, eightByte, // 16-18 (LONG8, SLONG8, IFD8)
}

var fieldTypeToLabel = map[fieldType]string{
	BYTE:      "BYTE",
	ASCII:     "ASCII",
	SHORT:     "SHORT",
	LONG:      "LONG",
	RATIONAL:  "RATIONAL",
	SBYTE:     "SBYTE",
	UNDEFINED: "UNDEFINED",
	SSHORT:    "SSHORT",
	SLONG:     "SLONG",
	SRATIONAL: "SRATIONAL",
	FLOAT:     "FLOAT",
	DOUBLE:    "DOUBLE",
	LONG8:     "LONG8",
	SLONG8:    "SLONG8",
	IFD8:      "IFD8",
}

func (f fieldType) String() string {
	v, ok := fieldTypeToLabel[f]
	if !ok {
		return fmt.Sprintf("unrecognized field type %d", f)
	}
	return v
}

// bytes returns the number of bytes in each data type
//
// returns 0 if unrecognized
func (f fieldType) bytes() uint32 {
	if f == 0 || int(f) >= len(fieldTypeLen) {
		return fieldTypeLen[0]
	}
	return fieldTypeLen[int(f)]
}

// Tag is a TIFF tag identifier.
type Tag uint16

// Tags needed to locate tiles. Everything else in an IFD is skipped.
const (
	NewSubfileType  Tag = 254
	ImageWidth      Tag = 256
	ImageLength     Tag = 257
	Compression     Tag = 259
	StripOffsets    Tag = 273
	RowsPerStrip    Tag = 278
	StripByteCounts Tag = 279
	TileWidth       Tag = 322
	TileLength      Tag = 323
	TileOffsets     Tag = 324
	TileByteCounts  Tag = 325
)

var tagToLabel = map[Tag]string{
	NewSubfileType:  "NewSubfileType",
	ImageWidth:      "ImageWidth",
	ImageLength:     "ImageLength",
	Compression:     "Compression",
	StripOffsets:    "StripOffsets",
	RowsPerStrip:    "RowsPerStrip",
	StripByteCounts: "StripByteCounts",
	TileWidth:       "TileWidth",
	TileLength:      "TileLength",
	TileOffsets:     "TileOffsets",
	TileByteCounts:  "TileByteCounts",
}

func (t Tag) String() string {
	v, ok := tagToLabel[t]
	if !ok {
		return fmt.Sprintf("%d", t)
	}
	return v
}

// wanted reports whether the directory reader keeps the value of t.
func (t Tag) wanted() bool {
	_, ok := tagToLabel[t]
	return ok
}

// subfileMask is the NewSubfileType bit flagging a transparency mask.
const subfileMask = 4
