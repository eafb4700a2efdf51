// Package wire implements the on-disk/on-wire event stream format: framing,
// varint encoding, record kinds and the magic/header/footer envelope
// described in spec.md §6.
package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Magic is the 8-byte file/stream magic, spec.md §6.
var Magic = [8]byte{'M', 'P', 'F', 'R', 0, 0, 0, 1}

// FormatVersion is the 4-byte format version following the magic.
const FormatVersion uint32 = 1

// Kind identifies a record type. Values are stable per spec.md §6.
type Kind byte

const (
	KindHeader          Kind = 0x01
	KindThreadAnnounce   Kind = 0x02
	KindNewBacktrace     Kind = 0x03
	KindAllocation       Kind = 0x04
	KindReallocation     Kind = 0x05
	KindDeallocation     Kind = 0x06
	KindMapAdded         Kind = 0x07
	KindMapRemoved       Kind = 0x08
	KindMapResized       Kind = 0x09
	KindMapProtChanged   Kind = 0x0A
	KindMapUsage         Kind = 0x0B
	KindBinaryEmbed      Kind = 0x0C
	KindMarker           Kind = 0x0D
	KindTimestampBase    Kind = 0x0E
	KindGapNotice        Kind = 0x0F
	KindFooter           Kind = 0x10
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "Header"
	case KindThreadAnnounce:
		return "ThreadAnnounce"
	case KindNewBacktrace:
		return "NewBacktrace"
	case KindAllocation:
		return "Allocation"
	case KindReallocation:
		return "Reallocation"
	case KindDeallocation:
		return "Deallocation"
	case KindMapAdded:
		return "MapAdded"
	case KindMapRemoved:
		return "MapRemoved"
	case KindMapResized:
		return "MapResized"
	case KindMapProtChanged:
		return "MapProtChanged"
	case KindMapUsage:
		return "MapUsage"
	case KindBinaryEmbed:
		return "BinaryEmbed"
	case KindMarker:
		return "Marker"
	case KindTimestampBase:
		return "TimestampBase"
	case KindGapNotice:
		return "GapNotice"
	case KindFooter:
		return "Footer"
	default:
		return fmt.Sprintf("Kind(%#x)", byte(k))
	}
}

// AllocationFlags encodes the bitfield flags carried by allocation-family
// records, spec.md §3 "Allocation event".
type AllocationFlags uint16

const (
	FlagMmaped         AllocationFlags = 1 << 0
	FlagInMainArena     AllocationFlags = 1 << 1
	FlagIsJemalloc      AllocationFlags = 1 << 2
	FlagIsCalloc        AllocationFlags = 1 << 3
	FlagIsReallocOf     AllocationFlags = 1 << 4
	// AlignmentShiftMask/Shift pack log2(alignment) into the high bits.
	AlignmentShiftShift = 8
	AlignmentShiftMask  = 0xFF << AlignmentShiftShift
)

// WithAlignmentShift returns f with the alignment-shift field set to shift
// (log2 of the requested alignment), per spec.md §4.C.
func (f AllocationFlags) WithAlignmentShift(shift uint8) AllocationFlags {
	return (f &^ AlignmentShiftMask) | AllocationFlags(uint16(shift)<<AlignmentShiftShift)
}

// AlignmentShift extracts the alignment-shift field.
func (f AllocationFlags) AlignmentShift() uint8 {
	return uint8((f & AlignmentShiftMask) >> AlignmentShiftShift)
}

// MapFlags encodes memory-map record flags, spec.md §3 "Memory-map record".
type MapFlags uint8

const (
	MapPrivate   MapFlags = 1 << 0
	MapShared    MapFlags = 1 << 1
	MapAnonymous MapFlags = 1 << 2
	MapFixed     MapFlags = 1 << 3
)

// MapSource records whether a map record was observed via direct intercept
// or sampled from /proc, spec.md §3.
type MapSource uint8

const (
	MapSourceIntercept MapSource = 0
	MapSourceProc       MapSource = 1
)

// putUvarint appends v to buf as LEB128 and returns the extended slice.
func putUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func putVarint(buf []byte, v int64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// byteCursor lets callers pull varints out of a byte slice
// without allocating an intermediate bytes.Reader per record.
type byteCursor struct {
	buf []byte
	pos int
}

func (c *byteCursor) uvarint() (uint64, error) {
	v, n := binary.Uvarint(c.buf[c.pos:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	c.pos += n
	return v, nil
}

func (c *byteCursor) varint() (int64, error) {
	v, n := binary.Varint(c.buf[c.pos:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	c.pos += n
	return v, nil
}

func (c *byteCursor) bytes(n int) ([]byte, error) {
	if c.pos+n > len(c.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *byteCursor) byte() (byte, error) {
	if c.pos >= len(c.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *byteCursor) u64() (uint64, error) {
	b, err := c.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *byteCursor) u32() (uint32, error) {
	b, err := c.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// CRC32C is the checksum algorithm used by the Footer record.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func ChecksumCRC32C(b []byte) uint32 {
	return crc32.Checksum(b, crc32cTable)
}
