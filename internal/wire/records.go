package wire

import (
	"encoding/binary"
	"fmt"
)

// PointerSize is carried in the Header so readers know the width of raw
// addresses in Allocation/Reallocation/Deallocation records.
type PointerSize uint8

const (
	PointerSize32 PointerSize = 4
	PointerSize64 PointerSize = 8
)

// Header is emitted once, immediately after the magic and format version,
// spec.md §3 "Header record".
type Header struct {
	Flags            uint32
	PID              uint32
	ExecutablePath   string
	WallStartNs      uint64
	MonotonicStartNs uint64
	Arch             string
	PointerSize      PointerSize
}

func (h *Header) Encode() []byte {
	buf := make([]byte, 0, 64+len(h.ExecutablePath)+len(h.Arch))
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], h.Flags)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], h.PID)
	buf = append(buf, tmp[:]...)
	buf = putUvarint(buf, h.WallStartNs)
	buf = putUvarint(buf, h.MonotonicStartNs)
	buf = append(buf, byte(h.PointerSize))
	buf = putUvarint(buf, uint64(len(h.ExecutablePath)))
	buf = append(buf, h.ExecutablePath...)
	buf = putUvarint(buf, uint64(len(h.Arch)))
	buf = append(buf, h.Arch...)
	return buf
}

func DecodeHeader(b []byte) (*Header, error) {
	c := &byteCursor{buf: b}
	flags, err := c.u32()
	if err != nil {
		return nil, fmt.Errorf("header: flags: %w", err)
	}
	pid, err := c.u32()
	if err != nil {
		return nil, fmt.Errorf("header: pid: %w", err)
	}
	wall, err := c.uvarint()
	if err != nil {
		return nil, fmt.Errorf("header: wall: %w", err)
	}
	mono, err := c.uvarint()
	if err != nil {
		return nil, fmt.Errorf("header: mono: %w", err)
	}
	ptrSizeByte, err := c.byte()
	if err != nil {
		return nil, fmt.Errorf("header: ptrsize: %w", err)
	}
	pathLen, err := c.uvarint()
	if err != nil {
		return nil, fmt.Errorf("header: pathlen: %w", err)
	}
	path, err := c.bytes(int(pathLen))
	if err != nil {
		return nil, fmt.Errorf("header: path: %w", err)
	}
	archLen, err := c.uvarint()
	if err != nil {
		return nil, fmt.Errorf("header: archlen: %w", err)
	}
	arch, err := c.bytes(int(archLen))
	if err != nil {
		return nil, fmt.Errorf("header: arch: %w", err)
	}
	return &Header{
		Flags:            flags,
		PID:              pid,
		WallStartNs:      wall,
		MonotonicStartNs: mono,
		PointerSize:      PointerSize(ptrSizeByte),
		ExecutablePath:   string(path),
		Arch:             string(arch),
	}, nil
}

// ThreadAnnounce must precede the first event from a thread, invariant §3.3.
type ThreadAnnounce struct {
	ThreadID  uint32
	Name      string // up to 16 bytes, spec.md §3 "Thread record"
	CreatedAt uint64
}

func (t *ThreadAnnounce) Encode() []byte {
	name := t.Name
	if len(name) > 16 {
		name = name[:16]
	}
	buf := make([]byte, 0, 32)
	buf = putUvarint(buf, uint64(t.ThreadID))
	buf = putUvarint(buf, t.CreatedAt)
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	return buf
}

func DecodeThreadAnnounce(b []byte) (*ThreadAnnounce, error) {
	c := &byteCursor{buf: b}
	tid, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	created, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	nlen, err := c.byte()
	if err != nil {
		return nil, err
	}
	name, err := c.bytes(int(nlen))
	if err != nil {
		return nil, err
	}
	return &ThreadAnnounce{ThreadID: uint32(tid), CreatedAt: created, Name: string(name)}, nil
}

// NewBacktrace announces a previously-unseen backtrace before any event
// references it, invariant §3.2. Frames are encoded as varint deltas
// against a per-stream base (the first frame is the base), matching the
// "frames as varint deltas against a per-stream base" note in spec.md §6.
type NewBacktrace struct {
	ID     uint32
	Frames []uint64 // innermost first, opaque program counters
}

func (n *NewBacktrace) Encode() []byte {
	buf := make([]byte, 0, 8+len(n.Frames)*2)
	buf = putUvarint(buf, uint64(n.ID))
	buf = putUvarint(buf, uint64(len(n.Frames)))
	if len(n.Frames) == 0 {
		return buf
	}
	base := n.Frames[0]
	buf = putUvarint(buf, base)
	for _, f := range n.Frames[1:] {
		buf = putVarint(buf, int64(f)-int64(base))
	}
	return buf
}

func DecodeNewBacktrace(b []byte) (*NewBacktrace, error) {
	c := &byteCursor{buf: b}
	id, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	count, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	frames := make([]uint64, 0, count)
	if count > 0 {
		base, err := c.uvarint()
		if err != nil {
			return nil, err
		}
		frames = append(frames, base)
		for i := uint64(1); i < count; i++ {
			delta, err := c.varint()
			if err != nil {
				return nil, err
			}
			frames = append(frames, uint64(int64(base)+delta))
		}
	}
	return &NewBacktrace{ID: uint32(id), Frames: frames}, nil
}

// Allocation is spec.md §3 "Allocation event".
type Allocation struct {
	TimestampDelta uint64
	ThreadID       uint32
	BacktraceID    uint32
	Address        uint64
	Size           uint64
	Flags          AllocationFlags
}

func (a *Allocation) Encode() []byte {
	buf := make([]byte, 0, 32)
	buf = putUvarint(buf, a.TimestampDelta)
	buf = putUvarint(buf, uint64(a.ThreadID))
	buf = putUvarint(buf, uint64(a.BacktraceID))
	buf = putUvarint(buf, a.Address)
	buf = putUvarint(buf, a.Size)
	buf = putUvarint(buf, uint64(a.Flags))
	return buf
}

func DecodeAllocation(b []byte) (*Allocation, error) {
	c := &byteCursor{buf: b}
	ts, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	tid, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	bt, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	addr, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	size, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	flags, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	return &Allocation{
		TimestampDelta: ts,
		ThreadID:       uint32(tid),
		BacktraceID:    uint32(bt),
		Address:        addr,
		Size:           size,
		Flags:          AllocationFlags(flags),
	}, nil
}

// Reallocation is spec.md §3 "Reallocation event". Modelled as a single
// atomic event rather than free+alloc.
type Reallocation struct {
	TimestampDelta uint64
	ThreadID       uint32
	BacktraceID    uint32
	NewAddress     uint64
	OldAddress     uint64
	NewSize        uint64
	Flags          AllocationFlags
}

func (r *Reallocation) Encode() []byte {
	buf := make([]byte, 0, 40)
	buf = putUvarint(buf, r.TimestampDelta)
	buf = putUvarint(buf, uint64(r.ThreadID))
	buf = putUvarint(buf, uint64(r.BacktraceID))
	buf = putUvarint(buf, r.NewAddress)
	buf = putUvarint(buf, r.OldAddress)
	buf = putUvarint(buf, r.NewSize)
	buf = putUvarint(buf, uint64(r.Flags))
	return buf
}

func DecodeReallocation(b []byte) (*Reallocation, error) {
	c := &byteCursor{buf: b}
	ts, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	tid, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	bt, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	newAddr, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	oldAddr, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	newSize, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	flags, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	return &Reallocation{
		TimestampDelta: ts,
		ThreadID:       uint32(tid),
		BacktraceID:    uint32(bt),
		NewAddress:     newAddr,
		OldAddress:     oldAddr,
		NewSize:        newSize,
		Flags:          AllocationFlags(flags),
	}, nil
}

// Deallocation is spec.md §3 "Deallocation event". BacktraceID of 0 means
// "none" (e.g. bootstrap-region frees, spec.md §4.C).
type Deallocation struct {
	TimestampDelta uint64
	ThreadID       uint32
	BacktraceID    uint32 // 0 == none
	Address        uint64
}

func (d *Deallocation) Encode() []byte {
	buf := make([]byte, 0, 24)
	buf = putUvarint(buf, d.TimestampDelta)
	buf = putUvarint(buf, uint64(d.ThreadID))
	buf = putUvarint(buf, uint64(d.BacktraceID))
	buf = putUvarint(buf, d.Address)
	return buf
}

func DecodeDeallocation(b []byte) (*Deallocation, error) {
	c := &byteCursor{buf: b}
	ts, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	tid, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	bt, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	addr, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	return &Deallocation{TimestampDelta: ts, ThreadID: uint32(tid), BacktraceID: uint32(bt), Address: addr}, nil
}

// MapRecord is spec.md §3 "Memory-map record", shared by MapAdded and the
// backtrace-less /proc-discovered variant; MapRemoved, MapResized and
// MapProtChanged records carry the same full set of fields.
type MapRecord struct {
	TimestampDelta uint64
	MapID          uint32
	Address        uint64
	Length         uint64
	Protection     uint8
	Flags          MapFlags
	FileOffset     uint64
	Inode          uint64
	Device         uint64
	Path           string
	BacktraceID    uint32 // 0 == none (discovered via /proc)
	Source         MapSource
}

func (m *MapRecord) Encode() []byte {
	buf := make([]byte, 0, 48+len(m.Path))
	buf = putUvarint(buf, m.TimestampDelta)
	buf = putUvarint(buf, uint64(m.MapID))
	buf = putUvarint(buf, m.Address)
	buf = putUvarint(buf, m.Length)
	buf = append(buf, m.Protection, byte(m.Flags), byte(m.Source))
	buf = putUvarint(buf, m.FileOffset)
	buf = putUvarint(buf, m.Inode)
	buf = putUvarint(buf, m.Device)
	buf = putUvarint(buf, uint64(m.BacktraceID))
	buf = putUvarint(buf, uint64(len(m.Path)))
	buf = append(buf, m.Path...)
	return buf
}

func DecodeMapRecord(b []byte) (*MapRecord, error) {
	c := &byteCursor{buf: b}
	ts, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	id, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	addr, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	length, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	prot, err := c.byte()
	if err != nil {
		return nil, err
	}
	flags, err := c.byte()
	if err != nil {
		return nil, err
	}
	src, err := c.byte()
	if err != nil {
		return nil, err
	}
	off, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	inode, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	dev, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	bt, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	pathLen, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	path, err := c.bytes(int(pathLen))
	if err != nil {
		return nil, err
	}
	return &MapRecord{
		TimestampDelta: ts,
		MapID:          uint32(id),
		Address:        addr,
		Length:         length,
		Protection:     prot,
		Flags:          MapFlags(flags),
		Source:         MapSource(src),
		FileOffset:     off,
		Inode:          inode,
		Device:         dev,
		BacktraceID:    uint32(bt),
		Path:           string(path),
	}, nil
}

// MapUsage is spec.md §3 "Map-usage sample".
type MapUsage struct {
	TimestampDelta uint64
	MapID          uint32
	RSSBytes       uint64
	DirtyBytes     uint64
	CleanBytes     uint64
	AnonymousBytes uint64
	SwapBytes      uint64
}

func (m *MapUsage) Encode() []byte {
	buf := make([]byte, 0, 48)
	buf = putUvarint(buf, m.TimestampDelta)
	buf = putUvarint(buf, uint64(m.MapID))
	buf = putUvarint(buf, m.RSSBytes)
	buf = putUvarint(buf, m.DirtyBytes)
	buf = putUvarint(buf, m.CleanBytes)
	buf = putUvarint(buf, m.AnonymousBytes)
	buf = putUvarint(buf, m.SwapBytes)
	return buf
}

func DecodeMapUsage(b []byte) (*MapUsage, error) {
	c := &byteCursor{buf: b}
	vals := make([]uint64, 7)
	for i := range vals {
		v, err := c.uvarint()
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return &MapUsage{
		TimestampDelta: vals[0],
		MapID:          uint32(vals[1]),
		RSSBytes:       vals[2],
		DirtyBytes:     vals[3],
		CleanBytes:     vals[4],
		AnonymousBytes: vals[5],
		SwapBytes:      vals[6],
	}, nil
}

// BinaryEmbed is spec.md §3 "Binary embedding record". Large binaries are
// chunked by the caller (internal/binembed); Bytes here is one chunk's
// payload, already compressed (internal/binembed wraps it with zstd).
type BinaryEmbed struct {
	Path          string
	BuildID       string
	TotalLength   uint64
	ChunkIndex    uint32
	ChunkCount    uint32
	Bytes         []byte
	CompressedLen uint64 // total compressed length of the whole binary, across all chunks
}

func (e *BinaryEmbed) Encode() []byte {
	buf := make([]byte, 0, 48+len(e.Path)+len(e.BuildID)+len(e.Bytes))
	buf = putUvarint(buf, uint64(len(e.Path)))
	buf = append(buf, e.Path...)
	buf = putUvarint(buf, uint64(len(e.BuildID)))
	buf = append(buf, e.BuildID...)
	buf = putUvarint(buf, e.TotalLength)
	buf = putUvarint(buf, uint64(e.ChunkIndex))
	buf = putUvarint(buf, uint64(e.ChunkCount))
	buf = putUvarint(buf, e.CompressedLen)
	buf = putUvarint(buf, uint64(len(e.Bytes)))
	buf = append(buf, e.Bytes...)
	return buf
}

func DecodeBinaryEmbed(b []byte) (*BinaryEmbed, error) {
	c := &byteCursor{buf: b}
	pathLen, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	path, err := c.bytes(int(pathLen))
	if err != nil {
		return nil, err
	}
	bidLen, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	bid, err := c.bytes(int(bidLen))
	if err != nil {
		return nil, err
	}
	total, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	idx, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	cnt, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	compLen, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	dataLen, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	data, err := c.bytes(int(dataLen))
	if err != nil {
		return nil, err
	}
	dataCopy := append([]byte(nil), data...)
	return &BinaryEmbed{
		Path:          string(path),
		BuildID:       string(bid),
		TotalLength:   total,
		ChunkIndex:    uint32(idx),
		ChunkCount:    uint32(cnt),
		CompressedLen: compLen,
		Bytes:         dataCopy,
	}, nil
}

// Marker is spec.md §3 "Marker record".
type Marker struct {
	TimestampDelta uint64
	Value          uint32
}

func (m *Marker) Encode() []byte {
	buf := make([]byte, 0, 16)
	buf = putUvarint(buf, m.TimestampDelta)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], m.Value)
	return append(buf, tmp[:]...)
}

func DecodeMarker(b []byte) (*Marker, error) {
	c := &byteCursor{buf: b}
	ts, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	v, err := c.u32()
	if err != nil {
		return nil, err
	}
	return &Marker{TimestampDelta: ts, Value: v}, nil
}

// TimestampBase resets the per-thread delta base, spec.md §6.
type TimestampBase struct {
	MonotonicNs uint64
	WallNs      uint64
}

func (t *TimestampBase) Encode() []byte {
	buf := make([]byte, 0, 16)
	buf = putUvarint(buf, t.MonotonicNs)
	buf = putUvarint(buf, t.WallNs)
	return buf
}

func DecodeTimestampBase(b []byte) (*TimestampBase, error) {
	c := &byteCursor{buf: b}
	mono, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	wall, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	return &TimestampBase{MonotonicNs: mono, WallNs: wall}, nil
}

// GapReason explains why a GapNotice was emitted.
type GapReason uint8

const (
	GapReasonRingOverflow   GapReason = 1
	GapReasonSinkUnavailable GapReason = 2
	GapReasonSpillOverflow  GapReason = 3
	GapReasonTruncated      GapReason = 4
)

// GapNotice is spec.md §6: "dropped_count, reason".
type GapNotice struct {
	TimestampDelta uint64
	DroppedCount   uint64
	Reason         GapReason
}

func (g *GapNotice) Encode() []byte {
	buf := make([]byte, 0, 24)
	buf = putUvarint(buf, g.TimestampDelta)
	buf = putUvarint(buf, g.DroppedCount)
	return append(buf, byte(g.Reason))
}

func DecodeGapNotice(b []byte) (*GapNotice, error) {
	c := &byteCursor{buf: b}
	ts, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	dropped, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	reason, err := c.byte()
	if err != nil {
		return nil, err
	}
	return &GapNotice{TimestampDelta: ts, DroppedCount: dropped, Reason: GapReason(reason)}, nil
}

// Footer is spec.md §6: "counters, CRC32C of all prior bytes". It is always
// the last record in a well-formed stream (spec.md §7 "User-visible failure
// behavior").
type Footer struct {
	DroppedEvents    uint64
	TotalEvents      uint64
	TotalBacktraces  uint32
	TotalThreads     uint32
	TotalMaps        uint32
	SpillDropEvents  uint64
	CRC32C           uint32
}

func (f *Footer) Encode() []byte {
	buf := make([]byte, 0, 48)
	buf = putUvarint(buf, f.DroppedEvents)
	buf = putUvarint(buf, f.TotalEvents)
	buf = putUvarint(buf, uint64(f.TotalBacktraces))
	buf = putUvarint(buf, uint64(f.TotalThreads))
	buf = putUvarint(buf, uint64(f.TotalMaps))
	buf = putUvarint(buf, f.SpillDropEvents)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], f.CRC32C)
	return append(buf, tmp[:]...)
}

func DecodeFooter(b []byte) (*Footer, error) {
	c := &byteCursor{buf: b}
	dropped, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	total, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	bts, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	threads, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	maps, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	spill, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	crc, err := c.u32()
	if err != nil {
		return nil, err
	}
	return &Footer{
		DroppedEvents:   dropped,
		TotalEvents:     total,
		TotalBacktraces: uint32(bts),
		TotalThreads:    uint32(threads),
		TotalMaps:       uint32(maps),
		SpillDropEvents: spill,
		CRC32C:          crc,
	}, nil
}
