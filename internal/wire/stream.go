package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Encoder frames records as [u8 kind][varint length][payload] onto an
// underlying io.Writer and accumulates a running CRC32C for the Footer,
// spec.md §6. It is owned exclusively by the writer thread
// (internal/writer), matching the "shared-resource policy" in spec.md §5.
type Encoder struct {
	w       *bufio.Writer
	crc     uint32
	started bool
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriterSize(w, 64*1024)}
}

// WriteMagic writes the file-level magic and format version. Must be
// called exactly once, before any record.
func (e *Encoder) WriteMagic() error {
	if e.started {
		return fmt.Errorf("wire: magic already written")
	}
	e.started = true
	var buf [12]byte
	copy(buf[:8], Magic[:])
	binary.LittleEndian.PutUint32(buf[8:], FormatVersion)
	return e.writeRaw(buf[:])
}

func (e *Encoder) writeRaw(b []byte) error {
	e.crc = crc32.Update(e.crc, crc32cTable, b)
	_, err := e.w.Write(b)
	return err
}

// WriteRecord frames and writes one record. kind must not be KindFooter;
// use WriteFooter for that (it is not included in its own checksum).
func (e *Encoder) WriteRecord(kind Kind, payload []byte) error {
	var hdr [1 + binary.MaxVarintLen64]byte
	hdr[0] = byte(kind)
	n := binary.PutUvarint(hdr[1:], uint64(len(payload)))
	if err := e.writeRaw(hdr[:1+n]); err != nil {
		return err
	}
	return e.writeRaw(payload)
}

// WriteFooter writes the terminal Footer record with CRC32C computed over
// every byte written so far (magic included), per spec.md §6.
func (e *Encoder) WriteFooter(f *Footer) error {
	f.CRC32C = e.crc
	return e.WriteRecord(KindFooter, f.Encode())
}

func (e *Encoder) Flush() error {
	return e.w.Flush()
}

// Decoder reads framed records back out of a stream. It tolerates
// truncation of the final record by surfacing io.ErrUnexpectedEOF from
// Next, per spec.md §6 "readers must tolerate truncation by treating the
// last incomplete record as a gap."
type Decoder struct {
	r   *bufio.Reader
	crc uint32
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadMagic validates the magic and format version, returning the version.
func (d *Decoder) ReadMagic() (uint32, error) {
	var buf [12]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, fmt.Errorf("wire: reading magic: %w", err)
	}
	d.crc = crc32.Update(d.crc, crc32cTable, buf[:])
	if string(buf[:8]) != string(Magic[:]) {
		return 0, fmt.Errorf("wire: bad magic %x", buf[:8])
	}
	return binary.LittleEndian.Uint32(buf[8:]), nil
}

// Record is one decoded [kind, payload] pair.
type Record struct {
	Kind    Kind
	Payload []byte
}

// Next reads the next record. It returns io.EOF only at a clean end of
// stream (immediately after a Footer, or zero bytes remaining); any
// truncation mid-record surfaces io.ErrUnexpectedEOF so callers can treat
// it as a gap rather than a hard failure.
func (d *Decoder) Next() (*Record, error) {
	kindByte, err := d.r.ReadByte()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	d.crc = crc32.Update(d.crc, crc32cTable, []byte{kindByte})

	length, err := binary.ReadUvarint(d.r)
	if err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], length)
	d.crc = crc32.Update(d.crc, crc32cTable, lenBuf[:n])

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	d.crc = crc32.Update(d.crc, crc32cTable, payload)

	kind := Kind(kindByte)
	if kind == KindFooter {
		// The footer's own CRC field covers everything before it, so we
		// don't fold the footer payload's stored checksum into d.crc; the
		// caller compares d.crc (pre-footer) against the decoded value.
	}
	return &Record{Kind: kind, Payload: payload}, nil
}

// ChecksumSoFar returns the running CRC32C over everything read so far,
// including the most recently returned record; lastRecordLen is ignored.
func (d *Decoder) ChecksumSoFar(lastRecordLen int) uint32 {
	// crc already includes the last record read; callers wanting the
	// pre-footer checksum should call this before reading the Footer
	// record itself, which ReadFooterAndVerify below handles internally.
	_ = lastRecordLen
	return d.crc
}

// ReadFooterAndVerify reads the next record, requires it to be a Footer,
// and verifies its CRC32C field against everything read prior to it.
func (d *Decoder) ReadFooterAndVerify() (*Footer, error) {
	preFooterCRC := d.crc
	rec, err := d.Next()
	if err != nil {
		return nil, err
	}
	if rec.Kind != KindFooter {
		return nil, fmt.Errorf("wire: expected Footer, got %s", rec.Kind)
	}
	f, err := DecodeFooter(rec.Payload)
	if err != nil {
		return nil, err
	}
	if f.CRC32C != preFooterCRC {
		return nil, fmt.Errorf("wire: footer checksum mismatch: stream=%#x computed=%#x", f.CRC32C, preFooterCRC)
	}
	return f, nil
}
