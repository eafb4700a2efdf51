package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Flags:            0x1,
		PID:              4242,
		ExecutablePath:   "/usr/bin/widget",
		WallStartNs:      123456789,
		MonotonicStartNs: 987654321,
		Arch:             "amd64",
		PointerSize:      PointerSize64,
	}
	got, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestEncodeDecodeNewBacktraceRoundTrip(t *testing.T) {
	nb := &NewBacktrace{ID: 7, Frames: []uint64{0x401000, 0x401200, 0x7fff0000, 0x10}}
	got, err := DecodeNewBacktrace(nb.Encode())
	require.NoError(t, err)
	assert.Equal(t, nb, got)
}

func TestEncodeDecodeNewBacktraceEmpty(t *testing.T) {
	nb := &NewBacktrace{ID: 1, Frames: nil}
	got, err := DecodeNewBacktrace(nb.Encode())
	require.NoError(t, err)
	assert.Equal(t, 0, len(got.Frames))
}

func TestAllocationFlagsAlignmentShift(t *testing.T) {
	var f AllocationFlags
	f = f.WithAlignmentShift(5)
	assert.Equal(t, uint8(5), f.AlignmentShift())
	f |= FlagIsCalloc
	assert.Equal(t, uint8(5), f.AlignmentShift(), "setting another flag bit must not disturb the shift field")
	assert.True(t, f&FlagIsCalloc != 0)
}

func TestStreamRoundTripWithFooterChecksum(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.WriteMagic())

	h := &Header{PID: 99, ExecutablePath: "/bin/x", Arch: "amd64", PointerSize: PointerSize64}
	require.NoError(t, enc.WriteRecord(KindHeader, h.Encode()))

	ta := &ThreadAnnounce{ThreadID: 1, Name: "main", CreatedAt: 10}
	require.NoError(t, enc.WriteRecord(KindThreadAnnounce, ta.Encode()))

	nb := &NewBacktrace{ID: 1, Frames: []uint64{0x1000, 0x2000}}
	require.NoError(t, enc.WriteRecord(KindNewBacktrace, nb.Encode()))

	alloc := &Allocation{TimestampDelta: 5, ThreadID: 1, BacktraceID: 1, Address: 0xdeadbeef, Size: 128}
	require.NoError(t, enc.WriteRecord(KindAllocation, alloc.Encode()))

	require.NoError(t, enc.WriteFooter(&Footer{TotalEvents: 1, TotalBacktraces: 1, TotalThreads: 1}))
	require.NoError(t, enc.Flush())

	dec := NewDecoder(&buf)
	version, err := dec.ReadMagic()
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, version)

	var kinds []Kind
	var gotFooter *Footer
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if rec.Kind == KindFooter {
			f, err := DecodeFooter(rec.Payload)
			require.NoError(t, err)
			gotFooter = f
			break
		}
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []Kind{KindHeader, KindThreadAnnounce, KindNewBacktrace, KindAllocation}, kinds)
	require.NotNil(t, gotFooter)
	assert.Equal(t, uint64(1), gotFooter.TotalEvents)
}

func TestFooterChecksumDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.WriteMagic())
	require.NoError(t, enc.WriteRecord(KindMarker, (&Marker{Value: 1}).Encode()))
	require.NoError(t, enc.WriteFooter(&Footer{}))
	require.NoError(t, enc.Flush())

	raw := buf.Bytes()
	raw[len(raw)-15] ^= 0xFF // flip a byte inside the marker payload

	dec := NewDecoder(bytes.NewReader(raw))
	_, err := dec.ReadMagic()
	require.NoError(t, err)
	_, err = dec.Next() // marker
	require.NoError(t, err)
	_, err = dec.ReadFooterAndVerify()
	assert.Error(t, err, "corrupted payload must fail the footer CRC32C check")
}

func TestDecoderTreatsTruncationAsGap(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.WriteMagic())
	require.NoError(t, enc.WriteRecord(KindAllocation, (&Allocation{Size: 64}).Encode()))
	require.NoError(t, enc.Flush())

	raw := buf.Bytes()
	truncated := raw[:len(raw)-2]

	dec := NewDecoder(bytes.NewReader(truncated))
	_, err := dec.ReadMagic()
	require.NoError(t, err)
	_, err = dec.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestBadMagicRejected(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte("not-a-memtrace-stream!!")))
	_, err := dec.ReadMagic()
	assert.Error(t, err)
}
