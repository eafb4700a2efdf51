// Package ring implements the per-thread ring buffer of spec.md §2
// component F: a fixed-size, single-producer/single-consumer byte buffer
// of length-prefixed records. The producing thread publishes a write
// cursor with a release store; the writer goroutine reads it with an
// acquire load, matching spec.md §4.F and §5's concurrency model. Go's
// memory model guarantees this ordering for atomic.Uint64 the same way
// C11 atomics with memory_order_release/acquire do.
package ring

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"time"
)

// DefaultSize is the default per-thread buffer size, spec.md §4.F.
const DefaultSize = 1 << 20 // 1 MiB

// Buffer is a single producer / single consumer ring of variable-length,
// length-prefixed records.
type Buffer struct {
	data []byte
	mask uint64 // len(data)-1; len(data) is always a power of two

	// write is advanced only by the producer.
	write atomic.Uint64
	// read is advanced only by the consumer (the writer goroutine).
	read atomic.Uint64

	// sealed is set when the owning thread has exited; the writer drains
	// and reclaims the buffer once it observes this and read==write.
	sealed atomic.Bool

	// droppedEvents counts records dropped because the buffer was full,
	// surfaced in the Footer via internal/writer.
	droppedEvents atomic.Uint64
}

// New allocates a ring buffer of the given size, rounded up to the next
// power of two (required so index arithmetic can use a mask instead of a
// modulo).
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	n := 1
	for n < size {
		n <<= 1
	}
	return &Buffer{data: make([]byte, n), mask: uint64(n - 1)}
}

func (b *Buffer) capacity() uint64 { return uint64(len(b.data)) }

// lenVarintMax is the worst-case size of the length prefix we write
// before each record (records here are bounded well under 2^32 bytes).
const lenVarintMax = 5

// TryPush attempts to append payload as one record. It returns false if
// there is not enough free space, in which case the caller (the
// interposer, spec.md §4.F) is responsible for the block/drop policy.
// TryPush itself never blocks and never allocates.
func (b *Buffer) TryPush(payload []byte) bool {
	need := uint64(lenVarintMax + len(payload))
	w := b.write.Load()
	r := b.read.Load()
	used := w - r
	if used+need > b.capacity() {
		return false
	}

	var lenBuf [lenVarintMax]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	b.writeAt(w, lenBuf[:n])
	b.writeAt(w+uint64(n), payload)

	// Release store: publish the new write cursor only after the payload
	// bytes are fully in place (spec.md §4.F "in one atomic publish of a
	// write cursor after the payload is fully in place"). Advance by the
	// *actual* bytes written (n + len(payload)), not the worst-case need
	// used for the capacity check above — Drain advances its read cursor
	// by the same actual varint width, and the two cursors must agree or
	// every record after the first desyncs.
	b.write.Store(w + uint64(n) + uint64(len(payload)))
	return true
}

func (b *Buffer) writeAt(pos uint64, src []byte) {
	for len(src) > 0 {
		off := pos & b.mask
		n := copy(b.data[off:], src)
		src = src[n:]
		pos += uint64(n)
	}
}

func (b *Buffer) readAt(pos uint64, dst []byte) {
	for len(dst) > 0 {
		off := pos & b.mask
		n := copy(dst, b.data[off:])
		dst = dst[n:]
		pos += uint64(n)
	}
}

// Push implements the overflow policy of spec.md §4.F: try once; if
// blockOnFull is set, spin for up to maxBlock, retrying, before giving up.
// It never calls into the scheduler's blocking primitives (no channel, no
// mutex) so it stays safe to call from the interposer's hot path and from
// inside a signal handler's deferred work. Returns false if the record was
// ultimately dropped; the caller must call RecordDrop itself.
func (b *Buffer) Push(payload []byte, blockOnFull bool, maxBlock time.Duration) bool {
	if b.TryPush(payload) {
		return true
	}
	if !blockOnFull {
		return false
	}
	deadline := time.Now().Add(maxBlock)
	for time.Now().Before(deadline) {
		runtime.Gosched()
		if b.TryPush(payload) {
			return true
		}
	}
	return false
}

// RecordDrop increments the drop counter. Called by the producer when
// TryPush (possibly after the bounded spin described in spec.md §4.F for
// block_on_full=true) still fails.
func (b *Buffer) RecordDrop() {
	b.droppedEvents.Add(1)
}

// DroppedEvents returns the number of records dropped due to overflow.
func (b *Buffer) DroppedEvents() uint64 {
	return b.droppedEvents.Load()
}

// Seal marks the buffer as belonging to an exited thread. The writer
// drains it one last time and then reclaims it (spec.md §4.F).
func (b *Buffer) Seal() {
	b.sealed.Store(true)
}

func (b *Buffer) Sealed() bool {
	return b.sealed.Load()
}

// Drained reports whether the consumer has caught up to the producer.
// Combined with Sealed, this tells the writer it is safe to reclaim the
// buffer.
func (b *Buffer) Drained() bool {
	return b.read.Load() == b.write.Load()
}

// Drain is called only by the writer goroutine. It invokes fn once per
// fully-buffered record currently available (acquire-loading the write
// cursor first), advancing the read cursor as it goes. fn must not retain
// the slice it is given; it is only valid until the next Drain call.
func (b *Buffer) Drain(fn func(payload []byte)) (count int) {
	w := b.write.Load() // acquire load
	r := b.read.Load()
	for r < w {
		lenBuf := make([]byte, lenVarintMax)
		b.readAt(r, lenBuf)
		length, n := binary.Uvarint(lenBuf)
		if n <= 0 {
			// Corrupt ring state should never happen in a correct SPSC
			// protocol; stop rather than risk reading garbage forever.
			break
		}
		r += uint64(n)
		payload := make([]byte, length)
		b.readAt(r, payload)
		r += length
		fn(payload)
		count++
	}
	b.read.Store(r)
	return count
}
