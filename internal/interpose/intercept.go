package interpose

import (
	"sync"
	"sync/atomic"

	"github.com/memtrace/tracer/internal/backtrace"
	"github.com/memtrace/tracer/internal/clock"
	"github.com/memtrace/tracer/internal/unwind"
	"github.com/memtrace/tracer/internal/wire"
)

var (
	dict           atomic.Pointer[backtrace.Dictionary]
	unwinder       atomic.Pointer[unwind.Unwinder]
	selfLo, selfHi atomic.Uintptr

	// unannounced holds backtrace IDs whose NewBacktrace record failed to
	// push onto the meta ring: the dictionary only reports Novel once per
	// stack, so without this a dropped announce would be lost forever and
	// every later event citing that ID would violate the "announced before
	// any event references it" invariant (spec.md §3.2).
	unannounced sync.Map // uint32 -> struct{}
)

// Configure installs the shared state every Record* call needs: the
// backtrace dictionary, the active unwinder (ShadowStack or DWARFFallback,
// selected by cfg.UseShadowStack), and the profiler's own mapped address
// range so its frames can be stripped per spec.md §4.D.
func Configure(d *backtrace.Dictionary, u unwind.Unwinder, selfRangeLo, selfRangeHi uintptr) {
	dict.Store(d)
	unwinder.Store(&u)
	selfLo.Store(selfRangeLo)
	selfHi.Store(selfRangeHi)
}

// captureBacktrace resolves a raw frame-pointer walk (already captured by
// shim.c before calling into Go) to a backtrace ID, emitting a NewBacktrace
// record on the meta ring the first time that exact sequence is seen,
// per invariant §3.2 "announced before any event references it."
func captureBacktrace(raw []uintptr) uint32 {
	u := unwinder.Load()
	d := dict.Load()
	if u == nil || d == nil {
		return backtrace.NoBacktrace
	}
	frames, _ := (*u).Unwind(raw)
	frames = unwind.StripAbove(frames, selfLo.Load(), selfHi.Load())
	if len(frames) == 0 {
		return backtrace.NoBacktrace
	}
	res := d.Lookup(frames)
	needsAnnounce := res.Novel
	if !needsAnnounce {
		if _, pending := unannounced.Load(res.ID); pending {
			needsAnnounce = true
		}
	}
	if needsAnnounce {
		// No active writer means there is nowhere to announce to and
		// nothing is being recorded at all; only a writer that is present
		// but whose meta ring is genuinely full counts as a dropped
		// announce.
		if w := activeWriter.Load(); w != nil {
			meta := w.MetaRing()
			nb := &wire.NewBacktrace{ID: res.ID, Frames: frames}
			rec := append([]byte{byte(wire.KindNewBacktrace)}, nb.Encode()...)
			if meta.TryPush(rec) {
				unannounced.Delete(res.ID)
			} else {
				meta.RecordDrop()
				unannounced.Store(res.ID, struct{}{})
				return backtrace.NoBacktrace
			}
		}
	}
	return res.ID
}

func push(tid uint32, kind wire.Kind, payload []byte) {
	rec := make([]byte, 0, 1+len(payload))
	rec = append(rec, byte(kind))
	rec = append(rec, payload...)
	buf := bufferForThread(tid)
	if !buf.TryPush(rec) {
		buf.RecordDrop()
	}
}

// RecordAllocation is called by shim.c (via cgo.go) after a successful
// malloc/calloc/posix_memalign/aligned_alloc/mmap-backed allocation.
func RecordAllocation(addr, size uint64, flags wire.AllocationFlags, rawFrames []uintptr) {
	tid := clock.ThreadID()
	bt := captureBacktrace(rawFrames)
	a := &wire.Allocation{
		TimestampDelta: clock.Now().MonotonicNs,
		ThreadID:       tid,
		BacktraceID:    bt,
		Address:        addr,
		Size:           size,
		Flags:          flags,
	}
	push(tid, wire.KindAllocation, a.Encode())
}

// RecordReallocation is called after a successful realloc.
func RecordReallocation(newAddr, oldAddr, newSize uint64, flags wire.AllocationFlags, rawFrames []uintptr) {
	tid := clock.ThreadID()
	bt := captureBacktrace(rawFrames)
	r := &wire.Reallocation{
		TimestampDelta: clock.Now().MonotonicNs,
		ThreadID:       tid,
		BacktraceID:    bt,
		NewAddress:     newAddr,
		OldAddress:     oldAddr,
		NewSize:        newSize,
		Flags:          flags | wire.FlagIsReallocOf,
	}
	push(tid, wire.KindReallocation, r.Encode())
}

// RecordDeallocation is called from the free wrapper. bootstrapOwned
// (checked by cgo.go against internal/bumpheap before ever reaching here)
// means the address was served from the bootstrap region and the real
// free must be skipped entirely; such frees still produce a Deallocation
// record with BacktraceID 0, matching spec.md §4.C.
func RecordDeallocation(addr uint64, bootstrapOwned bool, rawFrames []uintptr) {
	tid := clock.ThreadID()
	var bt uint32
	if !bootstrapOwned {
		bt = captureBacktrace(rawFrames)
	}
	d := &wire.Deallocation{
		TimestampDelta: clock.Now().MonotonicNs,
		ThreadID:       tid,
		BacktraceID:    bt,
		Address:        addr,
	}
	push(tid, wire.KindDeallocation, d.Encode())
}
