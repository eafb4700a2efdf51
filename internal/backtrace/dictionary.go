// Package backtrace implements the backtrace dictionary, spec.md §2
// component E: it deduplicates backtraces and assigns each distinct one a
// stable, process-wide, monotonically increasing ID.
//
// Mirroring the teacher's subprocess.go (a subprocessPool guarded by one
// mutex, with a fast-path lookup before it), lookups are lock-free reads
// against a fixed-size open-addressed table; only a miss takes a short
// spinlock to double-check and insert, per spec.md §4.E.
package backtrace

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// NoBacktrace is the reserved ID meaning "none" (spec.md §3 Deallocation
// event: "backtrace_id_or_none").
const NoBacktrace uint32 = 0

// Frame is an opaque return address; the spec treats frames as opaque
// integers to the core (spec.md §3 "Frame").
type Frame = uint64

type entry struct {
	hash   uint64
	id     uint32
	frames []Frame
}

// spinlock is a tiny test-and-test-and-set spinlock, used only to guard
// the rare insert path; every other operation is lock-free.
type spinlock struct {
	held atomic.Bool
}

func (s *spinlock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinlock) Unlock() {
	s.held.Store(false)
}

// Dictionary is the process-wide backtrace dictionary. Capacity is
// bounded by maxEntries (backtrace_cache_size, default 32768); beyond
// that, novel backtraces bypass the cache entirely (spec.md §4.E
// "On overflow ... novel backtraces bypass the cache and are emitted
// inline with every referencing event").
type Dictionary struct {
	mu         sync.RWMutex // not taken by any path: slots are sized once in New and never grow
	spin       spinlock
	slots      []atomic.Pointer[entry]
	maxEntries int
	nextID     atomic.Uint32
	size       atomic.Int64

	// seed reseeds the hash after fork (spec.md §4.C "reseed random
	// constants"), since xxhash.Sum64 is deterministic and a forked
	// child sharing the parent's dictionary contents would otherwise
	// produce identical IDs for processes that should be independent.
	seed atomic.Uint64
}

// New creates a dictionary with room for maxEntries distinct backtraces
// (rounded up to a power of two slot count for open addressing).
func New(maxEntries int) *Dictionary {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	slotCount := 1
	// Size the table at ~2x capacity to keep probe chains short.
	for slotCount < maxEntries*2 {
		slotCount <<= 1
	}
	d := &Dictionary{
		slots:      make([]atomic.Pointer[entry], slotCount),
		maxEntries: maxEntries,
	}
	d.nextID.Store(1) // 0 is reserved for NoBacktrace
	return d
}

// Reseed changes the hash seed, used post-fork to decorrelate the child's
// backtrace IDs from the parent's, per spec.md §4.C.
func (d *Dictionary) Reseed(seed uint64) {
	d.seed.Store(seed)
}

func (d *Dictionary) hash(frames []Frame) uint64 {
	h := xxhash.New()
	var buf [8]byte
	seed := d.seed.Load()
	putU64(buf[:], seed)
	h.Write(buf[:])
	for _, f := range frames {
		putU64(buf[:], uint64(f))
		h.Write(buf[:])
	}
	return h.Sum64()
}

func putU64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func framesEqual(a, b []Frame) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LookupResult is returned by Lookup.
type LookupResult struct {
	ID      uint32
	Novel   bool // true if this call produced (or would have produced) a new entry
	Cached  bool // false if the entry bypassed the cache due to overflow
}

// Lookup returns the stable ID for frames, inserting a new entry if this
// exact sequence has not been seen before. When the dictionary is at
// capacity, novel sequences still get an ID (monotonically increasing,
// satisfying invariant "Backtrace IDs are emitted before... the first
// event that uses them") but are never stored, so Cached is false and the
// caller (internal/writer via internal/ring's meta buffer) must emit a
// fresh NewBacktrace record every single time that sequence recurs.
func (d *Dictionary) Lookup(frames []Frame) LookupResult {
	h := d.hash(frames)
	mask := uint64(len(d.slots) - 1)
	idx := h & mask

	for i := uint64(0); i < uint64(len(d.slots)); i++ {
		e := d.slots[(idx+i)&mask].Load()
		if e == nil {
			break // empty slot terminates the probe chain
		}
		if e.hash == h && framesEqual(e.frames, frames) {
			return LookupResult{ID: e.id, Novel: false, Cached: true}
		}
	}

	return d.insert(h, frames, idx, mask)
}

func (d *Dictionary) insert(h uint64, frames []Frame, idx, mask uint64) LookupResult {
	d.spin.Lock()
	defer d.spin.Unlock()

	// Double-checked: someone may have inserted the same sequence while
	// we were acquiring the spinlock.
	for i := uint64(0); i < uint64(len(d.slots)); i++ {
		e := d.slots[(idx+i)&mask].Load()
		if e == nil {
			break
		}
		if e.hash == h && framesEqual(e.frames, frames) {
			return LookupResult{ID: e.id, Novel: false, Cached: true}
		}
	}

	id := d.nextID.Add(1) - 1

	if d.size.Load() >= int64(d.maxEntries) {
		// Overflow: hand out an ID but don't occupy a slot.
		return LookupResult{ID: id, Novel: true, Cached: false}
	}

	framesCopy := append([]Frame(nil), frames...)
	newEntry := &entry{hash: h, id: id, frames: framesCopy}
	for i := uint64(0); i < uint64(len(d.slots)); i++ {
		slot := &d.slots[(idx+i)&mask]
		if slot.CompareAndSwap(nil, newEntry) {
			d.size.Add(1)
			return LookupResult{ID: id, Novel: true, Cached: true}
		}
		if e := slot.Load(); e != nil && e.hash == h && framesEqual(e.frames, frames) {
			return LookupResult{ID: e.id, Novel: false, Cached: true}
		}
	}
	// Table full even though size < maxEntries shouldn't happen given the
	// 2x slot oversizing, but degrade to overflow behaviour rather than
	// panic.
	return LookupResult{ID: id, Novel: true, Cached: false}
}

// Len returns the number of distinct cached backtraces.
func (d *Dictionary) Len() int {
	return int(d.size.Load())
}
