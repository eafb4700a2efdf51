// Package interpose is the Go side of component C (spec.md §2 "Symbol
// interposition & hot-path capture"). The actual libc symbol wrapping
// (malloc/calloc/realloc/free/posix_memalign/aligned_alloc/mmap/munmap/
// mprotect/fork/pthread_create) lives in shim.c, resolved via
// dlsym(RTLD_NEXT, ...) rather than link-time --wrap so the injected
// shared object works against an unmodified target binary. shim.c calls
// into the exported Go functions in cgo.go from the allocation-family
// wrappers (when tracing is on and the call isn't reentrant or a bootstrap
// allocation) and around fork; the mmap/munmap/mprotect and pthread_create
// wrappers only forward to libc. This file holds the per-thread
// ring-buffer registry those functions push into.
package interpose

import (
	"sync"
	"sync/atomic"

	"github.com/memtrace/tracer/internal/clock"
	"github.com/memtrace/tracer/internal/ring"
	"github.com/memtrace/tracer/internal/wire"
	"github.com/memtrace/tracer/internal/writer"
)

var (
	activeWriter atomic.Pointer[writer.Writer]
	ringSize     atomic.Int64
	states       sync.Map // tid uint32 -> *ring.Buffer
)

func init() {
	ringSize.Store(ring.DefaultSize)
}

// SetWriter installs (or, passing nil, clears) the writer that newly
// registered thread rings should be handed to. Called by
// cmd/memtraceinject's writer factory on every Start; nothing clears it
// on Stop.
func SetWriter(w *writer.Writer) {
	activeWriter.Store(w)
}

// SetRingSize overrides the per-thread ring buffer size (bytes); callers
// should set this before any thread registers, typically at library load.
func SetRingSize(n int) {
	ringSize.Store(int64(n))
}

// bufferForThread returns (creating and announcing, if necessary) the
// ring buffer for tid. First use per thread lazily allocates the ring,
// satisfying spec.md §9 "lazy allocation of the ring buffer happens on
// first use."
func bufferForThread(tid uint32) *ring.Buffer {
	if v, ok := states.Load(tid); ok {
		return v.(*ring.Buffer)
	}
	buf := ring.New(int(ringSize.Load()))
	actual, loaded := states.LoadOrStore(tid, buf)
	if loaded {
		return actual.(*ring.Buffer)
	}
	announceThread(tid, buf)
	if w := activeWriter.Load(); w != nil {
		w.RegisterThread(tid, buf)
	}
	return buf
}

func announceThread(tid uint32, buf *ring.Buffer) {
	ta := &wire.ThreadAnnounce{ThreadID: tid, CreatedAt: clock.Now().MonotonicNs}
	rec := append([]byte{byte(wire.KindThreadAnnounce)}, ta.Encode()...)
	buf.TryPush(rec)
}

// SealThread marks the calling thread's ring as sealed (its owner has
// exited) so the writer reclaims it once drained, spec.md §4.F. shim.c
// installs no thread-exit hook, so nothing in this tree calls it.
func SealThread(tid uint32) {
	if v, ok := states.Load(tid); ok {
		v.(*ring.Buffer).Seal()
	}
}

// ResetRegistry drops all thread ring state, used after fork in the child
// (spec.md §4.K "post-fork in child: ... re-initialize the writer
// thread"): the child inherits the parent's address space but none of
// its threads, so every ring must be recreated on first use.
func ResetRegistry() {
	states.Range(func(key, _ any) bool {
		states.Delete(key)
		return true
	})
}
