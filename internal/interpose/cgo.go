// Package interpose's cgo bridge. shim.c resolves the real libc symbols via
// dlsym(RTLD_NEXT, ...) and forwards every non-reentrant, post-bootstrap
// call here. This file only marshals C values into the Go types
// intercept.go already knows how to record; it does no decision-making of
// its own (reentrancy and bootstrap-region routing are shim.c's job,
// spec.md §4.C "interposition must itself be reentrancy-safe").
package interpose

/*
#include "shim.h"
*/
import "C"

import (
	"unsafe"

	"github.com/memtrace/tracer/internal/bumpheap"
	"github.com/memtrace/tracer/internal/wire"
)

// Install wires the C interposition shim into the process. Called once
// from cmd/memtraceinject's library constructor.
func Install() {
	C.memtrace_shim_install()
}

// SetEnabled flips the C shim's kill switch, checked by every wrapped
// symbol before doing any profiler work (spec.md §4.C step 2). Wired to
// lifecycle.Controller's activation hooks so every path that starts or
// stops tracing — signals, the exported C API, or a post-fork resume —
// takes effect on the hot path immediately.
func SetEnabled(enabled bool) {
	v := C.int(0)
	if enabled {
		v = 1
	}
	C.memtrace_shim_set_enabled(v)
}

func goFrames(raw *C.uintptr_t, n C.int) []uintptr {
	if n == 0 || raw == nil {
		return nil
	}
	cSlice := unsafe.Slice((*uintptr)(unsafe.Pointer(raw)), int(n))
	out := make([]uintptr, len(cSlice))
	copy(out, cSlice)
	return out
}

//export goRecordMalloc
func goRecordMalloc(addr, size C.uintptr_t, isCalloc, isMmaped C.int, alignShift C.uint8_t, rawFrames *C.uintptr_t, frameCount C.int) {
	flags := wire.AllocationFlags(0)
	if isCalloc != 0 {
		flags |= wire.FlagIsCalloc
	}
	if isMmaped != 0 {
		flags |= wire.FlagMmaped
	} else {
		flags |= wire.FlagInMainArena
	}
	flags = flags.WithAlignmentShift(uint8(alignShift))
	RecordAllocation(uint64(addr), uint64(size), flags, goFrames(rawFrames, frameCount))
}

//export goRecordRealloc
func goRecordRealloc(newAddr, oldAddr, newSize C.uintptr_t, rawFrames *C.uintptr_t, frameCount C.int) {
	RecordReallocation(uint64(newAddr), uint64(oldAddr), uint64(newSize), 0, goFrames(rawFrames, frameCount))
}

//export goRecordFree
func goRecordFree(addr C.uintptr_t, rawFrames *C.uintptr_t, frameCount C.int) C.int {
	owned := bumpheap.Global().Owns(uintptr(addr))
	RecordDeallocation(uint64(addr), owned, goFrames(rawFrames, frameCount))
	if owned {
		return 1
	}
	return 0
}

//export goBumpAlloc
func goBumpAlloc(size C.size_t) (C.uintptr_t, C.int) {
	addr, ok := bumpheap.Global().Alloc(uintptr(size))
	if !ok {
		return 0, 0
	}
	return C.uintptr_t(addr), 1
}

//export goPreFork
func goPreFork() {
	if h := forkHooks.Load(); h != nil {
		(*h).PreFork()
	}
}

//export goPostForkParent
func goPostForkParent() {
	if h := forkHooks.Load(); h != nil {
		(*h).PostForkParent()
	}
}

//export goPostForkChild
func goPostForkChild() {
	ResetRegistry()
	if h := forkHooks.Load(); h != nil {
		(*h).PostForkChild()
	}
}
