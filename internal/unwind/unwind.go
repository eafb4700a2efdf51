// Package unwind implements the shadow-stack unwinder of spec.md §2
// component D. Two implementations exist behind one interface, selected at
// startup by USE_SHADOW_STACK (spec.md §4.D):
//
//   - ShadowStack (default): the CPU frame-pointer chain is walked on the C
//     side of the interposer (internal/interpose/shim.c), at the point a
//     wrapped allocator symbol is entered — this package only normalizes
//     and bounds what shim.c already captured, exactly because "the number
//     of cycles spent on the hot path must be O(depth)" (spec.md §4.D
//     invariant) rules out doing any Go-side work heavier than a bounds
//     check and an adjustment.
//   - DWARF fallback: used when frame pointers are unreliable. Module
//     tables are parsed lazily by the first Unwind call that needs them,
//     on the allocating thread's interposer path (not on the writer
//     goroutine), and cached per module path.
package unwind

import "github.com/memtrace/tracer/internal/backtrace"

// MaxDepth bounds shadow-stack depth, spec.md §4.D "Maximum depth is a
// compile-time constant (default 128)."
const MaxDepth = 128

// Unwinder produces a canonical, innermost-first frame sequence from the
// raw return addresses captured at interposer entry.
type Unwinder interface {
	// Unwind normalizes rawFrames (innermost first, as captured by shim.c)
	// into a backtrace. truncated reports whether the input was cut short
	// by a broken frame-pointer chain (spec.md §4.D "tolerate corrupt or
	// absent frame-pointer chains by truncating rather than crashing").
	Unwind(rawFrames []uintptr) (frames []backtrace.Frame, truncated bool)
}

// ShadowStack normalizes frame-pointer-walked addresses. It performs no
// allocation beyond the returned slice and no syscalls, satisfying
// spec.md §4.D "Unwinding from any point must not allocate via the
// intercepted allocator" — allocation here is a plain Go slice, which (per
// internal/bumpheap's package doc) never touches the intercepted libc
// allocator in the first place.
type ShadowStack struct{}

// Unwind applies the −1 return-to-call-site adjustment to every frame
// except the topmost (spec.md §4.D "adjust by −1 for any non-topmost
// frame... and −0 for the topmost"), strips trailing zero sentinels left
// by a chain that terminated early, and bounds depth to MaxDepth.
func (ShadowStack) Unwind(rawFrames []uintptr) ([]backtrace.Frame, bool) {
	n := len(rawFrames)
	if n > MaxDepth {
		n = MaxDepth
	}
	truncated := len(rawFrames) > MaxDepth
	out := make([]backtrace.Frame, 0, n)
	for i := 0; i < n; i++ {
		pc := rawFrames[i]
		if pc == 0 {
			truncated = true
			break
		}
		if i > 0 {
			pc--
		}
		out = append(out, backtrace.Frame(pc))
	}
	return out, truncated
}

// StripAbove removes every frame whose address falls inside [lo, hi), the
// profiler's own mapped range, per spec.md §4.D "Frames above the
// profiler's own entry point are stripped." Frames are innermost-first, so
// the profiler's own frames (if any leaked in because shim.c started
// walking before leaving its own trampoline) are always a prefix.
func StripAbove(frames []backtrace.Frame, lo, hi uintptr) []backtrace.Frame {
	i := 0
	for i < len(frames) && uintptr(frames[i]) >= lo && uintptr(frames[i]) < hi {
		i++
	}
	return frames[i:]
}
