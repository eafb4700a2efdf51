// Package clock is the time & identity source, spec.md §2 component A: it
// stamps every event with a monotonic/walltime pair, and resolves thread
// and process identity. The teacher's os_cosmo.go resolves identity the
// same way: a thin wrapper over a raw syscall (gettid), cached per-thread
// where possible.
package clock

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Timestamp is the (monotonic_ns, walltime_ns) pair of spec.md §3. The
// monotonic component is the sort key; ordering is only ever compared on
// it (invariant §3.5).
type Timestamp struct {
	MonotonicNs uint64
	WallNs      uint64
}

var processStartMono = nowMonotonicNs()
var processStartWall = uint64(time.Now().UnixNano())

// nowMonotonicNs reads CLOCK_MONOTONIC directly rather than through
// time.Now()'s monotonic reading, so that the value is a plain integer
// comparable across the override hook below without unpacking a time.Time.
func nowMonotonicNs() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// Should never happen on Linux; fall back to a coarse reading
		// rather than letting a profiler failure touch the target, per
		// spec.md §7 "never propagate any error into the target".
		return uint64(time.Now().UnixNano())
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}

// overrideNs, when non-zero, forces the next call to Now to return this
// monotonic value instead of reading the clock. Set by
// memory_profiler_override_next_timestamp (spec.md §6), used for
// deterministic replay (spec.md §8 "Determinism under replay").
var overrideNs atomic.Uint64

// OverrideNext arms the one-shot override used by
// memory_profiler_override_next_timestamp.
func OverrideNext(monotonicNs uint64) {
	// +1 distinguishes "armed with value 0" from "disarmed"; Now subtracts
	// it back out.
	overrideNs.Store(monotonicNs + 1)
}

// Now returns the current timestamp, consuming any pending override
// exactly once.
func Now() Timestamp {
	if v := overrideNs.Swap(0); v != 0 {
		mono := v - 1
		return Timestamp{MonotonicNs: mono, WallNs: processStartWall + (mono - processStartMono)}
	}
	return Timestamp{MonotonicNs: nowMonotonicNs(), WallNs: uint64(time.Now().UnixNano())}
}

// ProcessStart returns the timestamp recorded at library-load time, used
// to populate the Header record (spec.md §3).
func ProcessStart() Timestamp {
	return Timestamp{MonotonicNs: processStartMono, WallNs: processStartWall}
}

// ResetProcessStart re-stamps the process-start timestamps after fork,
// spec.md §4.C "Post-fork in child: ... reseed random constants."
func ResetProcessStart() {
	processStartMono = nowMonotonicNs()
	processStartWall = uint64(time.Now().UnixNano())
}

// ThreadID returns the kernel task id of the calling OS thread, per
// spec.md §3 "Thread_id is the kernel task id." This must be called with
// the goroutine locked to its OS thread (runtime.LockOSThread) by anything
// that needs a stable value across calls.
func ThreadID() uint32 {
	return uint32(unix.Gettid())
}

// PID returns the process ID, re-read (not cached) so that it is correct
// immediately after fork, before ResetProcessStart's caller has a chance
// to update any cached copy elsewhere.
func PID() uint32 {
	return uint32(unix.Getpid())
}
