// Package cull implements the temporary-allocation culler of spec.md §4.K
// / §9 scenario 1: allocations freed again within
// TEMPORARY_ALLOCATION_LIFETIME_THRESHOLD are dropped from the stream
// entirely, both the Allocation and its matching Deallocation, instead of
// being emitted and later having to be reconciled by a downstream reader.
// "The culler operates on the writer thread, so it never slows the
// intercept hot path" (spec.md §4.K): producers always push every event;
// only the writer, draining at its own pace, decides what to withhold.
package cull

import (
	"github.com/memtrace/tracer/internal/wire"
)

// pending holds one not-yet-committed allocation, keyed by address.
type pending struct {
	kind      wire.Kind
	payload   []byte
	observed  uint64 // monotonic ns at the time Observe saw it
	insertGen uint64 // insertion order, for size-bounded eviction
}

// Culler buffers Allocation records until either their matching
// Deallocation arrives within the lifetime threshold (cull both) or the
// threshold elapses (commit the Allocation to the stream, unmodified).
type Culler struct {
	lifetimeThresholdNs uint64
	pendingLimit        int

	byAddr map[uint64]*pending
	gen    uint64

	committed uint64
	culled    uint64
}

// New builds a Culler. lifetimeThresholdMs and pendingLimit come directly
// from MEMTRACE_TEMPORARY_ALLOCATION_LIFETIME_THRESHOLD and
// MEMTRACE_TEMPORARY_ALLOCATION_PENDING_THRESHOLD.
func New(lifetimeThresholdMs int, pendingLimit int) *Culler {
	return &Culler{
		lifetimeThresholdNs: uint64(lifetimeThresholdMs) * 1_000_000,
		pendingLimit:        pendingLimit,
		byAddr:              make(map[uint64]*pending),
	}
}

// Emission is one record the caller should actually frame onto the wire.
type Emission struct {
	Kind    wire.Kind
	Payload []byte
}

// ObserveAllocation holds addr's Allocation record pending a verdict. It
// never returns an immediate emission: the record is either culled (if a
// matching free arrives in time) or committed later by Flush.
func (c *Culler) ObserveAllocation(addr uint64, nowNs uint64, kind wire.Kind, payload []byte) {
	c.gen++
	c.byAddr[addr] = &pending{kind: kind, payload: payload, observed: nowNs, insertGen: c.gen}
}

// Settle is the single entry point the writer should use for a
// Deallocation: it returns the zero or more records (in emission order)
// that must be written for this free, including the Deallocation itself
// whenever it is to be written.
func (c *Culler) Settle(addr uint64, nowNs uint64, deallocKind wire.Kind, deallocPayload []byte) []Emission {
	p, ok := c.byAddr[addr]
	if !ok {
		return []Emission{{Kind: deallocKind, Payload: deallocPayload}}
	}
	delete(c.byAddr, addr)
	age := nowNs - p.observed
	if age < c.lifetimeThresholdNs {
		c.culled++
		return nil
	}
	c.committed++
	return []Emission{
		{Kind: p.kind, Payload: p.payload},
		{Kind: deallocKind, Payload: deallocPayload},
	}
}

// Flush commits every pending allocation older than the lifetime
// threshold, and additionally commits the oldest entries beyond whatever
// remains if the pending set exceeds pendingLimit (spec.md §4.K
// "size-bounded flush"), so memory used for culling never grows without
// bound even under a workload that allocates far more than it frees.
func (c *Culler) Flush(nowNs uint64) []Emission {
	var out []Emission
	var toCommit []uint64
	for addr, p := range c.byAddr {
		if nowNs-p.observed >= c.lifetimeThresholdNs {
			toCommit = append(toCommit, addr)
		}
	}
	for _, addr := range toCommit {
		p := c.byAddr[addr]
		out = append(out, Emission{Kind: p.kind, Payload: p.payload})
		delete(c.byAddr, addr)
		c.committed++
	}

	if c.pendingLimit > 0 && len(c.byAddr) > c.pendingLimit {
		excess := len(c.byAddr) - c.pendingLimit
		ordered := make([]uint64, 0, len(c.byAddr))
		for addr := range c.byAddr {
			ordered = append(ordered, addr)
		}
		// Oldest-first by insertion generation.
		for i := 0; i < excess; i++ {
			oldest := ordered[0]
			for _, addr := range ordered[1:] {
				if c.byAddr[addr].insertGen < c.byAddr[oldest].insertGen {
					oldest = addr
				}
			}
			p := c.byAddr[oldest]
			out = append(out, Emission{Kind: p.kind, Payload: p.payload})
			delete(c.byAddr, oldest)
			c.committed++
			for j, a := range ordered {
				if a == oldest {
					ordered = append(ordered[:j], ordered[j+1:]...)
					break
				}
			}
		}
	}

	return out
}

// Pending returns how many allocations are currently held back awaiting a
// verdict.
func (c *Culler) Pending() int { return len(c.byAddr) }

// Stats returns lifetime counters: committed is the number of allocations
// eventually written to the stream after having been held back; culled is
// the number of allocation/deallocation pairs dropped entirely.
func (c *Culler) Stats() (committed, culled uint64) {
	return c.committed, c.culled
}
