package backtrace

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupIsStableForIdenticalStacks(t *testing.T) {
	d := New(1024)
	stack := []Frame{1, 2, 3}
	a := d.Lookup(stack)
	b := d.Lookup(append([]Frame(nil), stack...))
	assert.Equal(t, a.ID, b.ID)
	assert.True(t, a.Novel)
	assert.False(t, b.Novel)
}

func TestLookupDistinguishesDifferentStacks(t *testing.T) {
	d := New(1024)
	a := d.Lookup([]Frame{1, 2, 3})
	b := d.Lookup([]Frame{1, 2, 4})
	assert.NotEqual(t, a.ID, b.ID)
}

func TestLookupIDsAreMonotonicallyIncreasing(t *testing.T) {
	d := New(1024)
	var ids []uint32
	for i := 0; i < 10; i++ {
		r := d.Lookup([]Frame{Frame(i)})
		require.True(t, r.Novel)
		ids = append(ids, r.ID)
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
}

func TestOverflowBypassesCacheButStillReturnsID(t *testing.T) {
	d := New(4)
	for i := 0; i < 4; i++ {
		r := d.Lookup([]Frame{Frame(i)})
		assert.True(t, r.Cached)
	}
	// The 5th distinct stack exceeds capacity.
	overflow := d.Lookup([]Frame{100})
	assert.False(t, overflow.Cached)
	assert.True(t, overflow.Novel)

	// Because it wasn't cached, looking it up again must be treated as
	// novel again (the caller re-emits NewBacktrace every time).
	again := d.Lookup([]Frame{100})
	assert.True(t, again.Novel)
	assert.False(t, again.Cached)
}

func TestReseedChangesHashAcrossFork(t *testing.T) {
	d := New(1024)
	before := d.Lookup([]Frame{7, 8, 9})
	d.Reseed(0xDEADBEEF)
	// After reseeding, re-inserting the exact same stack should still
	// converge to a usable entry (possibly a new slot) without panicking
	// or corrupting state; semantic identity within one run is what
	// matters, not across a reseed boundary.
	after := d.Lookup([]Frame{7, 8, 9})
	_ = before
	_ = after
	assert.Equal(t, 2, d.Len(), "post-reseed lookup inserts under the new hash")
}

func TestConcurrentLookupsOfSameStackConverge(t *testing.T) {
	d := New(4096)
	stack := []Frame{42, 43, 44}
	const goroutines = 32
	ids := make([]uint32, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			ids[i] = d.Lookup(append([]Frame(nil), stack...)).ID
		}()
	}
	wg.Wait()
	for i := 1; i < goroutines; i++ {
		assert.Equal(t, ids[0], ids[i], "identical concurrent stacks must converge to one ID")
	}
}

func TestManyDistinctStacksAllUnique(t *testing.T) {
	d := New(2048)
	seen := make(map[uint32]bool)
	for i := 0; i < 500; i++ {
		stack := []Frame{Frame(i), Frame(i * 2), Frame(i * 3)}
		r := d.Lookup(stack)
		require.False(t, seen[r.ID], fmt.Sprintf("duplicate id for iteration %d", i))
		seen[r.ID] = true
	}
}
