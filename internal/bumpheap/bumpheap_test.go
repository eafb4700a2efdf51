package bumpheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocAndOwns(t *testing.T) {
	b := &Bootstrap{}
	addr, ok := b.Alloc(40)
	require.True(t, ok)
	assert.True(t, b.Owns(addr))
	assert.True(t, b.Owns(addr+10))
	assert.False(t, b.Owns(addr+1000))
}

func TestAllocExhaustion(t *testing.T) {
	b := &Bootstrap{}
	var last uintptr
	var ok bool
	for {
		last, ok = b.Alloc(1024)
		if !ok {
			break
		}
	}
	assert.False(t, ok)
	_ = last
}

func TestResetClearsOwnership(t *testing.T) {
	b := &Bootstrap{}
	addr, ok := b.Alloc(16)
	require.True(t, ok)
	b.Reset()
	assert.False(t, b.Owns(addr))
}

func TestIntervalSetMergesAdjacent(t *testing.T) {
	var s intervalSet
	s.insert(100, 116)
	s.insert(116, 132)
	require.Len(t, s.ranges, 1, "adjacent ranges should merge")
	assert.True(t, s.contains(120))
}
