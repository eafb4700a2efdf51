package unwind

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/memtrace/tracer/internal/backtrace"
)

func TestShadowStackAdjustsNonTopmostFrames(t *testing.T) {
	var s ShadowStack
	frames, truncated := s.Unwind([]uintptr{0x1000, 0x2000, 0x3000})
	assert.False(t, truncated)
	assert.Equal(t, []backtrace.Frame{0x1000, 0x1FFF, 0x2FFF}, frames)
}

func TestShadowStackStopsAtZeroSentinel(t *testing.T) {
	var s ShadowStack
	frames, truncated := s.Unwind([]uintptr{0x1000, 0x2000, 0, 0x4000})
	assert.True(t, truncated)
	assert.Equal(t, []backtrace.Frame{0x1000, 0x1FFF}, frames)
}

func TestShadowStackBoundsToMaxDepth(t *testing.T) {
	raw := make([]uintptr, MaxDepth+10)
	for i := range raw {
		raw[i] = uintptr(i + 1)
	}
	var s ShadowStack
	frames, truncated := s.Unwind(raw)
	assert.True(t, truncated)
	assert.Len(t, frames, MaxDepth)
}

func TestShadowStackEmptyInput(t *testing.T) {
	var s ShadowStack
	frames, truncated := s.Unwind(nil)
	assert.False(t, truncated)
	assert.Empty(t, frames)
}

func TestStripAboveRemovesOwnRangePrefix(t *testing.T) {
	frames := []backtrace.Frame{0x1500, 0x1900, 0x5000, 0x6000}
	out := StripAbove(frames, 0x1000, 0x2000)
	assert.Equal(t, []backtrace.Frame{0x5000, 0x6000}, out)
}

func TestStripAboveNoMatchLeavesFramesUntouched(t *testing.T) {
	frames := []backtrace.Frame{0x5000, 0x6000}
	out := StripAbove(frames, 0x1000, 0x2000)
	assert.Equal(t, frames, out)
}
