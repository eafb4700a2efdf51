package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowIsMonotonicNonDecreasing(t *testing.T) {
	a := Now()
	b := Now()
	assert.GreaterOrEqual(t, b.MonotonicNs, a.MonotonicNs)
}

func TestOverrideNextAppliesExactlyOnce(t *testing.T) {
	OverrideNext(1_000_000_000)
	first := Now()
	require.Equal(t, uint64(1_000_000_000), first.MonotonicNs)

	second := Now()
	assert.NotEqual(t, uint64(1_000_000_000), second.MonotonicNs, "override must be consumed exactly once")
}

func TestOverrideNextAllowsZero(t *testing.T) {
	OverrideNext(0)
	got := Now()
	assert.Equal(t, uint64(0), got.MonotonicNs)
}

func TestPIDAndThreadIDArePositive(t *testing.T) {
	assert.Greater(t, PID(), uint32(0))
	assert.Greater(t, ThreadID(), uint32(0))
}
