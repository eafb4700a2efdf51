package mapsnap

import (
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtrace/tracer/internal/wire"
)

func TestParseDevHandlesMajorMinor(t *testing.T) {
	assert.Equal(t, uint64(0x8)<<32|0x1, parseDev("8:1"))
	assert.Equal(t, uint64(0), parseDev("garbage"))
	assert.Equal(t, uint64(0), parseDev(""))
}

func TestProtFromPermsEncodesRWXBits(t *testing.T) {
	p := procfs.ProcMapPermissions{Read: true, Execute: true}
	assert.Equal(t, uint8(1<<0|1<<2), protFromPerms(p))
}

func TestFlagsFromPermsMarksAnonymousWhenNoPath(t *testing.T) {
	p := procfs.ProcMapPermissions{Private: true}
	f := flagsFromPerms(p, "")
	assert.True(t, f&wire.MapAnonymous != 0)
	assert.True(t, f&wire.MapPrivate != 0)

	f = flagsFromPerms(p, "/lib/libc.so")
	assert.False(t, f&wire.MapAnonymous != 0)
}

func TestScannerDiffFirstCallIsAllAdditions(t *testing.T) {
	s, err := NewScanner(0)
	require.NoError(t, err)

	added, removed, resized, protChanged, err := s.Diff(0)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Empty(t, resized)
	assert.Empty(t, protChanged)
	assert.NotEmpty(t, added, "a running test binary always has at least one mapping")
	for _, r := range added {
		assert.NotZero(t, r.MapID)
	}
}

func TestScannerDiffSecondCallIsStable(t *testing.T) {
	s, err := NewScanner(0)
	require.NoError(t, err)
	_, _, _, _, err = s.Diff(0)
	require.NoError(t, err)

	added, removed, resized, protChanged, err := s.Diff(0)
	require.NoError(t, err)
	// The map layout of an idle test process between two back-to-back
	// calls is overwhelmingly likely to be identical.
	assert.Empty(t, added)
	assert.Empty(t, removed)
	assert.Empty(t, resized)
	assert.Empty(t, protChanged)
}

func TestScannerUsageReturnsNonZeroRSS(t *testing.T) {
	s, err := NewScanner(0)
	require.NoError(t, err)
	usage, err := s.Usage(0)
	require.NoError(t, err)
	assert.Greater(t, usage.RSSBytes, uint64(0))
}
