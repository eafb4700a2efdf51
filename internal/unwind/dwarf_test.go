package unwind

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadModuleTableReadsOwnTestBinarySymbols(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)
	tbl, err := loadModuleTable(self)
	require.NoError(t, err)
	assert.NotEmpty(t, tbl.ranges, "a compiled test binary must expose at least one STT_FUNC symbol")
}

func TestModuleTableContainsRejectsOutOfRangeAddress(t *testing.T) {
	tbl := &moduleTable{ranges: []funcRange{{Low: 0x1000, High: 0x1100}, {Low: 0x2000, High: 0x2050}}}
	assert.True(t, tbl.Contains(0x1050))
	assert.True(t, tbl.Contains(0x2000))
	assert.False(t, tbl.Contains(0x2050))
	assert.False(t, tbl.Contains(0x1900))
	assert.False(t, tbl.Contains(0))
}

func TestModuleCacheCachesFailuresToo(t *testing.T) {
	c := newModuleCache()
	tbl := c.table("/nonexistent/path/does-not-exist")
	assert.Nil(t, tbl)
	assert.True(t, c.failed["/nonexistent/path/does-not-exist"])
	// Second call must take the cached-failure path, not retry the open.
	tbl2 := c.table("/nonexistent/path/does-not-exist")
	assert.Nil(t, tbl2)
}

func TestDWARFFallbackKeepsFramesWithUnresolvedModule(t *testing.T) {
	resolve := func(pc uint64) (string, bool) {
		if pc == 0x2FFF {
			return "", false // unresolved module -> frame trusted as-is
		}
		return "", false
	}
	d := NewDWARFFallback(resolve)
	frames, truncated := d.Unwind([]uintptr{0x1000, 0x2000})
	assert.False(t, truncated)
	assert.Len(t, frames, 2)
}
