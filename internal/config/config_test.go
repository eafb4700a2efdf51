package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	c := Defaults()
	assert.Equal(t, "memory-profiling_%e_%t_%p.dat", c.Output)
	assert.True(t, c.RegisterSIGUSR1)
	assert.True(t, c.RegisterSIGUSR2)
	assert.Equal(t, 8100, c.BaseServerPort)
	assert.Equal(t, 32768, c.BacktraceCacheSize)
	assert.Equal(t, 10000, c.TemporaryAllocationLifetimeThreshold)
	assert.Equal(t, 65536, c.TemporaryAllocationPendingThreshold)
	assert.True(t, c.UseShadowStack)
	assert.True(t, c.WriteBinaries)
	assert.Equal(t, 10, c.DrainIntervalMs)
	assert.Equal(t, 1000, c.MaxBufferLatencyMs)
	assert.Equal(t, 64*1024*1024, c.SpillBufferBytes)
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("MEMTRACE_DISABLE_BY_DEFAULT", "1")
	t.Setenv("MEMTRACE_BACKTRACE_CACHE_SIZE", "1024")
	t.Setenv("MEMTRACE_OUTPUT", "/tmp/out_%p.dat")

	c := LoadFromEnv()
	assert.True(t, c.DisableByDefault)
	assert.Equal(t, 1024, c.BacktraceCacheSize)
	assert.Equal(t, "/tmp/out_%p.dat", c.Output)
}

func TestLoadFromEnvFallsBackToBareName(t *testing.T) {
	t.Setenv("GATHER_MMAP_CALLS", "1")
	c := LoadFromEnv()
	assert.True(t, c.GatherMmapCalls)
}

func TestValidateWarnsOnNoWayToStart(t *testing.T) {
	c := Defaults()
	c.DisableByDefault = true
	c.RegisterSIGUSR1 = false
	c.RegisterSIGUSR2 = false
	c.EnableServer = false
	warnings := c.Validate()
	assert.Len(t, warnings, 1)
}

func TestValidateWarnsEvenWhenServerEnabled(t *testing.T) {
	c := Defaults()
	c.DisableByDefault = true
	c.RegisterSIGUSR1 = false
	c.RegisterSIGUSR2 = false
	c.EnableServer = true
	warnings := c.Validate()
	assert.Len(t, warnings, 1)
}

func TestExpandOutputPath(t *testing.T) {
	got := ExpandOutputPath("mem_%e_%t_%p_%n.dat", 100, 7, "/usr/bin/widget", 3)
	assert.Equal(t, "mem_widget_7_100_3.dat", got)
}

func TestExpandOutputPathUnknownExe(t *testing.T) {
	got := ExpandOutputPath("mem_%e.dat", 1, 1, "", 0)
	assert.Equal(t, "mem_unknown.dat", got)
}
