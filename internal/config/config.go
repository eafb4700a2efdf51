// Package config parses the environment-variable surface of spec.md §6
// into a typed Config. There is no file-based configuration: this is a
// preloaded library, not a CLI, so env vars are the entire surface, the
// same way the teacher's platform package is configured entirely through
// package-level state computed once at init rather than through flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config mirrors spec.md §6 "Environment variables" one field per entry.
type Config struct {
	Output       string
	LogLevel     string // "" disables logging, matching "unset disables"
	LogFile      string

	DisableByDefault bool
	RegisterSIGUSR1  bool
	RegisterSIGUSR2  bool

	EnableServer    bool
	BaseServerPort  int
	EnableBroadcast bool

	PreciseTimestamps bool
	WriteBinaries     bool
	ZeroMemory        bool
	UseShadowStack    bool

	BacktraceCacheSize int

	GatherMmapCalls bool

	CullTemporaryAllocations               bool
	TemporaryAllocationLifetimeThreshold   int // milliseconds
	TemporaryAllocationPendingThreshold    int // entry count

	// These four are not named in the public env-var table of spec.md §6
	// but are its §4.G writer-thread defaults made overridable, the same
	// way the teacher's platform config exposes internal tuning knobs
	// alongside user-facing ones.
	DrainIntervalMs     int // spec.md §4.G "every drain_interval (default 10 ms)"
	MaxBufferLatencyMs  int // spec.md §3 "at most max_buffer_latency (default 1 s)"
	RotationIntervalSec int // spec.md §4.G "periodically... rotate"; 0 disables
	SpillBufferBytes    int // spec.md §4.G "bounded spill region (default 64 MiB)"
}

// Defaults returns the documented default configuration, spec.md §6.
func Defaults() Config {
	return Config{
		Output:                               "memory-profiling_%e_%t_%p.dat",
		LogLevel:                              "",
		LogFile:                               "",
		DisableByDefault:                      false,
		RegisterSIGUSR1:                       true,
		RegisterSIGUSR2:                       true,
		EnableServer:                          false,
		BaseServerPort:                        8100,
		EnableBroadcast:                       false,
		PreciseTimestamps:                     false,
		WriteBinaries:                         true,
		ZeroMemory:                            false,
		UseShadowStack:                        true,
		BacktraceCacheSize:                    32768,
		GatherMmapCalls:                       false,
		CullTemporaryAllocations:              false,
		TemporaryAllocationLifetimeThreshold:  10000,
		TemporaryAllocationPendingThreshold:   65536,
		DrainIntervalMs:                       10,
		MaxBufferLatencyMs:                    1000,
		RotationIntervalSec:                   0,
		SpillBufferBytes:                      64 * 1024 * 1024,
	}
}

const envPrefix = "MEMTRACE_"

func getenv(name string) (string, bool) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		return v, true
	}
	return os.LookupEnv(name)
}

func parseBool(name string, def bool) bool {
	v, ok := getenv(name)
	if !ok {
		return def
	}
	switch strings.TrimSpace(v) {
	case "1", "true", "TRUE", "yes":
		return true
	case "0", "false", "FALSE", "no", "":
		return false
	default:
		return def
	}
}

func parseInt(name string, def int) int {
	v, ok := getenv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func parseString(name, def string) string {
	if v, ok := getenv(name); ok {
		return v
	}
	return def
}

// LoadFromEnv parses the process environment into a Config, applying the
// documented defaults for anything unset.
func LoadFromEnv() Config {
	c := Defaults()
	c.Output = parseString("OUTPUT", c.Output)
	c.LogLevel = parseString("LOG", c.LogLevel)
	c.LogFile = parseString("LOGFILE", c.LogFile)
	c.DisableByDefault = parseBool("DISABLE_BY_DEFAULT", c.DisableByDefault)
	c.RegisterSIGUSR1 = parseBool("REGISTER_SIGUSR1", c.RegisterSIGUSR1)
	c.RegisterSIGUSR2 = parseBool("REGISTER_SIGUSR2", c.RegisterSIGUSR2)
	c.EnableServer = parseBool("ENABLE_SERVER", c.EnableServer)
	c.BaseServerPort = parseInt("BASE_SERVER_PORT", c.BaseServerPort)
	c.EnableBroadcast = parseBool("ENABLE_BROADCAST", c.EnableBroadcast)
	c.PreciseTimestamps = parseBool("PRECISE_TIMESTAMPS", c.PreciseTimestamps)
	c.WriteBinaries = parseBool("WRITE_BINARIES_TO_OUTPUT", c.WriteBinaries)
	c.ZeroMemory = parseBool("ZERO_MEMORY", c.ZeroMemory)
	c.UseShadowStack = parseBool("USE_SHADOW_STACK", c.UseShadowStack)
	c.BacktraceCacheSize = parseInt("BACKTRACE_CACHE_SIZE", c.BacktraceCacheSize)
	c.GatherMmapCalls = parseBool("GATHER_MMAP_CALLS", c.GatherMmapCalls)
	c.CullTemporaryAllocations = parseBool("CULL_TEMPORARY_ALLOCATIONS", c.CullTemporaryAllocations)
	c.TemporaryAllocationLifetimeThreshold = parseInt("TEMPORARY_ALLOCATION_LIFETIME_THRESHOLD", c.TemporaryAllocationLifetimeThreshold)
	c.TemporaryAllocationPendingThreshold = parseInt("TEMPORARY_ALLOCATION_PENDING_THRESHOLD", c.TemporaryAllocationPendingThreshold)
	c.DrainIntervalMs = parseInt("DRAIN_INTERVAL_MS", c.DrainIntervalMs)
	c.MaxBufferLatencyMs = parseInt("MAX_BUFFER_LATENCY_MS", c.MaxBufferLatencyMs)
	c.RotationIntervalSec = parseInt("ROTATION_INTERVAL_SEC", c.RotationIntervalSec)
	c.SpillBufferBytes = parseInt("SPILL_BUFFER_BYTES", c.SpillBufferBytes)
	return c
}

// Validate reports configuration combinations that spec.md §9 flags as
// suspicious: "DISABLE_BY_DEFAULT=1 and REGISTER_SIGUSR1=0 ... no way to
// start ... should be warned about at init time." It never returns an
// error that would abort library load; callers log the result.
func (c Config) Validate() []string {
	var warnings []string
	if c.DisableByDefault && !c.RegisterSIGUSR1 {
		warnings = append(warnings, "tracing starts disabled and SIGUSR1 is not registered; "+
			"only memory_profiler_start() can activate tracing for this process")
	}
	if c.BacktraceCacheSize <= 0 {
		warnings = append(warnings, fmt.Sprintf("BACKTRACE_CACHE_SIZE=%d is non-positive, every backtrace will bypass the cache", c.BacktraceCacheSize))
	}
	return warnings
}

// ExpandOutputPath substitutes the %p %t %e %n placeholders documented in
// spec.md §6, where pid/tid/exe are the current process's and n is the
// rotation/fork-generation counter.
func ExpandOutputPath(pattern string, pid, tid uint32, exe string, n int) string {
	r := strings.NewReplacer(
		"%p", strconv.FormatUint(uint64(pid), 10),
		"%t", strconv.FormatUint(uint64(tid), 10),
		"%e", sanitizeExeName(exe),
		"%n", strconv.Itoa(n),
	)
	return r.Replace(pattern)
}

func sanitizeExeName(exe string) string {
	base := exe
	if idx := strings.LastIndexByte(exe, '/'); idx >= 0 {
		base = exe[idx+1:]
	}
	if base == "" {
		return "unknown"
	}
	return base
}
