package unwind

import (
	"debug/elf"
	"fmt"
	"sort"
	"sync"

	"github.com/memtrace/tracer/internal/backtrace"
)

// funcRange is a half-open [Low, High) address range covered by one
// function, read from a module's symbol table.
type funcRange struct {
	Low, High uint64
}

// moduleTable lets the DWARF fallback validate that a candidate return
// address actually lands inside a known function, which is the check
// spec.md §4.D describes as retained "for correctness validation" once a
// frame-pointer walk is no longer trusted.
//
// Full call-frame-information evaluation (applying DWARF CFA register
// rules row by row) is out of scope here: this module instead uses the
// ELF symbol table to bound known function extents, which is enough to
// detect a corrupted chain (a return address outside every known function)
// without needing to evaluate .eh_frame/.debug_frame programs. That scope
// reduction is recorded in DESIGN.md.
type moduleTable struct {
	ranges []funcRange // sorted by Low
}

func loadModuleTable(path string) (*moduleTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unwind: open %s: %w", path, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		// Stripped binaries have no .symtab; dynsym is the next best thing.
		syms, err = f.DynamicSymbols()
		if err != nil {
			return nil, fmt.Errorf("unwind: no symbol table in %s: %w", path, err)
		}
	}

	ranges := make([]funcRange, 0, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Size == 0 {
			continue
		}
		ranges = append(ranges, funcRange{Low: s.Value, High: s.Value + s.Size})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Low < ranges[j].Low })
	return &moduleTable{ranges: ranges}, nil
}

// Contains reports whether pc falls within some known function's extent.
func (m *moduleTable) Contains(pc uint64) bool {
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].Low > pc })
	if i == 0 {
		return false
	}
	r := m.ranges[i-1]
	return pc >= r.Low && pc < r.High
}

// moduleCache lazily loads and caches one moduleTable per module path,
// keyed so repeated lookups for the same shared object (the common case:
// most frames land in the same handful of .so files) cost nothing after
// the first. Loading happens inside DWARFFallback.Unwind, on the
// allocating thread that first needs the module; it is not moved to the
// writer goroutine.
type moduleCache struct {
	mu     sync.Mutex
	tables map[string]*moduleTable
	failed map[string]bool
}

func newModuleCache() *moduleCache {
	return &moduleCache{
		tables: make(map[string]*moduleTable),
		failed: make(map[string]bool),
	}
}

func (c *moduleCache) table(path string) *moduleTable {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tables[path]; ok {
		return t
	}
	if c.failed[path] {
		return nil
	}
	t, err := loadModuleTable(path)
	if err != nil {
		c.failed[path] = true
		return nil
	}
	c.tables[path] = t
	return t
}

// DWARFFallback validates a shadow-stack result against known function
// ranges in the module(s) that own each frame, used when
// USE_SHADOW_STACK=false or as a post-hoc sanity check.
type DWARFFallback struct {
	cache *moduleCache
	// resolve maps an address to the module path that contains it (in
	// cmd/memtraceinject, every address maps to the main executable).
	resolve func(pc uint64) (modulePath string, ok bool)
}

// NewDWARFFallback builds a fallback unwinder; resolve is called once per
// frame to find which mapped object owns that address.
func NewDWARFFallback(resolve func(pc uint64) (string, bool)) *DWARFFallback {
	return &DWARFFallback{cache: newModuleCache(), resolve: resolve}
}

// Unwind behaves like ShadowStack.Unwind, but additionally drops any
// trailing frame that cannot be resolved to a known function in its
// owning module, treating that as the point the chain went bad.
func (d *DWARFFallback) Unwind(rawFrames []uintptr) ([]backtrace.Frame, bool) {
	var ss ShadowStack
	frames, truncated := ss.Unwind(rawFrames)

	valid := frames[:0:0]
	for _, f := range frames {
		path, ok := d.resolve(uint64(f))
		if !ok {
			valid = append(valid, f)
			continue
		}
		tbl := d.cache.table(path)
		if tbl == nil || tbl.Contains(uint64(f)) {
			valid = append(valid, f)
			continue
		}
		truncated = true
		break
	}
	return valid, truncated
}
