package interpose

import "sync/atomic"

// ForkHooks lets cmd/memtraceinject wire the interposed fork() wrapper to
// internal/lifecycle's pre/post-fork handling without this package
// depending on lifecycle directly (lifecycle already depends on config and
// writer; keeping the dependency one-directional avoids a cycle).
type ForkHooks interface {
	PreFork()
	PostForkParent()
	PostForkChild()
}

var forkHooks atomic.Pointer[ForkHooks]

// SetForkHooks installs the hooks invoked around the C fork() wrapper.
func SetForkHooks(h ForkHooks) {
	forkHooks.Store(&h)
}
