package interpose

import "sync/atomic"

var unloadHook atomic.Pointer[func()]

// SetUnloadHook installs the function run when the C shim's destructor
// fires (shim.c's __attribute__((destructor))), i.e. as the shared
// library is being unloaded or the process is exiting normally. Best
// effort only: a killed or crashing process never reaches this, matching
// spec.md §7's "global state is never torn down" — on a clean exit this
// is simply the writer's last chance to flush and close.
func SetUnloadHook(fn func()) {
	unloadHook.Store(&fn)
}

//export goOnUnload
func goOnUnload() {
	if h := unloadHook.Load(); h != nil {
		(*h)()
	}
}
