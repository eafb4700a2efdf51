package bumpheap

import "unsafe"

// addrOf returns the numeric address of a byte within the static
// bootstrap region. The region is a package-level array, never moved by
// the (non-moving) Go garbage collector, so its address is stable for the
// lifetime of the process.
func addrOf(b *byte) uintptr {
	return uintptr(unsafe.Pointer(b))
}
