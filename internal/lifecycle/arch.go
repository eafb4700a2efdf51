package lifecycle

import "runtime"

// archString names the CPU architecture recorded in the stream Header,
// spec.md §3 "Header record... arch".
var archString = runtime.GOARCH
