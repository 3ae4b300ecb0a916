//go:build mono

package cmono

import (
	_ "unsafe" // for go:linkname
)

//go:linkname NanoTime runtime.nanotime
func NanoTime() int64
