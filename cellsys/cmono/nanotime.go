//go:build !mono

// Package cmono provides a single low-level monotonic time source shared by
// the transport pool's idle-teardown bookkeeping and the logger's last-write
// timestamp.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmono

import "time"

// NanoTime returns a monotonic nanosecond counter. The default build uses
// time.Now()'s monotonic reading; pass -tags mono to link directly against
// the runtime's nanotime for a faster, allocation-free read.
var start = time.Now()

func NanoTime() int64 { return int64(time.Since(start)) }
