// Package mono provides a cheap monotonic clock for interval math that must
// never be perturbed by wall-clock adjustments (NTP steps, leap seconds).
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package mono

import (
	_ "unsafe" // for go:linkname
)

// NanoTime returns a monotonically increasing nanosecond counter.
//
// It is not related to wall-clock time and must only be used to measure
// elapsed durations (Since).
//
//go:linkname NanoTime runtime.nanotime
func NanoTime() int64

// Since returns the elapsed duration, in nanoseconds, since t (a prior
// NanoTime() reading).
func Since(t int64) int64 { return NanoTime() - t }

// Expired reports whether at least d nanoseconds have elapsed since t.
func Expired(t int64, d int64) bool { return Since(t) >= d }
