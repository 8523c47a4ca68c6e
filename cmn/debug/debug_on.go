//go:build debug

// Package debug provides assertions that compile out entirely in release
// builds and compile in under the "debug" build tag.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package debug

import (
	"fmt"
	"sync"
)

func Enabled() bool { return true }

func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
	}
}

func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, args...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("assertion failed: unexpected error: %v", err))
	}
}

func AssertFunc(f func() bool, args ...any) {
	Assert(f(), args...)
}

// AssertMutexLocked panics if mu can be acquired (i.e. it is not held).
func AssertMutexLocked(mu *sync.Mutex) {
	if mu.TryLock() {
		mu.Unlock()
		panic("assertion failed: mutex not locked")
	}
}

func AssertRWMutexLocked(mu *sync.RWMutex) {
	if mu.TryLock() {
		mu.Unlock()
		panic("assertion failed: rwmutex not locked")
	}
}

func AssertRWMutexRLocked(mu *sync.RWMutex) {
	if mu.TryRLock() {
		mu.RUnlock()
		panic("assertion failed: rwmutex not rlocked")
	}
}
