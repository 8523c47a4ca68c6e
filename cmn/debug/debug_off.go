//go:build !debug

// Package debug provides assertions that compile out entirely in release
// builds and compile in under the "debug" build tag.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package debug

import "sync"

func Enabled() bool { return false }

func Assert(_ bool, _ ...any)            {}
func Assertf(_ bool, _ string, _ ...any) {}
func AssertNoErr(_ error)                {}
func AssertFunc(_ func() bool, _ ...any) {}

func AssertMutexLocked(_ *sync.Mutex)      {}
func AssertRWMutexLocked(_ *sync.RWMutex)  {}
func AssertRWMutexRLocked(_ *sync.RWMutex) {}
