// Package cos provides common low-level types and utilities shared by the
// node manager and component runtime.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package cos

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	ratomic "sync/atomic"
	"syscall"

	"github.com/jausmesh/nodemgr/cmn/debug"
	"github.com/jausmesh/nodemgr/cmn/nlog"
)

// Error taxonomy, per the Node Manager error handling design: sentinel
// errors that propagate as return values, never as panics across thread
// boundaries. Callers compare with errors.Is.
var (
	ErrAddressConflict    = errors.New("address conflict: another process is already servicing this inbox")
	ErrInvalidAddress     = errors.New("invalid address: zero or broadcast used where unicast is required")
	ErrInvalidValue       = errors.New("invalid value")
	ErrInvalidHeader      = errors.New("invalid or malformed header")
	ErrUnknownDestination = errors.New("unknown destination: route lookup failed")
	ErrConnectionFailure  = errors.New("connection failure")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnknownMessageType = errors.New("unknown message type: could not classify command code")
)

// ErrNotFound names a missing thing (address, SC, event, transport kind).
type ErrNotFound struct {
	what string
}

func NewErrNotFound(format string, a ...any) *ErrNotFound {
	return &ErrNotFound{fmt.Sprintf(format, a...)}
}

func (e *ErrNotFound) Error() string { return e.what + " does not exist" }

func IsErrNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// Errs is a bounded, deduplicated, thread-safe error accumulator used for
// the per-component error-history ring (spec.md §7): workers record errors
// here instead of propagating them across goroutine boundaries; the most
// recent error is retrievable on demand via Error()/JoinErr().
type Errs struct {
	errs []error
	cnt  int64
	mu   sync.Mutex
}

const maxErrs = 8

func (e *Errs) Add(err error) {
	debug.Assert(err != nil)
	e.mu.Lock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			e.mu.Unlock()
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	} else {
		// ring: drop oldest, keep the most recent maxErrs
		e.errs = append(e.errs[1:], err)
	}
	ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	e.mu.Unlock()
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

func (e *Errs) JoinErr() (cnt int, err error) {
	if cnt = e.Cnt(); cnt > 0 {
		e.mu.Lock()
		err = errors.Join(e.errs...)
		e.mu.Unlock()
	}
	return
}

// Last returns the most recently recorded error, or nil.
func (e *Errs) Last() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	return e.errs[len(e.errs)-1]
}

func (e *Errs) Error() (s string) {
	e.mu.Lock()
	cnt := len(e.errs)
	var err error
	if cnt > 0 {
		err = e.errs[cnt-1]
	}
	e.mu.Unlock()
	if err == nil {
		return ""
	}
	if cnt > 1 {
		return fmt.Sprintf("%v (and %d more error%s)", err, cnt-1, Plural(cnt-1))
	}
	return err.Error()
}

//
// connection-error classification (used by xport and node to decide
// whether a send failure is transient/retriable)
//

func IsErrConnectionRefused(err error) bool { return errors.Is(err, syscall.ECONNREFUSED) }
func IsErrConnectionReset(err error) bool   { return errors.Is(err, syscall.ECONNRESET) }
func IsErrBrokenPipe(err error) bool        { return errors.Is(err, syscall.EPIPE) }
func IsErrTimeout(err error) bool           { return errors.Is(err, ErrTimeout) || os.IsTimeout(err) }

func IsRetriableConnErr(err error) bool {
	return IsErrConnectionRefused(err) || IsErrConnectionReset(err) || IsErrBrokenPipe(err)
}

//
// abnormal termination
//

const fatalPrefix = "FATAL ERROR: "

func Exitf(f string, a ...any) {
	_exit(fmt.Sprintf(fatalPrefix+f, a...))
}

func ExitLogf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	if flag.Parsed() {
		nlog.ErrorDepth(1, msg)
		nlog.Flush(true)
	}
	_exit(msg)
}

func _exit(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// Plural returns "s" when n != 1, for grammatically correct log messages.
func Plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
