// Package nlog is the node manager's logger: buffered, leveled, timestamped,
// with size-based rotation and periodic flushing.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package nlog

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jausmesh/nodemgr/cmn/mono"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

// MaxSize is the per-file rotation threshold.
var MaxSize int64 = 4 * 1024 * 1024

var (
	toStderr     bool
	alsoToStderr bool
	logDir       string
	role         string // e.g. "001.002_node", "001.002.003.001_component"
	title        string

	mu   sync.Mutex
	w    *bufio.Writer
	file *os.File
	size int64
	last int64 // mono.NanoTime of last flush
)

// InitFlags registers the standard -logtostderr/-alsologtostderr flags.
func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

// SetLogDirRole configures the log directory and role tag used in log file
// names.
func SetLogDirRole(dir, r string) { logDir, role = dir, r }

// SetTitle sets a banner line written at the top of each rotated log file.
func SetTitle(s string) { title = s }

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

func log(sev severity, depth int, format string, args ...any) {
	line := formatLine(sev, depth, format, args...)

	if toStderr || alsoToStderr || sev >= sevErr {
		os.Stderr.WriteString(line)
	}
	if toStderr {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		openLocked()
	}
	n, _ := w.WriteString(line)
	size += int64(n)
	if size >= MaxSize {
		rotateLocked()
	}
}

func formatLine(sev severity, depth int, format string, args ...any) string {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(3 + depth); ok {
		fn = filepath.Base(fn)
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Flush writes buffered log lines to disk. Pass exit=true on shutdown to
// also close the underlying file.
func Flush(exit ...bool) {
	mu.Lock()
	defer mu.Unlock()
	if w != nil {
		w.Flush()
	}
	last = mono.NanoTime()
	if len(exit) > 0 && exit[0] && file != nil && file != os.Stderr {
		file.Sync()
		file.Close()
		file, w = nil, nil
	}
}

// Since returns the time elapsed since the last Flush.
func Since() time.Duration {
	return time.Duration(mono.Since(last))
}

// under mu
func openLocked() {
	if logDir == "" {
		file = os.Stderr
	} else {
		os.MkdirAll(logDir, 0o755)
		name := fmt.Sprintf("%s.%s.%d.log", role, time.Now().Format("20060102-150405"), os.Getpid())
		f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			file = os.Stderr
		} else {
			file = f
		}
	}
	w = bufio.NewWriterSize(file, 64*1024)
	size = 0
	if title != "" {
		w.WriteString(title + "\n")
	}
}

// under mu
func rotateLocked() {
	w.Flush()
	if file != nil && file != os.Stderr {
		file.Close()
	}
	openLocked()
}
