// Package shm implements the named shared-memory inbox and the live-address
// registry that components and the node manager use for intra-host message
// delivery and address-conflict detection (spec.md §4.D).
//
// Grounded on the teacher's memsys package (named/sized memory region
// lifecycle, create-or-reuse semantics) and ios/fsutils_linux.go's direct
// use of golang.org/x/sys/unix for OS-level resource access, generalized
// here from disk-stat syscalls to mmap'd POSIX shared memory.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/jausmesh/nodemgr/cmn/cos"
)

// BaseDir is the directory region files are created under. POSIX shared
// memory is conventionally backed by a tmpfs mount; /dev/shm is present on
// every Linux target this daemon runs on.
var BaseDir = "/dev/shm/jausmesh"

// Region is a named, memory-mapped, fixed-size block shared between
// processes on the same host. Two processes opening the same name map the
// same physical pages.
type Region struct {
	name    string
	path    string
	fd      int
	size    int
	data    []byte
	created bool // true iff this call created the backing file (didn't already exist)
}

// OpenRegion creates or opens the named region, sized to exactly size
// bytes. If the file already existed (another process created it first),
// created is false and size is ignored for truncation purposes — the
// existing file's size is authoritative, and a mismatch is reported as
// cos.ErrInvalidValue.
func OpenRegion(name string, size int) (r *Region, err error) {
	if err = os.MkdirAll(BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("shm: creating base dir: %w", err)
	}
	path := filepath.Join(BaseDir, name)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o666)
	created := err == nil
	if err != nil {
		if err != unix.EEXIST {
			return nil, fmt.Errorf("shm: open %s: %w", path, err)
		}
		fd, err = unix.Open(path, unix.O_RDWR, 0o666)
		if err != nil {
			return nil, fmt.Errorf("shm: reopen %s: %w", path, err)
		}
	}

	if created {
		if err = unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
		}
	} else {
		var st unix.Stat_t
		if err = unix.Fstat(fd, &st); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("shm: stat %s: %w", path, err)
		}
		if int(st.Size) != size {
			unix.Close(fd)
			return nil, fmt.Errorf("shm: %s exists with size %d, want %d: %w", path, st.Size, size, cos.ErrInvalidValue)
		}
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &Region{name: name, path: path, fd: fd, size: size, data: data, created: created}, nil
}

// Created reports whether this call's Open won the create race.
func (r *Region) Created() bool { return r.created }

// Bytes returns the mapped region.
func (r *Region) Bytes() []byte { return r.data }

// Close unmaps and closes the file descriptor. It does not remove the
// backing file — ownership of unlinking belongs to whichever side created
// the region, at its own shutdown (see Registry.Release).
func (r *Region) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return err
		}
		r.data = nil
	}
	return unix.Close(r.fd)
}

// Unlink removes the backing file from the filesystem. Safe to call after
// Close; a no-op error from a concurrent unlinker is ignored.
func (r *Region) Unlink() error {
	err := unix.Unlink(r.path)
	if err == unix.ENOENT {
		return nil
	}
	return err
}
