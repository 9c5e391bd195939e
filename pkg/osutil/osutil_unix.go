// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build freebsd || netbsd || openbsd || linux || darwin

package osutil

import (
	"fmt"
	"os"
	"syscall"
)

// Interrupt asks a child process to stop gracefully.
func Interrupt(p *os.Process) error {
	return p.Signal(syscall.SIGINT)
}

// ProcessExitStatus returns process exit status.
// A process killed by a signal reports -1.
func ProcessExitStatus(ps *os.ProcessState) int {
	return ps.Sys().(syscall.WaitStatus).ExitStatus()
}

// CreateMemMappedFile creates a shared memory file with the requested size and maps it into memory.
// The file can be passed to a child process which maps it with MapSharedFile.
func CreateMemMappedFile(size int) (f *os.File, mem []byte, err error) {
	f, err = CreateSharedMemFile(size)
	if err != nil {
		return
	}
	if err = f.Truncate(int64(size)); err != nil {
		err = fmt.Errorf("failed to truncate shared mem file: %w", err)
		CloseSharedMemFile(f)
		return
	}
	mem, err = MapSharedFile(f, size)
	if err != nil {
		CloseSharedMemFile(f)
	}
	return
}

// MapSharedFile maps an already sized shared memory file (e.g. inherited from the parent).
func MapSharedFile(f *os.File, size int) ([]byte, error) {
	mem, err := syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap shm file: %w", err)
	}
	return mem, nil
}

// CloseMemMappedFile destroys memory mapping created by CreateMemMappedFile.
func CloseMemMappedFile(f *os.File, mem []byte) error {
	err1 := syscall.Munmap(mem)
	err2 := CloseSharedMemFile(f)
	switch {
	case err1 != nil:
		return err1
	case err2 != nil:
		return err2
	default:
		return nil
	}
}
