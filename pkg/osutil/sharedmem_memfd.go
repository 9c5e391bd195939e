// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package osutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// In the case of Linux, we can just use the memfd_create syscall.
// The fd is close-on-exec, exec.Cmd.ExtraFiles dups it into the child explicitly.
func CreateSharedMemFile(size int) (f *os.File, err error) {
	fd, err := unix.MemfdCreate("edgefuzz-shm", unix.MFD_CLOEXEC)
	if err != nil {
		err = fmt.Errorf("failed to do memfd_create: %w", err)
		return
	}
	f = os.NewFile(uintptr(fd), fmt.Sprintf("/proc/self/fd/%d", fd))
	return
}

func CloseSharedMemFile(f *os.File) error {
	return f.Close()
}

// BindToCore pins the calling process to a single CPU.
func BindToCore(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("failed to bind to core %v: %w", core, err)
	}
	return nil
}
