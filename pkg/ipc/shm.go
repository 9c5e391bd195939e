// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipc

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

// Shm is a shared memory region between a client and its supervisor.
//
// Layout:
//
//	[0:8]   heartbeat, unix nanoseconds of the last state change
//	[8:16]  executions counter
//	[16:20] state: 0 idle, 1 executing
//	[20:24] length of the in-flight input
//	[24:]   in-flight input (truncated to the region size)
type Shm struct {
	mem []byte
}

const (
	shmHeader      = 24
	stateIdle      = 0
	stateExec      = 1
	DefaultShmSize = shmHeader + 1<<20
)

func NewShm(mem []byte) (*Shm, error) {
	if len(mem) <= shmHeader {
		return nil, fmt.Errorf("shared memory region is too small: %v", len(mem))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, fmt.Errorf("shared memory region is not aligned")
	}
	return &Shm{mem: mem}, nil
}

func (s *Shm) heartbeat() *int64 {
	return (*int64)(unsafe.Pointer(&s.mem[0]))
}

func (s *Shm) execs() *uint64 {
	return (*uint64)(unsafe.Pointer(&s.mem[8]))
}

func (s *Shm) state() *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[16]))
}

func (s *Shm) size() *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[20]))
}

// BeginExec publishes the input that is about to be executed.
func (s *Shm) BeginExec(data []byte) {
	n := copy(s.mem[shmHeader:], data)
	atomic.StoreUint32(s.size(), uint32(n))
	atomic.StoreUint32(s.state(), stateExec)
	s.Beat()
}

func (s *Shm) EndExec() {
	atomic.StoreUint32(s.state(), stateIdle)
	atomic.AddUint64(s.execs(), 1)
	s.Beat()
}

// Beat refreshes the heartbeat, clients also call it between stages.
func (s *Shm) Beat() {
	atomic.StoreInt64(s.heartbeat(), time.Now().UnixNano())
}

func (s *Shm) LastBeat() time.Time {
	return time.Unix(0, atomic.LoadInt64(s.heartbeat()))
}

func (s *Shm) Execs() uint64 {
	return atomic.LoadUint64(s.execs())
}

// Inflight returns a copy of the input that was executing when the client died.
func (s *Shm) Inflight() ([]byte, bool) {
	if atomic.LoadUint32(s.state()) != stateExec {
		return nil, false
	}
	n := atomic.LoadUint32(s.size())
	return append([]byte(nil), s.mem[shmHeader:shmHeader+int(n)]...), true
}

// Reset prepares the region for a new client process.
func (s *Shm) Reset() {
	atomic.StoreUint32(s.state(), stateIdle)
	atomic.StoreUint32(s.size(), 0)
	s.Beat()
}
