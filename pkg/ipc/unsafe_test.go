// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipc

import "unsafe"

// unsafeBytes returns an 8-byte aligned byte view of mem.
func unsafeBytes(mem []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&mem[0])), len(mem)*8)
}
