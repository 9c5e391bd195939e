// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cmplog records operands of comparisons executed by the harness.
//
// A simplified version of the workflow looks like this:
//  1. The fuzzer runs an input with logging enabled and collects all
//     comparison operands observed by the harness.
//  2. Next it tries to match the operands against integers and byte strings
//     stored in the input.
//  3. For every such match the input is mutated by replacing the matched
//     bytes with the other operand of the comparison.
package cmplog

import (
	"bytes"
	"encoding/binary"
)

// Entry is one comparison observed during an execution.
// Size is 1, 2, 4 or 8 for integer comparisons and 0 for byte string comparisons.
type Entry struct {
	Site   uint32
	Size   int
	A, B   uint64
	BytesA []byte
	BytesB []byte
}

// DefaultMaxEntries bounds the log of a single execution.
const DefaultMaxEntries = 4096

// Log is filled by the harness. Logging is off unless the tracing stage enables it,
// so the calls are cheap during normal fuzzing.
type Log struct {
	enabled    bool
	maxEntries int
	entries    []Entry
	seen       map[cmpKey]bool
}

type cmpKey struct {
	Site uint32
	A, B uint64
}

func New() *Log {
	return &Log{
		maxEntries: DefaultMaxEntries,
		seen:       make(map[cmpKey]bool),
	}
}

func (l *Log) Enable() {
	l.enabled = true
}

func (l *Log) Disable() {
	l.enabled = false
}

func (l *Log) Enabled() bool {
	return l != nil && l.enabled
}

// Reset clears entries of the previous execution.
func (l *Log) Reset() {
	l.entries = l.entries[:0]
	clear(l.seen)
}

// Compare records an integer comparison of the given byte size.
func (l *Log) Compare(site uint32, size int, a, b uint64) {
	if !l.Enabled() || a == b || len(l.entries) >= l.maxEntries {
		return
	}
	key := cmpKey{site, a, b}
	if l.seen[key] {
		return
	}
	l.seen[key] = true
	l.entries = append(l.entries, Entry{Site: site, Size: size, A: a, B: b})
}

func (l *Log) Compare8(site uint32, a, b uint8)   { l.Compare(site, 1, uint64(a), uint64(b)) }
func (l *Log) Compare16(site uint32, a, b uint16) { l.Compare(site, 2, uint64(a), uint64(b)) }
func (l *Log) Compare32(site uint32, a, b uint32) { l.Compare(site, 4, uint64(a), uint64(b)) }
func (l *Log) Compare64(site uint32, a, b uint64) { l.Compare(site, 8, a, b) }

// CompareBytes records a memcmp/strcmp-like comparison.
func (l *Log) CompareBytes(site uint32, a, b []byte) {
	if !l.Enabled() || bytes.Equal(a, b) || len(l.entries) >= l.maxEntries {
		return
	}
	l.entries = append(l.entries, Entry{
		Site:   site,
		BytesA: append([]byte(nil), a...),
		BytesB: append([]byte(nil), b...),
	})
}

// Entries returns a copy of the comparisons of the last execution.
func (l *Log) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

type uint64Set map[uint64]bool

// CompMap maps an operand to the set of values it was compared with.
// Example: for comparisons {(op1, op2), (op1, op3), (op1, op4), (op2, op1)}
// this map will store the following:
//
//	m = {
//		op1: {map[op2]: true, map[op3]: true, map[op4]: true},
//		op2: {map[op1]: true}
//	}.
type CompMap map[uint64]uint64Set

func (m CompMap) AddComp(arg1, arg2 uint64) {
	if arg1 == arg2 {
		return
	}
	if _, ok := m[arg1]; !ok {
		m[arg1] = make(uint64Set)
	}
	m[arg1][arg2] = true
}

// BuildCompMap collects integer comparisons of entries in both directions.
func BuildCompMap(entries []Entry) CompMap {
	m := make(CompMap)
	for _, e := range entries {
		if e.Size == 0 {
			continue
		}
		m.AddComp(e.A, e.B)
		m.AddComp(e.B, e.A)
	}
	return m
}

// Replacers returns values that may replace value stored in size bytes of the input.
// Operands are matched also in shrunk and sign-expanded forms,
// replacers are truncated back to size.
func (m CompMap) Replacers(value uint64, size int) []uint64 {
	var res []uint64
	seen := make(uint64Set)
	mask := onesMask[size]
	for _, v := range mutationsForVal(value) {
		for repl := range m[v] {
			repl &= mask
			if repl == value&mask || seen[repl] {
				continue
			}
			seen[repl] = true
			res = append(res, repl)
		}
	}
	return res
}

var (
	leftHalves = map[int]uint64{
		2: 0xff00,
		4: 0xffff0000,
		8: 0xffffffff00000000,
	}
	rightHalves = []uint64{0xff, 0xffff, 0xffffffff}
	onesMask    = map[int]uint64{
		1: 0xff,
		2: 0xffff,
		4: 0xffffffff,
		8: 0xffffffffffffffff,
	}
)

func mutationsForVal(v uint64) []uint64 {
	values := []uint64{v}
	values = append(values, shrinkMutation(v)...)
	values = append(values, expandMutation(v)...)
	return values
}

// Shrink values. Useful in cases like:
//
//	void f(int64 v64) {
//		v32 = (int32) v64;
//		if (v32 == -1) {...};
//	}
//
// The higher bytes of the input value may be random trash, so we drop them.
func shrinkMutation(v uint64) (values []uint64) {
	for _, half := range rightHalves {
		if v&half != v {
			values = append(values, v&half)
		}
	}
	return
}

// Expand values. Useful in cases like:
//
//	void f(int32 v32) {
//		v64 = (int64) v32;
//		if (v32 == -1) {...};
//	}
//
// For 0xab we want to obtain 0xffab, 0xffffffab, 0xffffffffffffffab.
func expandMutation(v uint64) (values []uint64) {
	if v == 0 {
		return
	}
	msByteValue, msByteIndex := mostSignificantByte(v)
	if !valueIsNegative(msByteValue, msByteIndex) {
		return
	}
	for _, size := range []int{2, 4, 8} {
		if size > msByteIndex+1 {
			v |= leftHalves[size]
			values = append(values, v)
		}
	}
	return
}

func mostSignificantByte(v uint64) (value byte, index int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	for i, b := range buf {
		if b != 0 {
			value = b
			index = i
		}
	}
	return
}

func valueIsNegative(msByteValue byte, msByteIndex int) bool {
	switch msByteIndex {
	case 0, 1, 3, 7:
		return msByteValue > 0x7f
	}
	return false
}
