// Copyright 2018 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package signal provides types for working with feedback signal.
// A signal maps an edge index to the hit-count bucket observed for it.
// Higher buckets mean more hits, so signals are merged by taking the maximum bucket.
package signal

import (
	"sort"
)

type (
	elemType uint32
	prioType int8
)

type Signal map[elemType]prioType

// Bucket classifies a raw 8-bit hit counter into one of 8 classes:
// 1, 2, 3, 4-7, 8-15, 16-31, 32-127, 128-255. Zero means the edge was not hit.
func Bucket(count uint8) int8 {
	return int8(bucketTable[count])
}

var bucketTable = func() [256]uint8 {
	var t [256]uint8
	for i := 1; i < 256; i++ {
		switch {
		case i <= 3:
			t[i] = uint8(i)
		case i <= 7:
			t[i] = 4
		case i <= 15:
			t[i] = 5
		case i <= 31:
			t[i] = 6
		case i <= 127:
			t[i] = 7
		default:
			t[i] = 8
		}
	}
	return t
}()

// FromCounters converts raw edge counters of one execution into a signal.
func FromCounters(counters []uint8) Signal {
	var s Signal
	for i, c := range counters {
		if c == 0 {
			continue
		}
		if s == nil {
			s = make(Signal)
		}
		s[elemType(i)] = prioType(bucketTable[c])
	}
	return s
}

// FromRaw creates a signal where all elems have the same bucket.
func FromRaw(raw []uint32, prio uint8) Signal {
	if len(raw) == 0 {
		return nil
	}
	s := make(Signal, len(raw))
	for _, e := range raw {
		s[elemType(e)] = prioType(prio)
	}
	return s
}

func (s Signal) Len() int {
	return len(s)
}

func (s Signal) Empty() bool {
	return len(s) == 0
}

func (s Signal) Copy() Signal {
	c := make(Signal, len(s))
	for e, p := range s {
		c[e] = p
	}
	return c
}

// Elems returns sorted edge indices of the signal.
func (s Signal) Elems() []uint32 {
	res := make([]uint32, 0, len(s))
	for e := range s {
		res = append(res, uint32(e))
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// Has returns true if elem is present in the signal.
func (s Signal) Has(elem uint32) bool {
	_, ok := s[elemType(elem)]
	return ok
}

// Equal returns true if both signals have the same elems with the same buckets.
func (s Signal) Equal(s1 Signal) bool {
	if len(s) != len(s1) {
		return false
	}
	for e, p := range s {
		if p1, ok := s1[e]; !ok || p1 != p {
			return false
		}
	}
	return true
}

// Diff returns the part of s1 that is not covered by s
// (new elems or elems with a higher bucket).
func (s Signal) Diff(s1 Signal) Signal {
	if s1.Empty() {
		return nil
	}
	var res Signal
	for e, p1 := range s1 {
		if p, ok := s[e]; ok && p >= p1 {
			continue
		}
		if res == nil {
			res = make(Signal)
		}
		res[e] = p1
	}
	return res
}

// Subtract returns s without the elems present in s1 (regardless of buckets).
func (s Signal) Subtract(s1 Signal) Signal {
	if s1.Empty() {
		return s
	}
	var res Signal
	for e, p := range s {
		if _, ok := s1[e]; ok {
			continue
		}
		if res == nil {
			res = make(Signal, len(s))
		}
		res[e] = p
	}
	return res
}

// Unstable returns elems whose presence or bucket differs between s and s1.
func (s Signal) Unstable(s1 Signal) Signal {
	var res Signal
	add := func(e elemType) {
		if res == nil {
			res = make(Signal)
		}
		res[e] = 1
	}
	for e, p := range s {
		if p1, ok := s1[e]; !ok || p1 != p {
			add(e)
		}
	}
	for e := range s1 {
		if _, ok := s[e]; !ok {
			add(e)
		}
	}
	return res
}

func (s *Signal) Merge(s1 Signal) {
	if s1.Empty() {
		return
	}
	s0 := *s
	if s0 == nil {
		s0 = make(Signal, len(s1))
		*s = s0
	}
	for e, p1 := range s1 {
		if p, ok := s0[e]; !ok || p < p1 {
			s0[e] = p1
		}
	}
}

type Context struct {
	Signal Signal
	// Cost breaks ties between inputs with the same bucket for an elem, lower wins.
	Cost    float64
	Context interface{}
}

// Minimize returns the contexts that are the best for at least one elem:
// the highest bucket, then the lowest cost, then the lowest index.
// The union of signals of the returned contexts equals the union of all signals.
func Minimize(corpus []Context) []interface{} {
	type ContextPrio struct {
		prio prioType
		cost float64
		idx  int
	}
	covered := make(map[elemType]ContextPrio)
	for i, inp := range corpus {
		for e, p := range inp.Signal {
			prev, ok := covered[e]
			if !ok || p > prev.prio || p == prev.prio && inp.Cost < prev.cost {
				covered[e] = ContextPrio{
					prio: p,
					cost: inp.Cost,
					idx:  i,
				}
			}
		}
	}
	indices := make([]int, 0, len(corpus))
	seen := make(map[int]bool, len(corpus))
	for _, cp := range covered {
		if !seen[cp.idx] {
			seen[cp.idx] = true
			indices = append(indices, cp.idx)
		}
	}
	sort.Ints(indices)
	result := make([]interface{}, 0, len(indices))
	for _, idx := range indices {
		result = append(result, corpus[idx].Context)
	}
	return result
}
