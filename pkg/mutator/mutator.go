// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mutator derives new inputs from corpus inputs.
package mutator

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/edgefuzz/edgefuzz/pkg/tokens"
)

const DefaultMaxLen = 1 << 20

// Source provides other inputs for crossover operators.
type Source interface {
	// RandomInput returns data of a random corpus input.
	// The data must not be modified.
	RandomInput(r *rand.Rand) ([]byte, bool)
}

type Mutator struct {
	r      *rand.Rand
	MaxLen int
	// Dict is optional, token operators do nothing without it.
	Dict *tokens.Dict
	// Source is optional, crossover operators do nothing without it.
	Source Source
}

func New(r *rand.Rand) *Mutator {
	return &Mutator{
		r:      r,
		MaxLen: DefaultMaxLen,
	}
}

// Op is a single mutation operator.
// Mutate may modify data in place and returns the result and
// whether the operator was applicable.
type Op struct {
	Name   string
	Mutate func(m *Mutator, data []byte) ([]byte, bool)
}

func (m *Mutator) rand(n int) int {
	return m.r.Intn(n)
}

func (m *Mutator) bin() bool {
	return m.r.Int63()&1 == 0
}

func (m *Mutator) byteOrder() binary.ByteOrder {
	if m.bin() {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// chooseLen chooses length of range mutation.
// It gives preference to shorter ranges.
func (m *Mutator) chooseLen(n int) int {
	switch x := m.rand(100); {
	case x < 90:
		return m.rand(min(8, n)) + 1
	case x < 99:
		return m.rand(min(32, n)) + 1
	default:
		return m.rand(n) + 1
	}
}

// room returns how many bytes can be added to data.
func (m *Mutator) room(data []byte) int {
	maxLen := m.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return maxLen - len(data)
}

// splice replaces s[start:start+n] with r.
func splice(s []byte, start, n int, r []byte) []byte {
	if len(r) == n {
		copy(s[start:], r)
		return s
	}
	t := make([]byte, len(s)-n+len(r))
	copy(t, s[:start])
	copy(t[start:], r)
	copy(t[start+len(r):], s[start+n:])
	return t
}

func loadInt(data []byte, size int, order binary.ByteOrder) uint64 {
	switch size {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(order.Uint16(data))
	case 4:
		return uint64(order.Uint32(data))
	case 8:
		return order.Uint64(data)
	default:
		panic(fmt.Sprintf("loadInt: bad size %v", size))
	}
}

func storeInt(data []byte, v uint64, size int, order binary.ByteOrder) {
	switch size {
	case 1:
		data[0] = uint8(v)
	case 2:
		order.PutUint16(data, uint16(v))
	case 4:
		order.PutUint32(data, uint32(v))
	case 8:
		order.PutUint64(data, v)
	default:
		panic(fmt.Sprintf("storeInt: bad size %v", size))
	}
}
