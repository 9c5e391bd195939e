// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutator

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/edgefuzz/edgefuzz/pkg/cmplog"
	"github.com/edgefuzz/edgefuzz/pkg/testutil"
	"github.com/edgefuzz/edgefuzz/pkg/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSource [][]byte

func (s testSource) RandomInput(r *rand.Rand) ([]byte, bool) {
	if len(s) == 0 {
		return nil, false
	}
	return s[r.Intn(len(s))], true
}

func newTestMutator(t *testing.T) *Mutator {
	m := New(rand.New(testutil.RandSource(t)))
	m.MaxLen = 256
	m.Dict = tokens.NewDict()
	m.Dict.Add([]byte("TOKEN"), []byte("magic"))
	m.Source = testSource{[]byte("other input 1"), []byte("another one")}
	return m
}

func TestOpsRandom(t *testing.T) {
	m := newTestMutator(t)
	ops := DefaultOps()
	names := make(map[string]bool)
	for _, op := range ops {
		assert.False(t, names[op.Name], "duplicate op %v", op.Name)
		names[op.Name] = true
	}
	for _, op := range ops {
		applied := 0
		for i := 0; i < testutil.IterCount(); i++ {
			data := testutil.RandBytes(m.r, 64)
			res, ok := op.Mutate(m, data)
			if !ok {
				continue
			}
			applied++
			assert.LessOrEqual(t, len(res), m.MaxLen, "op %v", op.Name)
			if len(data) != 0 {
				assert.NotEmpty(t, res, "op %v", op.Name)
			}
		}
		assert.NotZero(t, applied, "op %v was never applied", op.Name)
	}
}

func TestOpsEmptyInput(t *testing.T) {
	m := newTestMutator(t)
	for _, op := range DefaultOps() {
		res, ok := op.Mutate(m, nil)
		if op.Name == "tokenreplace" || op.Name == "tokeninsert" {
			assert.False(t, ok)
		}
		if !ok {
			assert.Empty(t, res, "op %v", op.Name)
		}
	}
}

func TestTokenOpsNoDict(t *testing.T) {
	m := newTestMutator(t)
	m.Dict = nil
	for _, op := range TokenOps() {
		res, ok := op.Mutate(m, []byte("data"))
		assert.False(t, ok)
		assert.Equal(t, []byte("data"), res)
	}
}

func TestTokenInsert(t *testing.T) {
	m := newTestMutator(t)
	res, ok := tokenInsert(m, []byte("xx"))
	require.True(t, ok)
	assert.True(t, bytes.Contains(res, []byte("TOKEN")) || bytes.Contains(res, []byte("magic")))
	assert.Len(t, res, 7)
}

func TestCrossoverNoSource(t *testing.T) {
	m := newTestMutator(t)
	m.Source = nil
	for _, op := range HavocOps() {
		if op.Name == "crossoverinsert" || op.Name == "crossoverreplace" || op.Name == "splice" {
			_, ok := op.Mutate(m, []byte("data"))
			assert.False(t, ok, "op %v", op.Name)
		}
	}
}

func TestMOpt(t *testing.T) {
	m := newTestMutator(t)
	mo := NewMOpt(m, DefaultOps(), 0, 0)
	data := []byte("original input")
	orig := append([]byte{}, data...)
	mutated := 0
	for i := 0; i < testutil.IterCount(); i++ {
		res, ok := mo.Mutate(data)
		if ok {
			mutated++
			assert.NotEqual(t, data, res)
			mo.Reward(i%10 == 0)
		}
		assert.Equal(t, orig, data, "input modified in place")
	}
	assert.Greater(t, mutated, testutil.IterCount()/2)
	total := uint64(0)
	for _, n := range mo.Applied() {
		total += n
	}
	assert.NotZero(t, total)
	assert.Len(t, mo.Swarm().Probabilities(), len(DefaultOps()))
}

func TestMOptEmpty(t *testing.T) {
	m := newTestMutator(t)
	mo := NewMOpt(m, DefaultOps(), 0, 0)
	res, ok := mo.Mutate(nil)
	assert.False(t, ok)
	assert.Empty(t, res)
}

func TestI2SInt(t *testing.T) {
	m := newTestMutator(t)
	data := []byte("xxAAAAyy")
	input := binary.LittleEndian.Uint32(data[2:])
	entries := []cmplog.Entry{{Site: 1, Size: 4, A: uint64(input), B: 0xdeadbeef}}
	for i := 0; i < 100; i++ {
		res, ok := m.I2S(data, entries)
		require.True(t, ok)
		assert.Equal(t, []byte("xx\xef\xbe\xad\xdeyy"), res)
		assert.Equal(t, []byte("xxAAAAyy"), data)
	}
}

func TestI2SBigEndian(t *testing.T) {
	m := newTestMutator(t)
	data := []byte("xxABCDyy")
	input := binary.BigEndian.Uint32(data[2:])
	entries := []cmplog.Entry{{Size: 4, A: 0x12345678, B: uint64(input)}}
	res, ok := m.I2S(data, entries)
	require.True(t, ok)
	assert.Equal(t, []byte("xx\x12\x34\x56\x78yy"), res)
}

func TestI2SBytes(t *testing.T) {
	m := newTestMutator(t)
	entries := []cmplog.Entry{{Site: 2, BytesA: []byte("GET"), BytesB: []byte("POST")}}
	res, ok := m.I2S([]byte("GET /index"), entries)
	require.True(t, ok)
	assert.Equal(t, []byte("POST /index"), res)
}

func TestI2SDegenerate(t *testing.T) {
	m := newTestMutator(t)
	entries := []cmplog.Entry{{Size: 4, A: 0x11223344, B: 0x55667788}}
	res, ok := m.I2S(nil, entries)
	assert.False(t, ok)
	assert.Empty(t, res)
	res, ok = m.I2S([]byte("data"), nil)
	assert.False(t, ok)
	assert.Equal(t, []byte("data"), res)
	// No operand is present in the input.
	res, ok = m.I2S([]byte("data"), entries)
	assert.False(t, ok)
	assert.Equal(t, []byte("data"), res)
}
