// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cmplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogEnable(t *testing.T) {
	l := New()
	l.Compare32(1, 2, 3)
	assert.Empty(t, l.Entries())

	l.Enable()
	l.Compare32(1, 2, 3)
	l.Compare32(1, 2, 3) // dup
	l.Compare32(1, 5, 5) // equal operands carry no information
	l.CompareBytes(2, []byte("abc"), []byte("abd"))
	entries := l.Entries()
	assert.Len(t, entries, 2)
	assert.Equal(t, Entry{Site: 1, Size: 4, A: 2, B: 3}, entries[0])
	assert.Equal(t, []byte("abd"), entries[1].BytesB)

	l.Reset()
	assert.Empty(t, l.Entries())
	l.Compare32(1, 2, 3)
	assert.Len(t, l.Entries(), 1)
	l.Disable()
	assert.False(t, l.Enabled())
	var nilLog *Log
	assert.False(t, nilLog.Enabled())
}

func TestReplacersSimple(t *testing.T) {
	m := BuildCompMap([]Entry{{Size: 4, A: 0xdeadbeef, B: 0xcafebabe}})
	assert.Equal(t, []uint64{0xcafebabe}, m.Replacers(0xdeadbeef, 4))
	assert.Equal(t, []uint64{0xdeadbeef}, m.Replacers(0xcafebabe, 4))
	assert.Empty(t, m.Replacers(0x12345678, 4))
}

func TestReplacersShrink(t *testing.T) {
	m := CompMap{}
	m.AddComp(0xab, 0x1)
	for _, v := range []uint64{0x12ab, 0xffab} {
		assert.Equal(t, []uint64{0x1}, m.Replacers(v, 2), "v=0x%x", v)
	}
	assert.Equal(t, []uint64{0x1}, m.Replacers(0x123456ab, 4))
}

func TestReplacersExpand(t *testing.T) {
	m := CompMap{}
	m.AddComp(0xffffffab, 0x1)
	assert.Equal(t, []uint64{0x1}, m.Replacers(0xab, 1))
	assert.Equal(t, []uint64{0x1}, m.Replacers(0xffab, 2))
	// Positive values are not sign-expanded.
	m = CompMap{}
	m.AddComp(0xffffff12, 0x1)
	assert.Empty(t, m.Replacers(0x12, 1))
}

func TestReplacersTruncate(t *testing.T) {
	m := CompMap{}
	m.AddComp(0x41, 0x1234)
	assert.Equal(t, []uint64{0x34}, m.Replacers(0x41, 1))
}
