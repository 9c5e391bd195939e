// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cover

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver(t *testing.T) {
	m := NewMap(16)
	_, err := NewObserver(m, 32)
	assert.Error(t, err)
	_, err = NewObserver(nil, 16)
	assert.Error(t, err)

	obs, err := NewObserver(m, 16)
	require.NoError(t, err)
	obs.PreExec()
	m.Hit(1)
	m.HitN(3, 5)
	m.Hit(16 + 2) // folded into edge 2
	snap1 := obs.PostExec()
	assert.Equal(t, []uint32{1, 2, 3}, snap1.Signal.Elems())

	obs.PreExec()
	m.Hit(1)
	m.HitN(3, 6)
	m.Hit(2)
	snap2 := obs.PostExec()
	// 5 and 6 hits fall into the same bucket.
	assert.Equal(t, snap1.Hash, snap2.Hash)
	assert.True(t, snap1.Signal.Equal(snap2.Signal))

	obs.PreExec()
	m.Hit(1)
	snap3 := obs.PostExec()
	assert.NotEqual(t, snap1.Hash, snap3.Hash)
}

func TestSaturation(t *testing.T) {
	m := NewMap(1)
	m.HitN(0, 1000)
	assert.Equal(t, uint8(255), m.counters[0])
	m.Hit(-1)
	assert.Equal(t, uint8(255), m.counters[0])
}
