// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package signal

import (
	"math/rand"
	"testing"

	"github.com/edgefuzz/edgefuzz/pkg/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBucket(t *testing.T) {
	tests := map[uint8]int8{
		0: 0, 1: 1, 2: 2, 3: 3, 4: 4, 7: 4, 8: 5, 15: 5,
		16: 6, 31: 6, 32: 7, 127: 7, 128: 8, 255: 8,
	}
	for count, want := range tests {
		assert.Equal(t, want, Bucket(count), "count=%v", count)
	}
}

func TestFromCounters(t *testing.T) {
	s := FromCounters([]uint8{0, 1, 0, 5, 200})
	assert.Equal(t, []uint32{1, 3, 4}, s.Elems())
	assert.Equal(t, Signal{1: 1, 3: 4, 4: 8}, s)
	assert.Nil(t, FromCounters(make([]uint8, 10)))
}

func TestDiffMerge(t *testing.T) {
	var maxSignal Signal
	s1 := FromCounters([]uint8{1, 1, 0})
	assert.Equal(t, s1, maxSignal.Diff(s1))
	maxSignal.Merge(s1)
	assert.Nil(t, maxSignal.Diff(s1))
	// Same edges, but edge 1 is hit more often: a new bucket.
	s2 := FromCounters([]uint8{1, 4, 0})
	assert.Equal(t, Signal{1: 4}, maxSignal.Diff(s2))
	// A lower bucket is not new.
	maxSignal.Merge(s2)
	assert.Nil(t, maxSignal.Diff(FromCounters([]uint8{1, 2, 0})))
	assert.Equal(t, Signal{2: 1}, maxSignal.Diff(FromCounters([]uint8{0, 0, 1})))
}

func TestUnstableSubtract(t *testing.T) {
	a := Signal{1: 1, 2: 3, 3: 1}
	b := Signal{1: 1, 2: 4, 4: 1}
	unstable := a.Unstable(b)
	assert.Equal(t, []uint32{2, 3, 4}, unstable.Elems())
	assert.Equal(t, Signal{1: 1}, a.Subtract(unstable))
	assert.True(t, a.Equal(a.Copy()))
	assert.False(t, a.Equal(b))
}

func TestMinimize(t *testing.T) {
	corpus := []Context{
		{Signal: Signal{1: 1, 2: 1}, Cost: 10, Context: "a"},
		{Signal: Signal{1: 1, 2: 1, 3: 1}, Cost: 5, Context: "b"},
		{Signal: Signal{3: 2}, Cost: 100, Context: "c"},
		{Signal: Signal{2: 1}, Cost: 1, Context: "d"},
	}
	assert.Equal(t, []interface{}{"b", "c", "d"}, Minimize(corpus))
}

func TestMinimizeSound(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	for iter := 0; iter < testutil.IterCount()/10; iter++ {
		var corpus []Context
		var all Signal
		for i := 0; i < 1+r.Intn(20); i++ {
			counters := make([]uint8, 32)
			for j := range counters {
				if r.Intn(4) == 0 {
					counters[j] = uint8(r.Intn(256))
				}
			}
			s := FromCounters(counters)
			all.Merge(s)
			corpus = append(corpus, Context{Signal: s, Cost: r.Float64(), Context: s})
		}
		var kept Signal
		for _, ctx := range Minimize(corpus) {
			kept.Merge(ctx.(Signal))
		}
		assert.True(t, kept.Equal(all) || kept.Empty() && all.Empty())
	}
}
