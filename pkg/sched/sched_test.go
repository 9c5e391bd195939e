// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package sched

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/corpus"
	"github.com/edgefuzz/edgefuzz/pkg/signal"
	"github.com/edgefuzz/edgefuzz/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCorpus(t *testing.T) *corpus.Corpus {
	c, err := corpus.Open(t.TempDir(), 0)
	require.NoError(t, err)
	return c
}

func add(t *testing.T, c *corpus.Corpus, s *Scheduler, data string, counters []uint8, execTime time.Duration) *corpus.Item {
	item, isNew, err := c.Add(corpus.NewInput{
		Data:     []byte(data),
		Signal:   signal.FromCounters(counters),
		PathHash: uint64(len(data)),
		Meta:     corpus.Meta{ExecTime: execTime},
	})
	require.NoError(t, err)
	require.True(t, isNew)
	s.OnAdd(item)
	return item
}

func TestParseSchedule(t *testing.T) {
	for _, name := range []string{"explore", "fast", "coe", "lin", "quad", "exploit"} {
		s, err := ParseSchedule(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.String())
	}
	s, err := ParseSchedule("")
	require.NoError(t, err)
	assert.Equal(t, Fast, s)
	var zero Schedule
	assert.Equal(t, DefaultSchedule, zero)
	_, err = ParseSchedule("slow")
	assert.Error(t, err)
}

func TestEmpty(t *testing.T) {
	s := New(newCorpus(t), Fast, rand.New(testutil.RandSource(t)))
	assert.Nil(t, s.Next())
	assert.Empty(t, s.Probabilities())
}

func TestRedundantNeverChosen(t *testing.T) {
	c := newCorpus(t)
	s := New(c, Fast, rand.New(testutil.RandSource(t)))
	// Same coverage, the longer one is redundant.
	long := add(t, c, s, "long input", []uint8{1, 1}, time.Millisecond)
	short := add(t, c, s, "short", []uint8{1, 1}, time.Millisecond)
	other := add(t, c, s, "x", []uint8{0, 0, 1}, time.Millisecond)
	probs := s.Probabilities()
	assert.NotContains(t, probs, long.Index)
	assert.Contains(t, probs, short.Index)
	assert.Contains(t, probs, other.Index)
	assert.True(t, long.Redundant)
	assert.Equal(t, 0.0, s.Weight(long))
	for i := 0; i < 1000; i++ {
		assert.NotSame(t, long, s.Next())
	}
}

func TestAllZeroUniform(t *testing.T) {
	c := newCorpus(t)
	s := New(c, Fast, rand.New(testutil.RandSource(t)))
	// Without coverage every item is redundant.
	for i := 0; i < 4; i++ {
		add(t, c, s, fmt.Sprint(i), nil, time.Millisecond)
	}
	probs := s.Probabilities()
	assert.Len(t, probs, 4)
	for _, p := range probs {
		assert.InDelta(t, 0.25, p, 1e-9)
	}
	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		seen[s.Next().Index] = true
	}
	assert.Len(t, seen, 4)
}

func TestProbabilitiesSum(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	for _, schedule := range []Schedule{Explore, Fast, Coe, Lin, Quad, Exploit} {
		c := newCorpus(t)
		s := New(c, schedule, r)
		for i := 0; i < 50; i++ {
			counters := make([]uint8, 64)
			for j := range counters {
				if r.Intn(8) == 0 {
					counters[j] = uint8(r.Intn(256))
				}
			}
			item := add(t, c, s, fmt.Sprintf("input-%v", i), counters, time.Duration(1+r.Intn(1000))*time.Microsecond)
			for j := 0; j < r.Intn(10); j++ {
				s.OnExec(item.PathHash)
			}
		}
		sum := 0.0
		for idx, p := range s.Probabilities() {
			assert.False(t, c.Get(idx).Redundant)
			assert.Greater(t, p, 0.0)
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-9, "schedule %v", schedule)
		for i := 0; i < 100; i++ {
			item := s.Next()
			require.NotNil(t, item)
			assert.False(t, item.Redundant)
			assert.GreaterOrEqual(t, s.PowerScore(item), 0)
			assert.LessOrEqual(t, s.PowerScore(item), havocMaxMult*basePerfScore)
		}
	}
}

func TestWeightPrefersFast(t *testing.T) {
	c := newCorpus(t)
	s := New(c, Explore, rand.New(testutil.RandSource(t)))
	slow := add(t, c, s, "a", []uint8{1, 0}, 10*time.Millisecond)
	fast := add(t, c, s, "b", []uint8{0, 1}, time.Millisecond)
	assert.Greater(t, s.Weight(fast), s.Weight(slow))
	assert.Greater(t, s.PowerScore(fast), s.PowerScore(slow))
}

func TestFastScheduleRarity(t *testing.T) {
	c := newCorpus(t)
	s := New(c, Fast, rand.New(testutil.RandSource(t)))
	common := add(t, c, s, "a", []uint8{1, 0}, time.Millisecond)
	rare := add(t, c, s, "bb", []uint8{0, 1}, time.Millisecond)
	for i := 0; i < 1000; i++ {
		s.OnExec(common.PathHash)
	}
	s.OnExec(rare.PathHash)
	s.Dirty()
	assert.Greater(t, s.Weight(rare), s.Weight(common))
	assert.Greater(t, s.PowerScore(rare), s.PowerScore(common))
	assert.Equal(t, uint32(1000), s.PathFrequency(common))
}

func TestDone(t *testing.T) {
	c := newCorpus(t)
	s := New(c, Fast, rand.New(testutil.RandSource(t)))
	item := add(t, c, s, "a", []uint8{1}, time.Millisecond)
	before := s.Weight(item)
	s.Done(item)
	assert.Equal(t, uint64(1), item.Scheduled)
	// Fresh items get a bonus.
	assert.Less(t, s.Weight(item), before)
}
