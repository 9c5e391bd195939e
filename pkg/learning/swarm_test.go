// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package learning

import (
	"math/rand"
	"testing"

	"github.com/edgefuzz/edgefuzz/pkg/testutil"
	"github.com/stretchr/testify/assert"
)

func checkDistribution(t *testing.T, s *Swarm, ops int) {
	probs := s.Probabilities()
	assert.Len(t, probs, ops)
	sum := 0.0
	for _, p := range probs {
		assert.GreaterOrEqual(t, p, ProbabilityFloor(ops)-1e-12)
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestSwarmPhases(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	const ops = 4
	s := NewSwarm(r, ops, 3)
	s.PilotPeriod = 10
	s.CorePeriod = 20
	checkDistribution(t, s, ops)
	for sw := 0; sw < 3; sw++ {
		assert.False(t, s.Core())
		assert.Equal(t, sw, s.Active())
		for i := 0; i < 10; i++ {
			s.Update([]int{s.Choose()}, false)
		}
	}
	assert.True(t, s.Core())
	for i := 0; i < 20; i++ {
		s.Update([]int{s.Choose()}, false)
	}
	assert.False(t, s.Core())
	assert.Equal(t, 1, s.Rounds())
	checkDistribution(t, s, ops)
}

func TestSwarmLearns(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	const ops = 5
	s := NewSwarm(r, ops, DefaultSwarms)
	s.PilotPeriod = 200
	s.CorePeriod = 1000
	const rounds, averaged = 40, 15
	avg := make([]float64, ops)
	// Only operator 2 is ever useful.
	for s.Rounds() < rounds {
		round := s.Rounds()
		op := s.Choose()
		s.Update([]int{op}, op == 2 && r.Intn(4) == 0)
		if s.Rounds() != round {
			checkDistribution(t, s, ops)
			if s.Rounds() > rounds-averaged {
				for op, p := range s.Probabilities() {
					avg[op] += p / averaged
				}
			}
		}
	}
	t.Logf("average probabilities: %v", avg)
	for op, p := range avg {
		if op != 2 {
			assert.Greater(t, avg[2], p)
		}
	}
	assert.Greater(t, s.RecentYield(), 0.0)
}

func TestSwarmChooseDistribution(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	s := NewSwarm(r, 3, 1)
	probs := s.Probabilities()
	counts := make([]int, 3)
	const n = 30000
	for i := 0; i < n; i++ {
		counts[s.Choose()]++
	}
	for op := range counts {
		assert.InDelta(t, probs[op], float64(counts[op])/n, 0.02)
	}
}

func TestWindow(t *testing.T) {
	w := window{hits: make([]bool, 4)}
	assert.Equal(t, 0.0, w.ratio())
	w.save(true)
	w.save(false)
	assert.Equal(t, 0.5, w.ratio())
	for i := 0; i < 4; i++ {
		w.save(false)
	}
	assert.Equal(t, 0.0, w.ratio())
}
