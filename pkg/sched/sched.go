// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package sched chooses the next corpus item to fuzz and decides how long to fuzz it.
// Items are chosen with probability proportional to their weight, which prefers fast,
// rarely exercised, high-coverage items. The number of mutations per item is given
// by the power schedule.
package sched

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/corpus"
)

// Schedule is the power schedule, the zero value is DefaultSchedule.
type Schedule int

const (
	Fast Schedule = iota
	Explore
	Coe
	Lin
	Quad
	Exploit
)

var scheduleNames = []string{
	Fast:    "fast",
	Explore: "explore",
	Coe:     "coe",
	Lin:     "lin",
	Quad:    "quad",
	Exploit: "exploit",
}

const DefaultSchedule = Fast

func (s Schedule) String() string {
	if s < 0 || int(s) >= len(scheduleNames) {
		return fmt.Sprintf("schedule(%d)", int(s))
	}
	return scheduleNames[s]
}

func ParseSchedule(name string) (Schedule, error) {
	if name == "" {
		return DefaultSchedule, nil
	}
	for s, n := range scheduleNames {
		if n == strings.ToLower(name) {
			return Schedule(s), nil
		}
	}
	return 0, fmt.Errorf("unknown power schedule %q, want one of %v", name, scheduleNames)
}

const (
	// Number of path frequency counters, path hashes are folded into this range.
	nFuzzSize = 1 << 21
	// Caps of the schedule factor and of the power score.
	maxFactor     = 32
	havocMaxMult  = 64
	basePerfScore = 100
)

// Scheduler is not thread-safe, it is owned by the fuzzing loop.
type Scheduler struct {
	corpus   *corpus.Corpus
	schedule Schedule
	rnd      *rand.Rand
	nFuzz    []uint32

	// The weights are recomputed on the next Next call after a change.
	dirty      bool
	minimize   bool
	items      []*corpus.Item
	accWeights []float64
	sumWeights float64
	avg        averages
}

type averages struct {
	execTime time.Duration
	signal   float64
	fuzzMu   float64
}

func New(c *corpus.Corpus, schedule Schedule, r *rand.Rand) *Scheduler {
	return &Scheduler{
		corpus:   c,
		schedule: schedule,
		rnd:      r,
		nFuzz:    make([]uint32, nFuzzSize),
		dirty:    true,
		minimize: true,
	}
}

func (s *Scheduler) Schedule() Schedule {
	return s.schedule
}

// OnAdd must be called for every item added to the corpus.
func (s *Scheduler) OnAdd(item *corpus.Item) {
	s.dirty = true
	s.minimize = true
}

// OnExec records one execution that took the path with the given hash.
func (s *Scheduler) OnExec(pathHash uint64) {
	idx := pathHash % nFuzzSize
	if s.nFuzz[idx] != math.MaxUint32 {
		s.nFuzz[idx]++
	}
}

// PathFrequency returns how many executions took the same path as the item.
func (s *Scheduler) PathFrequency(item *corpus.Item) uint32 {
	return s.nFuzz[item.PathHash%nFuzzSize]
}

// Dirty says that item metadata has changed and the weights must be recomputed.
func (s *Scheduler) Dirty() {
	s.dirty = true
}

// Done must be called after the item went through the power stage.
func (s *Scheduler) Done(item *corpus.Item) {
	s.corpus.UpdateMeta(item, func(meta *corpus.Meta) {
		meta.Scheduled++
	})
	s.dirty = true
}

// Next returns the next item to fuzz, or nil if the corpus is empty.
// Items with zero weight are never chosen while an item with positive weight exists.
// If all weights are zero, the choice is uniform.
func (s *Scheduler) Next() *corpus.Item {
	s.refresh()
	if len(s.items) == 0 {
		return nil
	}
	if s.sumWeights <= 0 {
		return s.items[s.rnd.Intn(len(s.items))]
	}
	randVal := s.rnd.Float64() * s.sumWeights
	idx := sort.Search(len(s.accWeights), func(i int) bool {
		return s.accWeights[i] > randVal
	})
	if idx == len(s.accWeights) {
		// Rounding, fall back to the last item with positive weight.
		for idx = len(s.accWeights) - 1; idx > 0 && s.accWeights[idx] == s.accWeights[idx-1]; idx-- {
		}
	}
	return s.items[idx]
}

// Probabilities returns the probability of every item index to be chosen by Next.
// Items that can't be chosen are omitted.
func (s *Scheduler) Probabilities() map[int]float64 {
	s.refresh()
	res := make(map[int]float64)
	if len(s.items) == 0 {
		return res
	}
	prev := 0.0
	for i, item := range s.items {
		if s.sumWeights <= 0 {
			res[item.Index] = 1 / float64(len(s.items))
			continue
		}
		if w := s.accWeights[i] - prev; w > 0 {
			res[item.Index] = w / s.sumWeights
		}
		prev = s.accWeights[i]
	}
	return res
}

func (s *Scheduler) refresh() {
	if !s.dirty && len(s.items) == s.corpus.Len() {
		return
	}
	if s.minimize || len(s.items) != s.corpus.Len() {
		s.corpus.Minimize()
		s.minimize = false
	}
	s.items = s.corpus.Items()
	s.avg = s.averages()
	s.accWeights = s.accWeights[:0]
	s.sumWeights = 0
	for _, item := range s.items {
		s.sumWeights += s.weight(item)
		s.accWeights = append(s.accWeights, s.sumWeights)
	}
	s.dirty = false
}

func (s *Scheduler) averages() averages {
	var avg averages
	var execTotal time.Duration
	var execCount, signalTotal, fuzzTotal int
	for _, item := range s.items {
		if item.ExecTime > 0 {
			execTotal += item.ExecTime
			execCount++
		}
		signalTotal += item.Signal.Len()
		fuzzTotal += int(s.PathFrequency(item))
	}
	if execCount != 0 {
		avg.execTime = execTotal / time.Duration(execCount)
	}
	if n := len(s.items); n != 0 {
		avg.signal = float64(signalTotal) / float64(n)
		avg.fuzzMu = float64(fuzzTotal) / float64(n)
	}
	return avg
}

// Weight returns the relative chance of the item to be chosen.
func (s *Scheduler) Weight(item *corpus.Item) float64 {
	s.refresh()
	return s.weight(item)
}

func (s *Scheduler) weight(item *corpus.Item) float64 {
	if item.Redundant {
		return 0
	}
	weight := 1.0
	switch s.schedule {
	case Fast, Coe, Lin, Quad:
		if hits := s.PathFrequency(item); hits > 0 {
			weight /= math.Log10(float64(hits)) + 1
		}
	}
	if item.ExecTime > 0 && s.avg.execTime > 0 {
		weight *= float64(s.avg.execTime) / float64(item.ExecTime)
	}
	weight *= (float64(item.Signal.Len()) + 1) / (s.avg.signal + 1)
	if item.Favored {
		weight *= 5
	}
	if item.Scheduled == 0 {
		weight *= 2
	}
	if item.Flaky {
		weight *= 0.5
	}
	return weight
}

// PowerScore returns the number of mutations the power stage performs for the item.
func (s *Scheduler) PowerScore(item *corpus.Item) int {
	s.refresh()
	avg := s.avg
	score := float64(basePerfScore)
	if execTime := item.ExecTime; execTime > 0 && avg.execTime > 0 {
		switch {
		case float64(execTime)*0.1 > float64(avg.execTime):
			score = 10
		case float64(execTime)*0.25 > float64(avg.execTime):
			score = 25
		case float64(execTime)*0.5 > float64(avg.execTime):
			score = 50
		case float64(execTime)*0.75 > float64(avg.execTime):
			score = 75
		case execTime*4 < avg.execTime:
			score = 300
		case execTime*3 < avg.execTime:
			score = 200
		case execTime*2 < avg.execTime:
			score = 150
		}
	}
	if bitmap := float64(item.Signal.Len()); avg.signal > 0 {
		switch {
		case bitmap*0.3 > avg.signal:
			score *= 3
		case bitmap*0.5 > avg.signal:
			score *= 2
		case bitmap*0.75 > avg.signal:
			score *= 1.5
		case bitmap*3 < avg.signal:
			score *= 0.25
		case bitmap*2 < avg.signal:
			score *= 0.5
		case bitmap*1.5 < avg.signal:
			score *= 0.75
		}
	}
	switch depth := item.Depth; {
	case depth <= 3:
	case depth <= 7:
		score *= 2
	case depth <= 13:
		score *= 3
	case depth <= 25:
		score *= 4
	default:
		score *= 5
	}
	score *= s.factor(item)
	if item.Flaky {
		score *= 0.5
	}
	if limit := float64(havocMaxMult * basePerfScore); score > limit {
		score = limit
	}
	if s.schedule != Coe && score < 1 {
		score = 1
	}
	return int(score)
}

func (s *Scheduler) factor(item *corpus.Item) float64 {
	fuzz := float64(s.PathFrequency(item))
	if fuzz == 0 {
		fuzz = 1
	}
	level := item.Scheduled
	var factor float64
	switch s.schedule {
	case Explore:
		factor = 1
	case Exploit:
		factor = maxFactor
	case Coe:
		if fuzz > s.avg.fuzzMu && s.avg.fuzzMu > 0 {
			// Overexercised paths are skipped until the others catch up.
			return 0
		}
		factor = levelFactor(level)
	case Fast:
		if level < 16 {
			factor = levelFactor(level) / fuzz
		} else {
			factor = maxFactor / nextPow2(fuzz)
		}
	case Lin:
		factor = float64(level) / (fuzz + 1)
	case Quad:
		factor = float64(level*level) / (fuzz + 1)
	}
	if s.schedule == Lin || s.schedule == Quad {
		// Fresh items would get no mutations at all.
		factor = math.Max(factor, 1)
	}
	return math.Min(factor, maxFactor)
}

func levelFactor(level uint64) float64 {
	if level >= 16 {
		return maxFactor
	}
	return float64(uint64(1) << level)
}

func nextPow2(v float64) float64 {
	res := 1.0
	for res < v {
		res *= 2
	}
	return res
}
