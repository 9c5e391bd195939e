// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package learning

import (
	"math/rand"
	"sort"
)

// Swarm learns a probability distribution over mutation operators
// with particle swarm optimization. Every particle (swarm) holds a distribution.
// In the pilot phase every swarm is used for PilotPeriod executions,
// then the fittest swarm is used for CorePeriod executions.
// After the core phase every swarm moves toward its own best distribution seen in the pilot
// phases and toward the global distribution of operators that yielded findings.
type Swarm struct {
	PilotPeriod uint64
	CorePeriod  uint64

	rnd     *rand.Rand
	ops     int
	core    bool
	current int
	execs   uint64
	rounds  int

	pos        [][]float64 // current distributions, not normalized
	vel        [][]float64
	localBest  [][]float64
	localEff   [][]float64
	globalBest []float64
	opFinds    []uint64
	cum        [][]float64 // normalized cumulative distributions
	fitness    []float64

	pilotFinds  [][]uint64
	pilotCycles [][]uint64
	swarmFinds  []uint64
	swarmExecs  []uint64

	yield window
}

// window counts rewarded executions among the last len(hits) ones.
type window struct {
	hits  []bool
	pos   int
	total int
	count int
}

func (w *window) save(hit bool) {
	if w.hits[w.pos] {
		w.total--
	}
	w.hits[w.pos] = hit
	if hit {
		w.total++
	}
	w.pos = (w.pos + 1) % len(w.hits)
	w.count = min(w.count+1, len(w.hits))
}

func (w *window) ratio() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.total) / float64(w.count)
}

const (
	DefaultSwarms      = 5
	DefaultPilotPeriod = 5000
	DefaultCorePeriod  = 50000

	posMin      = 0.05
	posMax      = 1.0
	initialBest = 0.5
	inertia     = 0.5
)

func NewSwarm(r *rand.Rand, ops, swarms int) *Swarm {
	if ops <= 0 {
		panic("no operators")
	}
	if swarms <= 0 {
		swarms = DefaultSwarms
	}
	s := &Swarm{
		PilotPeriod: DefaultPilotPeriod,
		CorePeriod:  DefaultCorePeriod,
		rnd:         r,
		ops:         ops,
		globalBest:  make([]float64, ops),
		opFinds:     make([]uint64, ops),
		swarmFinds:  make([]uint64, swarms),
		swarmExecs:  make([]uint64, swarms),
		fitness:     make([]float64, swarms),
		yield:       window{hits: make([]bool, 1000)},
	}
	for i := 0; i < swarms; i++ {
		pos := make([]float64, ops)
		vel := make([]float64, ops)
		for op := range pos {
			pos[op] = posMin + r.Float64()*(posMax-posMin)
			vel[op] = 0.1
		}
		s.pos = append(s.pos, pos)
		s.vel = append(s.vel, vel)
		localBest := make([]float64, ops)
		for op := range localBest {
			localBest[op] = initialBest
		}
		s.localBest = append(s.localBest, localBest)
		s.localEff = append(s.localEff, make([]float64, ops))
		s.cum = append(s.cum, make([]float64, ops))
		s.pilotFinds = append(s.pilotFinds, make([]uint64, ops))
		s.pilotCycles = append(s.pilotCycles, make([]uint64, ops))
		s.normalize(i)
	}
	for op := range s.globalBest {
		s.globalBest[op] = initialBest
	}
	return s
}

// ProbabilityFloor is the lowest probability an operator can have.
func ProbabilityFloor(ops int) float64 {
	return posMin / (float64(ops) * posMax)
}

// Choose returns a random operator drawn from the active distribution.
func (s *Swarm) Choose() int {
	cum := s.cum[s.current]
	val := s.rnd.Float64()
	idx := sort.Search(len(cum), func(i int) bool {
		return cum[i] > val
	})
	if idx == len(cum) {
		idx = len(cum) - 1
	}
	return idx
}

// Probabilities returns the active distribution.
func (s *Swarm) Probabilities() []float64 {
	cum := s.cum[s.current]
	res := make([]float64, len(cum))
	prev := 0.0
	for i, c := range cum {
		res[i] = c - prev
		prev = c
	}
	return res
}

// Core returns true during the core phase.
func (s *Swarm) Core() bool {
	return s.core
}

// Active returns the index of the swarm in use.
func (s *Swarm) Active() int {
	return s.current
}

// Rounds returns the number of completed pilot+core rounds.
func (s *Swarm) Rounds() int {
	return s.rounds
}

// RecentYield returns the fraction of recent executions that were rewarded.
func (s *Swarm) RecentYield() float64 {
	return s.yield.ratio()
}

// Update records the outcome of one execution of an input produced by the given operators.
// Operators are rewarded if the execution yielded a new corpus entry or a solution.
func (s *Swarm) Update(used []int, found bool) {
	s.execs++
	s.yield.save(found)
	seen := make(map[int]bool, len(used))
	for _, op := range used {
		if seen[op] {
			continue
		}
		seen[op] = true
		if found {
			s.opFinds[op]++
		}
		if !s.core {
			s.pilotCycles[s.current][op]++
			if found {
				s.pilotFinds[s.current][op]++
			}
		}
	}
	if s.core {
		if s.execs >= s.CorePeriod {
			s.endCore()
		}
		return
	}
	s.swarmExecs[s.current]++
	if found {
		s.swarmFinds[s.current]++
	}
	if s.execs >= s.PilotPeriod {
		s.endPilot()
	}
}

func (s *Swarm) endPilot() {
	s.execs = 0
	sw := s.current
	s.fitness[sw] = float64(s.swarmFinds[sw]) / float64(s.swarmExecs[sw])
	for op := 0; op < s.ops; op++ {
		if s.pilotCycles[sw][op] == 0 {
			continue
		}
		eff := float64(s.pilotFinds[sw][op]) / float64(s.pilotCycles[sw][op])
		if eff > s.localEff[sw][op] {
			s.localEff[sw][op] = eff
			s.localBest[sw][op] = s.pos[sw][op]
		}
	}
	if s.current+1 < len(s.pos) {
		s.current++
		return
	}
	best := 0
	for i, f := range s.fitness {
		if f > s.fitness[best] {
			best = i
		}
	}
	s.current = best
	s.core = true
}

func (s *Swarm) endCore() {
	s.execs = 0
	var maxFinds uint64
	for _, finds := range s.opFinds {
		maxFinds = max(maxFinds, finds)
	}
	if maxFinds != 0 {
		for op, finds := range s.opFinds {
			s.globalBest[op] = posMin + (posMax-posMin)*float64(finds)/float64(maxFinds)
		}
	}
	for sw := range s.pos {
		for op := 0; op < s.ops; op++ {
			v := inertia*s.vel[sw][op] +
				s.rnd.Float64()*(s.localBest[sw][op]-s.pos[sw][op]) +
				s.rnd.Float64()*(s.globalBest[op]-s.pos[sw][op])
			s.vel[sw][op] = v
			s.pos[sw][op] = min(max(s.pos[sw][op]+v, posMin), posMax)
		}
		s.normalize(sw)
		s.swarmFinds[sw] = 0
		s.swarmExecs[sw] = 0
		clear(s.pilotFinds[sw])
		clear(s.pilotCycles[sw])
	}
	s.core = false
	s.current = 0
	s.rounds++
}

func (s *Swarm) normalize(sw int) {
	total := 0.0
	for _, p := range s.pos[sw] {
		total += p
	}
	acc := 0.0
	for op, p := range s.pos[sw] {
		acc += p / total
		s.cum[sw][op] = acc
	}
	s.cum[sw][s.ops-1] = 1
}
