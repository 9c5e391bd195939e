// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutator

import (
	"bytes"

	"github.com/edgefuzz/edgefuzz/pkg/learning"
)

const DefaultStackPow = 7

// MOpt applies a random stack of operators drawn from a learned distribution.
type MOpt struct {
	m        *Mutator
	ops      []Op
	swarm    *learning.Swarm
	stackPow int
	used     []int
	applied  []uint64
}

func NewMOpt(m *Mutator, ops []Op, stackPow, swarms int) *MOpt {
	if stackPow <= 0 {
		stackPow = DefaultStackPow
	}
	return &MOpt{
		m:        m,
		ops:      ops,
		swarm:    learning.NewSwarm(m.r, len(ops), swarms),
		stackPow: stackPow,
		applied:  make([]uint64, len(ops)),
	}
}

// DefaultOps returns all havoc operators and token operators.
func DefaultOps() []Op {
	return append(HavocOps(), TokenOps()...)
}

func (mo *MOpt) Swarm() *learning.Swarm {
	return mo.swarm
}

func (mo *MOpt) Ops() []Op {
	return mo.ops
}

// Applied returns how many times every operator was applied.
func (mo *MOpt) Applied() []uint64 {
	return mo.applied
}

// Mutate returns a mutated copy of data. The original data is not modified.
// Returns false if no operator could be applied or the result equals the input.
// Every Mutate call must be followed by a Reward call once the result is evaluated.
func (mo *MOpt) Mutate(data []byte) ([]byte, bool) {
	mo.used = mo.used[:0]
	if len(data) == 0 {
		return data, false
	}
	res := append([]byte{}, data...)
	stack := 1 << (1 + mo.m.rand(mo.stackPow))
	mutated := false
	for i := 0; i < stack; i++ {
		op := mo.swarm.Choose()
		var ok bool
		res, ok = mo.ops[op].Mutate(mo.m, res)
		if !ok {
			continue
		}
		mutated = true
		mo.applied[op]++
		mo.used = append(mo.used, op)
	}
	if !mutated || bytes.Equal(res, data) {
		return data, false
	}
	return res, true
}

// Reward tells the swarm whether the last mutated input yielded a new corpus entry or a solution.
func (mo *MOpt) Reward(found bool) {
	if len(mo.used) == 0 {
		return
	}
	mo.swarm.Update(mo.used, found)
	mo.used = mo.used[:0]
}
