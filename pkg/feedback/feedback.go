// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package feedback decides which executions are interesting (worth keeping in the corpus)
// and which are solutions (crashes and timeouts).
package feedback

import (
	"sync"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/harness"
	"github.com/edgefuzz/edgefuzz/pkg/ipc"
	"github.com/edgefuzz/edgefuzz/pkg/signal"
)

// State is the cumulative feedback state of one fuzzer process:
// the maximum bucket seen for every edge, the best execution time per edge
// and the edges that calibration found to be non-deterministic.
type State struct {
	mu        sync.RWMutex
	maxSignal signal.Signal
	bestTime  map[uint32]time.Duration
	unstable  signal.Signal
}

func NewState() *State {
	return &State{
		bestTime: make(map[uint32]time.Duration),
	}
}

// MaxSignal returns a copy of the cumulative signal.
func (st *State) MaxSignal() signal.Signal {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.maxSignal.Copy()
}

// Edges returns the number of covered edges.
func (st *State) Edges() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.maxSignal.Len()
}

// AddUnstable marks edges as non-deterministic, they are ignored by MapFeedback.
func (st *State) AddUnstable(s signal.Signal) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.unstable.Merge(s)
}

func (st *State) Unstable() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.unstable.Len()
}

// NewSignal returns the part of s that is not yet in the state.
func (st *State) NewSignal(s signal.Signal) signal.Signal {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.maxSignal.Diff(s.Subtract(st.unstable))
}

// Feedback classifies an execution as interesting.
// An interesting execution updates the state it was judged against.
type Feedback interface {
	Name() string
	IsInteresting(st *State, res *ipc.Result) bool
}

// MapFeedback is interesting if the execution covers a new edge
// or reaches a higher hit-count bucket for a known edge.
type MapFeedback struct{}

func (MapFeedback) Name() string { return "map" }

func (MapFeedback) IsInteresting(st *State, res *ipc.Result) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	diff := st.maxSignal.Diff(res.Signal.Subtract(st.unstable))
	if diff.Empty() {
		return false
	}
	st.maxSignal.Merge(diff)
	return true
}

// TimeFeedback is interesting if the execution is notably faster than any
// previous execution covering one of its edges.
// The first time seen for an edge only records the baseline.
type TimeFeedback struct {
	// Factor is the ratio to the best known time that counts as notably faster.
	Factor float64
	// MinDelta filters out timer noise of very fast executions.
	MinDelta time.Duration
}

const (
	DefaultTimeFactor   = 0.5
	DefaultTimeMinDelta = 20 * time.Microsecond
)

func (TimeFeedback) Name() string { return "time" }

func (tf TimeFeedback) IsInteresting(st *State, res *ipc.Result) bool {
	if res.Exit != harness.Ok || res.Signal.Empty() {
		return false
	}
	factor := tf.Factor
	if factor <= 0 {
		factor = DefaultTimeFactor
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	interesting := false
	for _, e := range res.Signal.Elems() {
		best, ok := st.bestTime[e]
		if ok && res.Elapsed >= best {
			continue
		}
		if ok && float64(res.Elapsed) < float64(best)*factor && best-res.Elapsed >= tf.MinDelta {
			interesting = true
		}
		st.bestTime[e] = res.Elapsed
	}
	return interesting
}

// Or combines feedbacks with short-circuit evaluation:
// feedbacks after the first interesting one are not evaluated and do not update the state.
type Or []Feedback

func (fbs Or) Name() string {
	name := ""
	for i, fb := range fbs {
		if i != 0 {
			name += "|"
		}
		name += fb.Name()
	}
	return name
}

func (fbs Or) IsInteresting(st *State, res *ipc.Result) bool {
	for _, fb := range fbs {
		if fb.IsInteresting(st, res) {
			return true
		}
	}
	return false
}

// Default returns map feedback OR time feedback.
func Default() Feedback {
	return Or{MapFeedback{}, TimeFeedback{Factor: DefaultTimeFactor, MinDelta: DefaultTimeMinDelta}}
}
