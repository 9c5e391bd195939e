// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package feedback

import (
	"testing"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/harness"
	"github.com/edgefuzz/edgefuzz/pkg/ipc"
	"github.com/edgefuzz/edgefuzz/pkg/signal"
	"github.com/stretchr/testify/assert"
)

func result(counters []uint8, elapsed time.Duration) *ipc.Result {
	return &ipc.Result{
		Exit:    harness.Ok,
		Signal:  signal.FromCounters(counters),
		Elapsed: elapsed,
	}
}

func TestMapFeedback(t *testing.T) {
	st := NewState()
	fb := MapFeedback{}
	assert.True(t, fb.IsInteresting(st, result([]uint8{1, 1, 0}, time.Millisecond)))
	assert.False(t, fb.IsInteresting(st, result([]uint8{1, 1, 0}, time.Millisecond)))
	// Higher bucket.
	assert.True(t, fb.IsInteresting(st, result([]uint8{1, 9, 0}, time.Millisecond)))
	assert.False(t, fb.IsInteresting(st, result([]uint8{1, 2, 0}, time.Millisecond)))
	assert.Equal(t, 2, st.Edges())

	// Unstable edges are not novel.
	st.AddUnstable(signal.FromRaw([]uint32{2}, 1))
	assert.False(t, fb.IsInteresting(st, result([]uint8{1, 1, 1}, time.Millisecond)))
	assert.Equal(t, 1, st.Unstable())
	assert.True(t, st.NewSignal(signal.FromCounters([]uint8{0, 0, 1})).Empty())
}

func TestTimeFeedback(t *testing.T) {
	st := NewState()
	fb := TimeFeedback{Factor: 0.5}
	// The first time only records the baseline.
	assert.False(t, fb.IsInteresting(st, result([]uint8{1}, 10*time.Millisecond)))
	assert.False(t, fb.IsInteresting(st, result([]uint8{1}, 8*time.Millisecond)))
	assert.True(t, fb.IsInteresting(st, result([]uint8{1}, 3*time.Millisecond)))
	assert.False(t, fb.IsInteresting(st, result([]uint8{1}, 2*time.Millisecond)))
	// Crashes are never interesting for the corpus.
	res := result([]uint8{1}, time.Microsecond)
	res.Exit = harness.Crash
	assert.False(t, fb.IsInteresting(st, res))
}

type countingFeedback struct {
	ret   bool
	calls int
}

func (cf *countingFeedback) Name() string { return "counting" }

func (cf *countingFeedback) IsInteresting(st *State, res *ipc.Result) bool {
	cf.calls++
	return cf.ret
}

func TestOrShortCircuit(t *testing.T) {
	st := NewState()
	first, second := &countingFeedback{ret: true}, &countingFeedback{}
	or := Or{first, second}
	assert.True(t, or.IsInteresting(st, result(nil, 0)))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls)
	first.ret = false
	assert.False(t, or.IsInteresting(st, result(nil, 0)))
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, "counting|counting", or.Name())
	assert.Equal(t, "map|time", Default().Name())
}

func TestObjective(t *testing.T) {
	obj := DefaultObjective()
	for _, test := range []struct {
		exit   harness.ExitKind
		ok     bool
		reason string
	}{
		{harness.Ok, false, ""},
		{harness.Crash, true, ReasonCrash},
		{harness.Timeout, true, ReasonTimeout},
	} {
		ok, reason := obj.IsSolution(&ipc.Result{Exit: test.exit})
		assert.Equal(t, test.ok, ok, "exit=%v", test.exit)
		assert.Equal(t, test.reason, reason, "exit=%v", test.exit)
	}
}
