// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	set := NewSet()
	assert.Empty(t, set.Collect(All))

	execs := set.New("exec total", "Total executions", Rate{}, Console)
	corpus := 0
	set.New("corpus", "Corpus size", func() int { return corpus }, Simple)
	execTime := set.New("exec time", "Execution time", Distribution{}, FormatDuration)

	execs.Add(10)
	execs.Add(5)
	corpus = 3
	execTime.Add(int(time.Millisecond))
	execTime.Add(int(3 * time.Millisecond))

	assert.Equal(t, 15, execs.Val())
	assert.Equal(t, 2*int(time.Millisecond), execTime.Val())
	ui := set.Collect(Simple)
	assert.Len(t, ui, 2)
	assert.Equal(t, "exec total", ui[0].Name)
	assert.Contains(t, ui[0].Value, "15 (")
	assert.Equal(t, "corpus", ui[1].Name)
	assert.Equal(t, 3, ui[1].V)
	all := set.Collect(All)
	assert.Len(t, all, 3)
	assert.Equal(t, "2ms", all[2].Value)
}

func TestExternalAddPanics(t *testing.T) {
	set := NewSet()
	v := set.New("ext", "", func() int { return 1 })
	assert.Panics(t, func() { v.Add(1) })
}

func TestUnknownOptionPanics(t *testing.T) {
	set := NewSet()
	assert.Panics(t, func() { set.New("bad", "", "graph") })
}

func TestAverageValue(t *testing.T) {
	var avg AverageValue[time.Duration]
	avg.Save(time.Second)
	avg.Save(3 * time.Second)
	assert.Equal(t, 2*time.Second, avg.Value())
	assert.Equal(t, int64(2), avg.Count())
}
