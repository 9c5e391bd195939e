// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/stat"
)

type Stats struct {
	statExecs         *stat.Val
	statExecTime      *stat.Val
	statExecCalibrate *stat.Val
	statExecTrace     *stat.Val
	statExecI2S       *stat.Val
	statExecPower     *stat.Val
	statExecSeed      *stat.Val
	statNewInputs     *stat.Val
	statForeign       *stat.Val
}

func newStats(set *stat.Set) Stats {
	return Stats{
		statExecs: set.New("exec total", "Total test input executions",
			stat.Console, stat.Rate{}),
		statExecTime: set.New("exec time", "Total time spent in the harness",
			func(v int, period time.Duration) string {
				return time.Duration(v).Round(time.Millisecond).String()
			}),
		statExecCalibrate: set.New("exec calibrate", "Executions of calibration runs", stat.Rate{}),
		statExecTrace:     set.New("exec trace", "Executions with comparison tracing", stat.Rate{}),
		statExecI2S:       set.New("exec i2s", "Executions of input-to-state mutants", stat.Rate{}),
		statExecPower:     set.New("exec power", "Executions of havoc mutants", stat.Rate{}),
		statExecSeed:      set.New("exec seeds", "Executions of seeds, reloaded and foreign inputs", stat.Rate{}),
		statNewInputs: set.New("new inputs", "Inputs added to the corpus by this client",
			stat.Console, stat.Rate{}),
		statForeign: set.New("foreign inputs", "Inputs from other clients added to the corpus",
			stat.Rate{}),
	}
}
