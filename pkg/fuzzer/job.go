// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"context"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/cmplog"
	"github.com/edgefuzz/edgefuzz/pkg/corpus"
	"github.com/edgefuzz/edgefuzz/pkg/harness"
	"github.com/edgefuzz/edgefuzz/pkg/ipc"
	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/signal"
	"github.com/edgefuzz/edgefuzz/pkg/stat"
)

const (
	calibrationRuns    = 4
	calibrationRunsMax = 8
)

// job is a single scheduled corpus item going through the stages.
type job struct {
	item  *corpus.Item
	data  []byte
	comps []cmplog.Entry
	// done is set if a stage found that the remaining stages are pointless.
	done bool
}

type stage struct {
	name string
	run  func(ctx context.Context, fuzzer *Fuzzer, job *job) error
}

var stages = []stage{
	{"calibrate", calibrate},
	{"trace", trace},
	{"i2s", inputToState},
	{"power", power},
}

// calibrate runs uncalibrated items several times to measure the average execution time
// and to find edges with non-deterministic coverage.
func calibrate(ctx context.Context, fuzzer *Fuzzer, job *job) error {
	item := job.item
	if item.Calibrated {
		return nil
	}
	var (
		first    signal.Signal
		unstable signal.Signal
		execTime stat.AverageValue[time.Duration]
		runs     int
	)
	for runs < calibrationRuns || unstable != nil && runs < calibrationRunsMax {
		res, err := fuzzer.exec(nil, job.data, fuzzer.statExecCalibrate)
		if err != nil {
			return err
		}
		runs++
		if res.Exit != harness.Ok {
			// The item used to pass, the harness is non-deterministic.
			if _, err := fuzzer.process(job.data, res, evalOpts{stat: fuzzer.statExecCalibrate}); err != nil {
				return err
			}
			if fuzzer.env.Hanged() {
				return ipc.ErrHanged
			}
			job.done = true
			break
		}
		execTime.Save(res.Elapsed)
		if runs == 1 {
			first = res.Signal
			continue
		}
		unstable.Merge(first.Unstable(res.Signal))
	}
	if unstable != nil {
		fuzzer.state.AddUnstable(unstable)
		log.Logf(2, "corpus entry %v: %v unstable edges", item.Sig.Short(), unstable.Len())
	}
	fuzzer.Config.Corpus.UpdateMeta(item, func(meta *corpus.Meta) {
		meta.Calibrated = true
		meta.Flaky = meta.Flaky || unstable != nil || job.done
		if execTime.Count() != 0 {
			meta.ExecTime = execTime.Value()
		}
	})
	fuzzer.sched.Dirty()
	return nil
}

// trace re-runs the item with comparison logging enabled.
func trace(ctx context.Context, fuzzer *Fuzzer, job *job) error {
	res, err := fuzzer.exec(&ipc.ExecOpts{Flags: ipc.FlagCollectComps}, job.data, fuzzer.statExecTrace)
	if err != nil {
		return err
	}
	if res.Exit != harness.Ok {
		if _, err := fuzzer.process(job.data, res, evalOpts{stat: fuzzer.statExecTrace}); err != nil {
			return err
		}
		if fuzzer.env.Hanged() {
			return ipc.ErrHanged
		}
		job.done = true
		return nil
	}
	job.comps = res.Comps
	return nil
}

// inputToState applies one replacement of a logged comparison operand.
func inputToState(ctx context.Context, fuzzer *Fuzzer, job *job) error {
	data, ok := fuzzer.mut.I2S(job.data, job.comps)
	if !ok {
		return nil
	}
	_, err := fuzzer.evaluate(data, evalOpts{
		meta: corpus.Meta{Depth: job.item.Depth + 1},
		stat: fuzzer.statExecI2S,
	})
	return err
}

// power runs the number of havoc mutations given by the power schedule.
func power(ctx context.Context, fuzzer *Fuzzer, job *job) error {
	iters := fuzzer.sched.PowerScore(job.item)
	for i := 0; i < iters && ctx.Err() == nil; i++ {
		data, ok := fuzzer.mopt.Mutate(job.data)
		if !ok {
			fuzzer.mopt.Reward(false)
			continue
		}
		verdict, err := fuzzer.evaluate(data, evalOpts{
			meta: corpus.Meta{Depth: job.item.Depth + 1},
			stat: fuzzer.statExecPower,
		})
		fuzzer.mopt.Reward(verdict.Found())
		if err != nil {
			return err
		}
	}
	return nil
}
