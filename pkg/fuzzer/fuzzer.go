// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer implements the fuzzing loop of a single client:
// it chooses corpus items, runs them through the stages, and classifies every execution.
package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/corpus"
	"github.com/edgefuzz/edgefuzz/pkg/feedback"
	"github.com/edgefuzz/edgefuzz/pkg/harness"
	"github.com/edgefuzz/edgefuzz/pkg/ipc"
	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/mutator"
	"github.com/edgefuzz/edgefuzz/pkg/sched"
	"github.com/edgefuzz/edgefuzz/pkg/stat"
	"github.com/edgefuzz/edgefuzz/pkg/tokens"
)

type Config struct {
	Env       *ipc.Env
	Corpus    *corpus.Corpus
	Solutions *corpus.Solutions

	// Optional, defaults are used if not set.
	Feedback  feedback.Feedback
	Objective feedback.Objective
	Schedule  sched.Schedule
	StackPow  int
	Swarms    int
	MaxLen    int
	Dict      *tokens.Dict
	Stats     *stat.Set
}

type Fuzzer struct {
	Stats
	Config *Config

	rnd   *rand.Rand
	env   *ipc.Env
	state *feedback.State
	sched *sched.Scheduler
	mut   *mutator.Mutator
	mopt  *mutator.MOpt

	mu           sync.Mutex
	newInputs    [][]byte
	newSolutions []string
}

// ErrEmptyCorpus is returned by FuzzOne if there is nothing to fuzz.
var ErrEmptyCorpus = errors.New("the corpus is empty")

func NewFuzzer(cfg *Config, rnd *rand.Rand) *Fuzzer {
	if cfg.Feedback == nil {
		cfg.Feedback = feedback.Default()
	}
	if cfg.Objective == nil {
		cfg.Objective = feedback.DefaultObjective()
	}
	if cfg.Stats == nil {
		cfg.Stats = stat.NewSet()
	}
	fuzzer := &Fuzzer{
		Config: cfg,
		rnd:    rnd,
		env:    cfg.Env,
		state:  feedback.NewState(),
		sched:  sched.New(cfg.Corpus, cfg.Schedule, rnd),
		mut:    mutator.New(rnd),
	}
	if cfg.MaxLen > 0 {
		fuzzer.mut.MaxLen = cfg.MaxLen
	}
	fuzzer.mut.Dict = cfg.Dict
	fuzzer.mut.Source = fuzzer
	ops := mutator.HavocOps()
	if cfg.Dict.Len() != 0 {
		ops = append(ops, mutator.TokenOps()...)
	}
	fuzzer.mopt = mutator.NewMOpt(fuzzer.mut, ops, cfg.StackPow, cfg.Swarms)
	fuzzer.Stats = newStats(cfg.Stats)
	return fuzzer
}

func (fuzzer *Fuzzer) State() *feedback.State {
	return fuzzer.state
}

func (fuzzer *Fuzzer) Scheduler() *sched.Scheduler {
	return fuzzer.sched
}

func (fuzzer *Fuzzer) MOpt() *mutator.MOpt {
	return fuzzer.mopt
}

// RandomInput implements mutator.Source.
func (fuzzer *Fuzzer) RandomInput(r *rand.Rand) ([]byte, bool) {
	n := fuzzer.Config.Corpus.Len()
	if n == 0 {
		return nil, false
	}
	data, err := fuzzer.Config.Corpus.Data(fuzzer.Config.Corpus.Get(r.Intn(n)))
	if err != nil {
		log.Logf(0, "%v", err)
		return nil, false
	}
	return data, true
}

// Verdict is the classification of a single execution.
type Verdict int

const (
	Boring Verdict = iota
	NewEntry
	NewSolution
	KnownSolution
)

func (v Verdict) Found() bool {
	return v == NewEntry || v == NewSolution
}

// exec runs data once. Every execution goes through this function.
func (fuzzer *Fuzzer) exec(opts *ipc.ExecOpts, data []byte, stat *stat.Val) (*ipc.Result, error) {
	res, err := fuzzer.env.Exec(opts, data)
	if err != nil {
		return nil, err
	}
	fuzzer.statExecs.Add(1)
	stat.Add(1)
	fuzzer.statExecTime.Add(int(res.Elapsed))
	if res.Exit == harness.Ok {
		fuzzer.sched.OnExec(res.PathHash)
	}
	return res, nil
}

type evalOpts struct {
	// meta is the scheduling history the new item starts with.
	meta corpus.Meta
	// force adds a non-solution to the corpus even without new coverage.
	force bool
	// foreign inputs came from the broker and are not relayed back.
	foreign bool
	stat    *stat.Val
}

// Evaluate executes data and stores it if it is a solution or interesting.
func (fuzzer *Fuzzer) Evaluate(data []byte) (Verdict, error) {
	return fuzzer.evaluate(data, evalOpts{stat: fuzzer.statExecSeed})
}

func (fuzzer *Fuzzer) evaluate(data []byte, opts evalOpts) (Verdict, error) {
	if len(data) == 0 {
		// Never stored, so the feedback state must not see it either.
		return Boring, nil
	}
	res, err := fuzzer.exec(nil, data, opts.stat)
	if err != nil {
		return Boring, err
	}
	return fuzzer.process(data, res, opts)
}

// process classifies the result of an execution of data, which must not be empty.
// Solutions never enter the corpus.
func (fuzzer *Fuzzer) process(data []byte, res *ipc.Result, opts evalOpts) (Verdict, error) {
	if ok, reason := fuzzer.Config.Objective.IsSolution(res); ok {
		return fuzzer.saveSolution(data, reason, res)
	}
	if !fuzzer.Config.Feedback.IsInteresting(fuzzer.state, res) && !opts.force {
		return Boring, nil
	}
	meta := opts.meta
	meta.ExecTime = res.Elapsed
	meta.Calibrated = false
	item, isNew, err := fuzzer.Config.Corpus.Add(corpus.NewInput{
		Data:     data,
		Signal:   res.Signal,
		PathHash: res.PathHash,
		Meta:     meta,
	})
	if err != nil {
		return Boring, err
	}
	if !isNew {
		return Boring, nil
	}
	fuzzer.sched.OnAdd(item)
	if opts.foreign {
		fuzzer.statForeign.Add(1)
	} else {
		fuzzer.statNewInputs.Add(1)
		fuzzer.mu.Lock()
		fuzzer.newInputs = append(fuzzer.newInputs, append([]byte{}, data...))
		fuzzer.mu.Unlock()
	}
	log.Logf(2, "new corpus entry #%v %v: len=%v edges=%v depth=%v",
		item.Index, item.Sig.Short(), item.Len, item.Signal.Len(), item.Depth)
	return NewEntry, nil
}

func (fuzzer *Fuzzer) saveSolution(data []byte, reason string, res *ipc.Result) (Verdict, error) {
	name, isNew, err := fuzzer.Config.Solutions.Save(data, reason)
	if err != nil {
		return Boring, err
	}
	if !isNew {
		return KnownSolution, nil
	}
	log.Logf(0, "found %v: %v (len=%v)", reason, name, len(data))
	if res != nil && res.Panic != "" {
		log.Logf(1, "%v", res.Panic)
	}
	fuzzer.mu.Lock()
	fuzzer.newSolutions = append(fuzzer.newSolutions, name)
	fuzzer.mu.Unlock()
	return NewSolution, nil
}

// FuzzOne chooses the next corpus item and runs it through all stages.
// Returns ipc.ErrHanged if the harness hanged and the process must be restarted.
func (fuzzer *Fuzzer) FuzzOne(ctx context.Context) error {
	item := fuzzer.sched.Next()
	if item == nil {
		return ErrEmptyCorpus
	}
	data, err := fuzzer.Config.Corpus.Data(item)
	if err != nil {
		return err
	}
	j := &job{item: item, data: data}
	for _, stage := range stages {
		if ctx.Err() != nil || j.done {
			break
		}
		if err := stage.run(ctx, fuzzer, j); err != nil {
			return fmt.Errorf("%v stage: %w", stage.name, err)
		}
	}
	fuzzer.sched.Done(item)
	return nil
}

// Loop runs FuzzOne until ctx is canceled or an error happens.
// Between items it calls between, if set, e.g. to sync with the broker.
func (fuzzer *Fuzzer) Loop(ctx context.Context, between func() error) error {
	for ctx.Err() == nil {
		if between != nil {
			if err := between(); err != nil {
				return err
			}
		}
		if err := fuzzer.FuzzOne(ctx); err != nil {
			return err
		}
	}
	return nil
}

// TakeNew returns inputs added to the corpus and names of solutions found
// since the previous call.
func (fuzzer *Fuzzer) TakeNew() ([][]byte, []string) {
	fuzzer.mu.Lock()
	defer fuzzer.mu.Unlock()
	inputs, solutions := fuzzer.newInputs, fuzzer.newSolutions
	fuzzer.newInputs, fuzzer.newSolutions = nil, nil
	return inputs, solutions
}

// AddForeign evaluates an input found by another client.
// It is added only if it is interesting for this client and is not relayed back.
func (fuzzer *Fuzzer) AddForeign(data []byte) (Verdict, error) {
	return fuzzer.evaluate(data, evalOpts{foreign: true, stat: fuzzer.statExecSeed})
}

// AddForeignSolution records a solution found by another client without executing it.
func (fuzzer *Fuzzer) AddForeignSolution(data []byte, reason string) error {
	_, _, err := fuzzer.Config.Solutions.Save(data, reason)
	return err
}

// Counters is a snapshot of the client state reported to the broker.
type Counters struct {
	Execs     uint64
	Corpus    int
	Solutions int
	Edges     int
	Unstable  int
	Favored   int
	ExecTime  time.Duration
	// Executions per stage.
	ExecSeeds     uint64
	ExecCalibrate uint64
	ExecTrace     uint64
	ExecI2S       uint64
	ExecPower     uint64
	// Corpus inputs found by this client and received from others.
	NewInputs     int
	ForeignInputs int
}

func (fuzzer *Fuzzer) Counters() Counters {
	st := fuzzer.Config.Corpus.Stats()
	return Counters{
		Execs:         uint64(fuzzer.statExecs.Val()),
		Corpus:        st.Items,
		Solutions:     fuzzer.Config.Solutions.Len(),
		Edges:         fuzzer.state.Edges(),
		Unstable:      fuzzer.state.Unstable(),
		Favored:       st.Favored,
		ExecTime:      time.Duration(fuzzer.statExecTime.Val()),
		ExecSeeds:     uint64(fuzzer.statExecSeed.Val()),
		ExecCalibrate: uint64(fuzzer.statExecCalibrate.Val()),
		ExecTrace:     uint64(fuzzer.statExecTrace.Val()),
		ExecI2S:       uint64(fuzzer.statExecI2S.Val()),
		ExecPower:     uint64(fuzzer.statExecPower.Val()),
		NewInputs:     fuzzer.statNewInputs.Val(),
		ForeignInputs: fuzzer.statForeign.Val(),
	}
}
