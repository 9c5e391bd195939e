// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package ipc executes the harness and collects feedback of every execution.
// The harness runs in the fuzzer process on a dedicated goroutine,
// the goroutine is abandoned if an execution exceeds the timeout.
package ipc

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/cmplog"
	"github.com/edgefuzz/edgefuzz/pkg/cover"
	"github.com/edgefuzz/edgefuzz/pkg/harness"
	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/signal"
)

// Per-exec flags for ExecOpts.Flags:
type ExecFlags uint64

const (
	FlagCollectComps ExecFlags = 1 << iota // collect comparison operands (tracing run)
)

type ExecOpts struct {
	Flags ExecFlags
}

// Config is the configuration for Env.
type Config struct {
	// Edges is the expected length of the harness coverage map.
	Edges int
	// Timeout is the execution timeout for a single input.
	Timeout time.Duration
	// Shm, if set, receives every input before it is executed,
	// so that the supervisor can recover the input that killed the process.
	Shm *Shm
}

const DefaultTimeout = time.Second

// ErrHanged is returned by Exec after an execution timed out.
// The abandoned goroutine may still touch the coverage map, so the process must be restarted.
var ErrHanged = errors.New("harness hanged, the process must be restarted")

type Result struct {
	Exit     harness.ExitKind
	Signal   signal.Signal
	PathHash uint64
	Elapsed  time.Duration
	// Comps are filled if FlagCollectComps is set.
	Comps []cmplog.Entry
	// Panic holds the panic value and stack if the harness panicked.
	Panic string
}

type Env struct {
	target *harness.Target
	obs    *cover.Observer
	config Config
	req    chan []byte
	resp   chan outcome
	hanged bool

	StatExecs uint64
}

type outcome struct {
	exit  harness.ExitKind
	panic string
}

func MakeEnv(target *harness.Target, config Config) (*Env, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	obs, err := cover.NewObserver(target.Edges, config.Edges)
	if err != nil {
		return nil, err
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	env := &Env{
		target: target,
		obs:    obs,
		config: config,
		req:    make(chan []byte),
		resp:   make(chan outcome, 1),
	}
	go env.loop()
	return env, nil
}

// Close stops the executor goroutine unless it is stuck in the harness.
func (env *Env) Close() error {
	if !env.hanged {
		close(env.req)
	}
	return nil
}

func (env *Env) Hanged() bool {
	return env.hanged
}

func (env *Env) Timeout() time.Duration {
	return env.config.Timeout
}

func (env *Env) loop() {
	for data := range env.req {
		env.resp <- env.run(data)
	}
}

func (env *Env) run(data []byte) (res outcome) {
	defer func() {
		if r := recover(); r != nil {
			res = outcome{
				exit:  harness.Crash,
				panic: fmt.Sprintf("%v\n%s", r, debug.Stack()),
			}
		}
	}()
	return outcome{exit: env.target.Fuzz(data)}
}

// Exec runs data through the harness. Crashes and timeouts are not errors,
// they are reported in Result.Exit.
func (env *Env) Exec(opts *ExecOpts, data []byte) (*Result, error) {
	if env.hanged {
		return nil, ErrHanged
	}
	comps := opts != nil && opts.Flags&FlagCollectComps != 0 && env.target.CmpLog != nil
	if comps {
		env.target.CmpLog.Reset()
		env.target.CmpLog.Enable()
		defer env.target.CmpLog.Disable()
	}
	env.obs.PreExec()
	if env.config.Shm != nil {
		env.config.Shm.BeginExec(data)
		defer env.config.Shm.EndExec()
	}
	env.StatExecs++
	start := time.Now()
	env.req <- data
	timer := time.NewTimer(env.config.Timeout)
	var out outcome
	select {
	case out = <-env.resp:
		timer.Stop()
	case <-timer.C:
		env.hanged = true
		out = outcome{exit: harness.Timeout}
		log.Logf(1, "execution hanged after %v", env.config.Timeout)
	}
	res := &Result{
		Exit:    out.exit,
		Elapsed: time.Since(start),
		Panic:   out.panic,
	}
	if env.hanged {
		// The map may be written concurrently by the stuck goroutine, skip it.
		return res, nil
	}
	snap := env.obs.PostExec()
	res.Signal = snap.Signal
	res.PathHash = snap.Hash
	if comps {
		res.Comps = env.target.CmpLog.Entries()
	}
	return res, nil
}
