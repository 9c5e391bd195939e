// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package client runs the fuzzing loop of one client process and keeps it in sync with the broker.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/corpus"
	"github.com/edgefuzz/edgefuzz/pkg/fuzzer"
	"github.com/edgefuzz/edgefuzz/pkg/harness"
	"github.com/edgefuzz/edgefuzz/pkg/ipc"
	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/osutil"
	"github.com/edgefuzz/edgefuzz/pkg/rpctype"
	"github.com/edgefuzz/edgefuzz/pkg/sched"
	"github.com/edgefuzz/edgefuzz/pkg/stat"
	"github.com/edgefuzz/edgefuzz/pkg/tokens"
)

type Config struct {
	ID   int
	Core int // -1 if not bound
	// Broker is the broker RPC address, the client runs standalone if empty.
	Broker   string
	Workdir  string
	InputDir string
	Target   *harness.Target
	// Args are passed to the target Init function.
	Args      []string
	Timeout   time.Duration
	CacheSize int
	Schedule  sched.Schedule
	StackPow  int
	Swarms    int
	MaxLen    int
	Dict      *tokens.Dict
	// SyncPeriod is the period of broker syncs and metadata checkpoints.
	SyncPeriod time.Duration
	// Shm is shared with the supervisor, may be nil.
	Shm *ipc.Shm
}

const DefaultSyncPeriod = 3 * time.Second

// Exit statuses of the client process. The supervisor respawns the client
// on any status except ExitOK and ExitFatal.
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitError   = 2
	ExitRestart = 100
)

var (
	// ErrRestart is returned by Run if the process must be restarted to continue fuzzing.
	ErrRestart = errors.New("client must be restarted")
	// ErrStartup is returned by Run if the client can't start fuzzing, restarts won't help.
	ErrStartup = errors.New("client failed to start")
)

// ExitStatus returns the process exit status for the result of Run.
func ExitStatus(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrRestart):
		return ExitRestart
	case errors.Is(err, ErrStartup):
		return ExitFatal
	default:
		return ExitError
	}
}

func QueueDir(workdir string, id int) string {
	return filepath.Join(workdir, "queue", strconv.Itoa(id))
}

func CrashDir(workdir string) string {
	return filepath.Join(workdir, "crashes")
}

type Client struct {
	cfg       *Config
	fuzzer    *fuzzer.Fuzzer
	env       *ipc.Env
	corpus    *corpus.Corpus
	solutions *corpus.Solutions
	start     time.Time
	lastSync  time.Time

	conn    *rpctype.RPCClient
	session string
	stop    bool
	// ack is the sequence number of the last received sync reply.
	ack uint64
	// Findings not yet delivered to the broker.
	outInputs    [][]byte
	outSolutions []string
}

// New prepares the client for fuzzing. Errors are fatal for the client process.
func New(cfg *Config) (*Client, error) {
	if cfg.SyncPeriod <= 0 {
		cfg.SyncPeriod = DefaultSyncPeriod
	}
	if cfg.Core >= 0 {
		if err := osutil.BindToCore(cfg.Core); err != nil {
			return nil, err
		}
	}
	target := cfg.Target
	if target.Init != nil {
		if err := target.Init(cfg.Args); err != nil {
			return nil, fmt.Errorf("harness init failed: %w", err)
		}
	}
	if len(target.Tokens) != 0 {
		if cfg.Dict == nil {
			cfg.Dict = tokens.NewDict()
		}
		cfg.Dict.Add(target.Tokens...)
	}
	if target.Edges == nil {
		return nil, fmt.Errorf("target %q has no coverage map", target.Name)
	}
	env, err := ipc.MakeEnv(target, ipc.Config{
		Edges:   target.Edges.Len(),
		Timeout: cfg.Timeout,
		Shm:     cfg.Shm,
	})
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:   cfg,
		env:   env,
		start: time.Now(),
	}
	c.corpus, err = corpus.Open(QueueDir(cfg.Workdir, cfg.ID), cfg.CacheSize)
	if err != nil {
		env.Close()
		return nil, err
	}
	c.solutions, err = corpus.OpenSolutions(CrashDir(cfg.Workdir))
	if err != nil {
		env.Close()
		return nil, err
	}
	c.fuzzer = fuzzer.NewFuzzer(&fuzzer.Config{
		Env:       env,
		Corpus:    c.corpus,
		Solutions: c.solutions,
		Schedule:  cfg.Schedule,
		StackPow:  cfg.StackPow,
		Swarms:    cfg.Swarms,
		MaxLen:    cfg.MaxLen,
		Dict:      cfg.Dict,
		Stats:     stat.NewSet(),
	}, rand.New(rand.NewSource(time.Now().UnixNano()+int64(cfg.ID))))
	return c, nil
}

func (c *Client) Fuzzer() *fuzzer.Fuzzer {
	return c.fuzzer
}

func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	return c.env.Close()
}

// Run bootstraps the corpus and fuzzes until ctx is done or the broker asks to stop.
// Returns ErrRestart if the harness hanged.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.cfg.Broker != "" {
		if err := c.connect(); err != nil {
			log.Logf(0, "failed to connect to broker: %v", err)
		}
	}
	err := c.bootstrap()
	if err != nil && !errors.Is(err, ipc.ErrHanged) {
		err = fmt.Errorf("%w: %w", ErrStartup, err)
	}
	if err == nil {
		err = c.fuzzer.Loop(ctx, func() error {
			if c.cfg.Shm != nil {
				c.cfg.Shm.Beat()
			}
			if time.Since(c.lastSync) < c.cfg.SyncPeriod {
				return nil
			}
			if err := c.sync(); err != nil {
				return err
			}
			if c.stop {
				cancel()
			}
			return nil
		})
	}
	if errors.Is(err, ipc.ErrHanged) {
		err = fmt.Errorf("%w: %w", ErrRestart, err)
	}
	// Report the last findings, a hanged harness does not prevent that.
	if syncErr := c.sync(); syncErr != nil && err == nil && !errors.Is(syncErr, ipc.ErrHanged) {
		err = syncErr
	}
	if flushErr := c.corpus.Flush(); flushErr != nil {
		log.Logf(0, "failed to checkpoint corpus metadata: %v", flushErr)
	}
	return err
}

func (c *Client) bootstrap() error {
	n, err := c.fuzzer.ReloadQueue()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := c.fuzzer.LoadSeeds(c.cfg.InputDir); err != nil {
			return err
		}
	}
	if c.corpus.Len() == 0 {
		return fmt.Errorf("no usable seeds in %q: all of them are empty, crash or hang (see %v)",
			c.cfg.InputDir, CrashDir(c.cfg.Workdir))
	}
	return nil
}

func (c *Client) connect() error {
	conn, err := rpctype.NewRPCClient(c.cfg.Broker, rpctype.DefaultTimeout)
	if err != nil {
		return err
	}
	res := new(rpctype.ConnectRes)
	args := &rpctype.ConnectArgs{
		Client: c.cfg.ID,
		Core:   c.cfg.Core,
		Pid:    os.Getpid(),
	}
	if err := conn.Call(rpctype.MethodConnect, args, res); err != nil {
		conn.Close()
		return err
	}
	c.conn = conn
	c.session = res.Session
	return nil
}

func (c *Client) stats() rpctype.ClientStats {
	cnt := c.fuzzer.Counters()
	return rpctype.ClientStats{
		Execs:     cnt.Execs,
		Corpus:    cnt.Corpus,
		Solutions: cnt.Solutions,
		Edges:     cnt.Edges,
		Unstable:  cnt.Unstable,
		Favored:   cnt.Favored,
		ExecTime:  cnt.ExecTime,
		Uptime:    time.Since(c.start),

		ExecSeeds:     cnt.ExecSeeds,
		ExecCalibrate: cnt.ExecCalibrate,
		ExecTrace:     cnt.ExecTrace,
		ExecI2S:       cnt.ExecI2S,
		ExecPower:     cnt.ExecPower,
		NewInputs:     cnt.NewInputs,
		ForeignInputs: cnt.ForeignInputs,
	}
}

// sync exchanges findings with the broker. Broker errors are not fatal: the connection
// is reestablished on the next sync and undelivered findings are sent again.
// The broker resends its part until the reply is acknowledged by the next sync.
func (c *Client) sync() error {
	c.lastSync = time.Now()
	if err := c.corpus.Flush(); err != nil {
		log.Logf(0, "failed to checkpoint corpus metadata: %v", err)
	}
	inputs, names := c.fuzzer.TakeNew()
	if c.cfg.Broker == "" {
		return nil
	}
	c.outInputs = append(c.outInputs, inputs...)
	c.outSolutions = append(c.outSolutions, names...)
	if c.conn == nil {
		if err := c.connect(); err != nil {
			log.Logf(0, "failed to connect to broker: %v", err)
			return nil
		}
	}
	args := &rpctype.SyncArgs{
		Session: c.session,
		Client:  c.cfg.ID,
		Ack:     c.ack,
		Inputs:  c.outInputs,
		Stats:   c.stats(),
	}
	for _, name := range c.outSolutions {
		sol, err := c.solutions.Load(name)
		if err != nil {
			log.Logf(0, "%v", err)
			continue
		}
		args.Solutions = append(args.Solutions, rpctype.Solution{Data: sol.Data, Reason: sol.Reason})
	}
	res := new(rpctype.SyncRes)
	if err := c.conn.Call(rpctype.MethodSync, args, res); err != nil {
		log.Logf(0, "broker sync failed: %v", err)
		c.conn.Close()
		c.conn = nil
		return nil
	}
	c.ack = res.Seq
	c.outInputs, c.outSolutions = nil, nil
	for _, sol := range res.Solutions {
		if err := c.fuzzer.AddForeignSolution(sol.Data, sol.Reason); err != nil {
			return err
		}
	}
	added := 0
	for _, data := range res.Inputs {
		verdict, err := c.fuzzer.AddForeign(data)
		if err != nil {
			return err
		}
		if verdict == fuzzer.NewEntry {
			added++
		}
	}
	if len(res.Inputs) != 0 {
		log.Logf(1, "received %v inputs, %v interesting", len(res.Inputs), added)
	}
	c.stop = c.stop || res.Stop
	return nil
}
