// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/client"
	"github.com/edgefuzz/edgefuzz/pkg/feedback"
	"github.com/edgefuzz/edgefuzz/pkg/ipc"
	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/osutil"
	"github.com/edgefuzz/edgefuzz/pkg/tool"
)

// ShmFd is the file descriptor of the shared memory region in the client process.
const ShmFd = 3

const (
	DefaultHeartbeatTimeout = 30 * time.Second
	respawnDelay            = 100 * time.Millisecond
	// Clients that die faster than this in a row are respawned with a growing delay.
	minUptime       = 5 * time.Second
	maxRespawnDelay = 10 * time.Second
)

// SolutionSink stores an input that killed a client.
type SolutionSink func(data []byte, reason string)

// supervisor keeps one client process running until ctx is done.
type supervisor struct {
	desc    ClientDesc
	binary  string
	args    []string
	timeout time.Duration
	sink    SolutionSink

	shmFile *os.File
	shmMem  []byte
	shm     *ipc.Shm

	spawns int
}

func newSupervisor(desc ClientDesc, binary string, flags []tool.Flag, heartbeat time.Duration,
	sink SolutionSink) (*supervisor, error) {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatTimeout
	}
	f, mem, err := osutil.CreateMemMappedFile(ipc.DefaultShmSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared memory for %v: %w", desc, err)
	}
	shm, err := ipc.NewShm(mem)
	if err != nil {
		osutil.CloseMemMappedFile(f, mem)
		return nil, err
	}
	flags = append(flags,
		tool.Flag{Name: "id", Value: strconv.Itoa(desc.ID)},
		tool.Flag{Name: "core", Value: strconv.Itoa(desc.Core)},
		tool.Flag{Name: "shm", Value: strconv.Itoa(ipc.DefaultShmSize)},
	)
	return &supervisor{
		desc:    desc,
		binary:  binary,
		args:    append([]string{"client"}, tool.FlagsToArgs(flags)...),
		timeout: heartbeat,
		sink:    sink,
		shmFile: f,
		shmMem:  mem,
		shm:     shm,
	}, nil
}

func (sup *supervisor) close() error {
	return osutil.CloseMemMappedFile(sup.shmFile, sup.shmMem)
}

// run respawns the client until it exits normally, fails to start, or ctx is done.
func (sup *supervisor) run(ctx context.Context) error {
	delay := respawnDelay
	for {
		start := time.Now()
		status, err := sup.runOnce(ctx)
		if err != nil {
			return err
		}
		switch {
		case ctx.Err() != nil:
			return nil
		case status == client.ExitOK:
			log.Logf(0, "%v finished", sup.desc)
			return nil
		case status == client.ExitFatal:
			return fmt.Errorf("%v failed to start, see its output", sup.desc)
		}
		if time.Since(start) > minUptime {
			delay = respawnDelay
		} else {
			delay = min(delay*2, maxRespawnDelay)
		}
		log.Logf(0, "%v exited with status %v, respawning (%v spawns so far)", sup.desc, status, sup.spawns)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce starts the client and waits for it to exit.
// A client whose heartbeat stops is killed. If the client died while executing an input,
// the input is stored as a solution.
func (sup *supervisor) runOnce(ctx context.Context) (int, error) {
	sup.shm.Reset()
	cmd := exec.Command(sup.binary, sup.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{sup.shmFile}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %v: %w", sup.desc, err)
	}
	sup.spawns++
	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()
	ticker := time.NewTicker(min(sup.timeout/4, time.Second))
	defer ticker.Stop()
	done := ctx.Done()
	interrupted, killed := false, false
	for {
		select {
		case <-waited:
			status := osutil.ProcessExitStatus(cmd.ProcessState)
			if !interrupted && status != client.ExitOK && status != client.ExitFatal &&
				status != client.ExitRestart {
				sup.recoverInflight(killed)
			}
			return status, nil
		case <-done:
			// The client finishes the current stage, syncs and exits.
			done = nil
			interrupted = true
			osutil.Interrupt(cmd.Process)
			sup.shm.Beat()
		case <-ticker.C:
			if killed || time.Since(sup.shm.LastBeat()) < sup.timeout {
				continue
			}
			log.Logf(0, "%v: no heartbeat for %v, killing", sup.desc, sup.timeout)
			killed = true
			cmd.Process.Kill()
		}
	}
}

func (sup *supervisor) recoverInflight(killed bool) {
	data, ok := sup.shm.Inflight()
	if !ok {
		return
	}
	reason := feedback.ReasonCrash
	if killed {
		reason = feedback.ReasonTimeout
	}
	log.Logf(0, "%v died executing an input of %v bytes, saving as %v", sup.desc, len(data), reason)
	sup.sink(data, reason)
}
