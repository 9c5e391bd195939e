// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/client"
	"github.com/edgefuzz/edgefuzz/pkg/corpus"
	"github.com/edgefuzz/edgefuzz/pkg/harness"
	"github.com/edgefuzz/edgefuzz/pkg/hash"
	"github.com/edgefuzz/edgefuzz/pkg/ipc"
	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/osutil"
)

func makeEnv(target *harness.Target, args []string, timeout time.Duration) (*ipc.Env, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if target.Init != nil {
		if err := target.Init(args); err != nil {
			return nil, fmt.Errorf("harness init failed: %w", err)
		}
	}
	return ipc.MakeEnv(target, ipc.Config{
		Edges:   target.Edges.Len(),
		Timeout: timeout,
	})
}

// RunInputs executes the input file, or every file in the input dir, once and prints the outcome.
// Files of at most 1 byte are skipped. A hang stops the run.
func RunInputs(target *harness.Target, input string, args []string, timeout time.Duration, w io.Writer) error {
	files, err := inputFiles(input)
	if err != nil {
		return err
	}
	env, err := makeEnv(target, args, timeout)
	if err != nil {
		return err
	}
	defer env.Close()
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		if len(data) <= 1 {
			continue
		}
		fmt.Fprintf(w, "Running: %v\n", file)
		res, err := env.Exec(&ipc.ExecOpts{}, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%v: %v (%v)\n", filepath.Base(file), res.Exit, res.Elapsed)
		if res.Panic != "" {
			fmt.Fprintf(w, "%v\n", res.Panic)
		}
		if res.Exit == harness.Timeout {
			return fmt.Errorf("%v: %w", file, ipc.ErrHanged)
		}
	}
	return nil
}

func inputFiles(input string) ([]string, error) {
	st, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if !st.IsDir() {
		return []string{input}, nil
	}
	names, err := osutil.ListDir(input)
	if err != nil {
		return nil, fmt.Errorf("failed to read input dir: %w", err)
	}
	var files []string
	for _, name := range names {
		files = append(files, filepath.Join(input, name))
	}
	return files, nil
}

// MinimizeCorpus executes the queues of all clients in output, minimizes the union
// and copies the favored inputs to dest. Inputs that crash or hang now are skipped.
func MinimizeCorpus(target *harness.Target, output, dest string, args []string,
	timeout time.Duration) (favored, total int, err error) {
	queueRoot := filepath.Dir(client.QueueDir(output, 0))
	entries, err := os.ReadDir(queueRoot)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read queues: %w", err)
	}
	env, err := makeEnv(target, args, timeout)
	if err != nil {
		return 0, 0, err
	}
	defer env.Close()
	tmp, err := os.MkdirTemp("", "edgefuzz-minimize")
	if err != nil {
		return 0, 0, err
	}
	defer os.RemoveAll(tmp)
	union, err := corpus.Open(filepath.Join(tmp, "corpus"), 0)
	if err != nil {
		return 0, 0, err
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		dir := filepath.Join(queueRoot, ent.Name())
		n, err := addQueue(env, union, dir)
		if err != nil {
			return 0, 0, err
		}
		log.Logf(0, "%v: %v inputs", dir, n)
	}
	favored = union.Minimize()
	if err := osutil.MkdirAll(dest); err != nil {
		return 0, 0, err
	}
	for _, item := range union.Items() {
		if !item.Favored {
			continue
		}
		data, err := union.Data(item)
		if err != nil {
			return 0, 0, err
		}
		if err := osutil.WriteFileAtomic(filepath.Join(dest, item.Sig.String()), data); err != nil {
			return 0, 0, err
		}
	}
	return favored, union.Len(), nil
}

func addQueue(env *ipc.Env, union *corpus.Corpus, dir string) (int, error) {
	names, err := osutil.ListDir(dir)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return added, err
		}
		if hash.String(data) != name {
			log.Logf(1, "skipping corrupted queue file %v", name)
			continue
		}
		res, err := env.Exec(&ipc.ExecOpts{}, data)
		if errors.Is(err, ipc.ErrHanged) {
			return added, fmt.Errorf("an input from %v hanged and minimization can't continue: %w", dir, err)
		}
		if err != nil {
			return added, err
		}
		if res.Exit != harness.Ok {
			log.Logf(0, "skipping %v: %v", name, res.Exit)
			continue
		}
		_, isNew, err := union.Add(corpus.NewInput{
			Data:     data,
			Signal:   res.Signal,
			PathHash: res.PathHash,
			Meta:     corpus.Meta{ExecTime: res.Elapsed, Calibrated: true},
		})
		if err != nil {
			return added, err
		}
		if isNew {
			added++
		}
	}
	return added, nil
}
