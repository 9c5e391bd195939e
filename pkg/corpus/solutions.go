// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/edgefuzz/edgefuzz/pkg/hash"
	"github.com/edgefuzz/edgefuzz/pkg/osutil"
)

// Solution is an input that satisfied an objective.
type Solution struct {
	Data   []byte
	Reason string
}

// Solutions is an append-only durable store of solutions.
// Several processes may share the same directory, files are named by
// reason and content hash, so concurrent saves of the same input are idempotent.
type Solutions struct {
	mu    sync.Mutex
	dir   string
	names map[string]bool
}

func OpenSolutions(dir string) (*Solutions, error) {
	if err := osutil.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("failed to create solutions dir: %w", err)
	}
	sol := &Solutions{
		dir:   dir,
		names: make(map[string]bool),
	}
	if _, err := sol.Rescan(); err != nil {
		return nil, err
	}
	return sol, nil
}

func SolutionName(data []byte, reason string) string {
	return reason + "-" + hash.String(data)
}

// Save durably stores the solution. isNew is false if the same solution
// was already stored by this or another process.
func (sol *Solutions) Save(data []byte, reason string) (name string, isNew bool, err error) {
	name = SolutionName(data, reason)
	sol.mu.Lock()
	defer sol.mu.Unlock()
	if sol.names[name] {
		return name, false, nil
	}
	file := filepath.Join(sol.dir, name)
	if osutil.IsExist(file) {
		sol.names[name] = true
		return name, false, nil
	}
	if err := osutil.WriteFileAtomic(file, data); err != nil {
		return "", false, fmt.Errorf("failed to save solution: %w", err)
	}
	sol.names[name] = true
	return name, true, nil
}

// Rescan picks up solutions written into the directory by other processes
// and returns names that were not known before.
func (sol *Solutions) Rescan() ([]string, error) {
	files, err := osutil.ListDir(sol.dir)
	if err != nil {
		return nil, err
	}
	sol.mu.Lock()
	defer sol.mu.Unlock()
	var added []string
	for _, name := range files {
		if !sol.names[name] {
			sol.names[name] = true
			added = append(added, name)
		}
	}
	return added, nil
}

func (sol *Solutions) Len() int {
	sol.mu.Lock()
	defer sol.mu.Unlock()
	return len(sol.names)
}

func (sol *Solutions) Has(name string) bool {
	sol.mu.Lock()
	defer sol.mu.Unlock()
	return sol.names[name]
}

// List returns sorted names of all known solutions.
func (sol *Solutions) List() []string {
	sol.mu.Lock()
	defer sol.mu.Unlock()
	res := make([]string, 0, len(sol.names))
	for name := range sol.names {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

func (sol *Solutions) Load(name string) (*Solution, error) {
	reason, _, ok := strings.Cut(name, "-")
	if !ok {
		return nil, fmt.Errorf("bad solution name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(sol.dir, name))
	if err != nil {
		return nil, err
	}
	return &Solution{Data: data, Reason: reason}, nil
}
