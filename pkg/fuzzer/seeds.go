// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgefuzz/edgefuzz/pkg/corpus"
	"github.com/edgefuzz/edgefuzz/pkg/feedback"
	"github.com/edgefuzz/edgefuzz/pkg/hash"
	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/osutil"
)

const (
	generatedSeeds   = 8
	generatedSeedLen = 32
)

// LoadSeeds executes the initial inputs and force-adds the ones that do not crash.
// Seeds that are known solutions are skipped, a restarted client must not hang on them again.
// If dir is empty (or not set), random printable seeds are generated instead.
// An unreadable seed is an error: the fuzzer must not start with a partial seed set.
func (fuzzer *Fuzzer) LoadSeeds(dir string) (int, error) {
	var files []string
	if dir != "" {
		names, err := osutil.ListDir(dir)
		if err != nil {
			return 0, fmt.Errorf("failed to read seed dir: %w", err)
		}
		for _, name := range names {
			files = append(files, filepath.Join(dir, name))
		}
	}
	if len(files) == 0 {
		log.Logf(0, "no seeds in %q, generating %v random inputs", dir, generatedSeeds)
		for _, data := range fuzzer.generate(generatedSeeds) {
			if _, err := fuzzer.bootstrap(data, corpus.Meta{}); err != nil {
				return 0, err
			}
		}
		return generatedSeeds, nil
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return 0, fmt.Errorf("failed to read seed: %w", err)
		}
		if fuzzer.knownSolution(data) {
			continue
		}
		if _, err := fuzzer.bootstrap(data, corpus.Meta{}); err != nil {
			return 0, err
		}
	}
	log.Logf(0, "loaded %v seeds from %v", len(files), dir)
	return len(files), nil
}

// generate returns n random printable inputs of 1..32 bytes.
func (fuzzer *Fuzzer) generate(n int) [][]byte {
	var res [][]byte
	for i := 0; i < n; i++ {
		data := make([]byte, 1+fuzzer.rnd.Intn(generatedSeedLen))
		for j := range data {
			data[j] = byte(' ' + fuzzer.rnd.Intn('~'-' '+1))
		}
		res = append(res, data)
	}
	return res
}

// ReloadQueue re-executes inputs persisted in the corpus directory by a previous
// run of the same client. The scheduling history is restored from the metadata checkpoint,
// unstable edges are not persisted, so the inputs are calibrated again.
// Inputs that turned into solutions (e.g. the supervisor saved the input that killed
// the previous process) are dropped from the queue without being executed.
func (fuzzer *Fuzzer) ReloadQueue() (int, error) {
	names, err := fuzzer.Config.Corpus.Stored()
	if err != nil {
		return 0, err
	}
	if _, err := fuzzer.Config.Solutions.Rescan(); err != nil {
		return 0, err
	}
	loaded := 0
	for _, name := range names {
		file := filepath.Join(fuzzer.Config.Corpus.Dir(), name)
		data, err := os.ReadFile(file)
		if err != nil {
			return loaded, fmt.Errorf("failed to read corpus input: %w", err)
		}
		sig, err := hash.FromString(name)
		if err != nil || hash.Hash(data) != sig {
			log.Logf(0, "removing broken corpus input %v", name)
			os.Remove(file)
			continue
		}
		if fuzzer.knownSolution(data) {
			log.Logf(0, "removing corpus input %v, it is a known solution", name)
			os.Remove(file)
			continue
		}
		meta, _ := fuzzer.Config.Corpus.StoredMeta(sig)
		verdict, err := fuzzer.bootstrap(data, meta)
		if err != nil {
			return loaded, err
		}
		if verdict == NewEntry {
			loaded++
		}
	}
	if loaded != 0 {
		log.Logf(0, "reloaded %v corpus inputs", loaded)
	}
	return loaded, nil
}

func (fuzzer *Fuzzer) knownSolution(data []byte) bool {
	for _, reason := range []string{feedback.ReasonCrash, feedback.ReasonTimeout} {
		if fuzzer.Config.Solutions.Has(corpus.SolutionName(data, reason)) {
			return true
		}
	}
	return false
}

func (fuzzer *Fuzzer) bootstrap(data []byte, meta corpus.Meta) (Verdict, error) {
	return fuzzer.evaluate(data, evalOpts{
		meta:  meta,
		force: true,
		stat:  fuzzer.statExecSeed,
	})
}
