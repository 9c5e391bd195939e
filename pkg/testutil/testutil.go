// Copyright 2022 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package testutil

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

func IterCount() int {
	iters := 1000
	if testing.Short() {
		iters /= 10
	}
	return iters
}

// RandSource returns a logged random source.
// EDGEFUZZ_SEED fixes the seed, CI always uses seed 0.
func RandSource(t testing.TB) rand.Source {
	seed := time.Now().UnixNano()
	if fixed := os.Getenv("EDGEFUZZ_SEED"); fixed != "" {
		seed, _ = strconv.ParseInt(fixed, 0, 64)
	}
	if os.Getenv("CI") != "" {
		seed = 0
	}
	t.Logf("seed=%v", seed)
	return rand.NewSource(seed)
}

// RandBytes returns a random byte slice of length [0, maxLen).
func RandBytes(r *rand.Rand, maxLen int) []byte {
	data := make([]byte, r.Intn(maxLen))
	r.Read(data)
	return data
}

type Writer struct {
	testing.TB
}

func (w *Writer) Write(data []byte) (int, error) {
	w.TB.Logf("%s", data)
	return len(data), nil
}
