// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cover implements the edge coverage map that instrumented harnesses write into,
// and the observer that turns the map of one execution into a comparable signal.
package cover

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/edgefuzz/edgefuzz/pkg/signal"
)

// Map is a fixed-length array of 8-bit per-edge hit counters.
// The length is fixed at creation time.
type Map struct {
	counters []uint8
}

func NewMap(edges int) *Map {
	if edges <= 0 {
		panic(fmt.Sprintf("bad number of edges %v", edges))
	}
	return &Map{counters: make([]uint8, edges)}
}

// Hit records one execution of edge. Counters saturate at 255.
// Out-of-range edges are folded into the map.
func (m *Map) Hit(edge int) {
	idx := edge % len(m.counters)
	if idx < 0 {
		idx += len(m.counters)
	}
	if m.counters[idx] != 0xff {
		m.counters[idx]++
	}
}

// HitN records n executions of edge.
func (m *Map) HitN(edge, n int) {
	for i := 0; i < n; i++ {
		m.Hit(edge)
	}
}

func (m *Map) Len() int {
	return len(m.counters)
}

func (m *Map) Reset() {
	clear(m.counters)
}

// Observer reads the coverage map after every execution.
type Observer struct {
	m       *Map
	scratch []byte
}

// NewObserver checks that the harness map has the configured number of edges.
// A mismatch is a configuration error and must stop the process before fuzzing starts.
func NewObserver(m *Map, edges int) (*Observer, error) {
	if m == nil {
		return nil, fmt.Errorf("harness has no coverage map")
	}
	if m.Len() != edges {
		return nil, fmt.Errorf("coverage map has %v edges, expected %v", m.Len(), edges)
	}
	return &Observer{
		m:       m,
		scratch: make([]byte, edges),
	}, nil
}

func (o *Observer) Edges() int {
	return len(o.scratch)
}

// PreExec clears counters left by the previous execution.
func (o *Observer) PreExec() {
	o.m.Reset()
}

// Snapshot is the coverage of one execution.
type Snapshot struct {
	Signal signal.Signal
	// Hash identifies the execution path (edges and buckets).
	Hash uint64
}

// PostExec converts the counters into a snapshot.
// It must be called before the next execution overwrites the map.
func (o *Observer) PostExec() Snapshot {
	if o.m.Len() != len(o.scratch) {
		panic(fmt.Sprintf("coverage map length changed: %v -> %v", len(o.scratch), o.m.Len()))
	}
	for i, c := range o.m.counters {
		o.scratch[i] = byte(signal.Bucket(c))
	}
	return Snapshot{
		Signal: signal.FromCounters(o.m.counters),
		Hash:   xxhash.Sum64(o.scratch),
	}
}
