// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"github.com/edgefuzz/edgefuzz/pkg/signal"
)

// Minimize marks items that are the best for at least one edge as favored
// and all other items as redundant. The best item for an edge has the highest
// bucket and then the lowest len*exec time. Redundant items stay in the corpus.
// Returns the number of favored items.
func (corpus *Corpus) Minimize() int {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()

	inputs := make([]signal.Context, 0, len(corpus.items))
	for _, item := range corpus.items {
		item.Favored = false
		item.Redundant = true
		inputs = append(inputs, signal.Context{
			Signal:  item.Signal,
			Cost:    minimizeCost(item),
			Context: item,
		})
	}
	favored := 0
	for _, ctx := range signal.Minimize(inputs) {
		item := ctx.(*Item)
		item.Favored = true
		item.Redundant = false
		favored++
	}
	return favored
}

func minimizeCost(item *Item) float64 {
	execTime := item.ExecTime.Seconds()
	if execTime <= 0 {
		execTime = 1e-6
	}
	return float64(item.Len+1) * execTime
}
