// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package feedback

import (
	"github.com/edgefuzz/edgefuzz/pkg/harness"
	"github.com/edgefuzz/edgefuzz/pkg/ipc"
)

const (
	ReasonCrash   = "crash"
	ReasonTimeout = "timeout"
)

// Objective classifies an execution as a solution. It has no side effects.
type Objective interface {
	IsSolution(res *ipc.Result) (bool, string)
}

type CrashObjective struct{}

func (CrashObjective) IsSolution(res *ipc.Result) (bool, string) {
	return res.Exit == harness.Crash, ReasonCrash
}

type TimeoutObjective struct{}

func (TimeoutObjective) IsSolution(res *ipc.Result) (bool, string) {
	return res.Exit == harness.Timeout, ReasonTimeout
}

// OrObjective returns the reason of the first objective that matched.
type OrObjective []Objective

func (objs OrObjective) IsSolution(res *ipc.Result) (bool, string) {
	for _, obj := range objs {
		if ok, reason := obj.IsSolution(res); ok {
			return true, reason
		}
	}
	return false, ""
}

func DefaultObjective() Objective {
	return OrObjective{CrashObjective{}, TimeoutObjective{}}
}
