// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package harness defines the contract between the fuzzer and the code under test.
package harness

import (
	"fmt"

	"github.com/edgefuzz/edgefuzz/pkg/cmplog"
	"github.com/edgefuzz/edgefuzz/pkg/cover"
)

type ExitKind int

const (
	Ok ExitKind = iota
	Crash
	Timeout
)

func (k ExitKind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Crash:
		return "crash"
	case Timeout:
		return "timeout"
	}
	return fmt.Sprintf("ExitKind(%d)", int(k))
}

// Target is the code under test.
// Fuzz must write edge coverage into Edges and, when CmpLog is enabled,
// report comparison operands into CmpLog. A panic inside Fuzz is a crash.
type Target struct {
	Name   string
	Edges  *cover.Map
	CmpLog *cmplog.Log
	// Tokens are interesting byte strings extracted from the target (auto-tokens).
	Tokens [][]byte
	// Init is called once per process before any execution, may be nil.
	Init func(args []string) error
	Fuzz func(data []byte) ExitKind
}

func (t *Target) Validate() error {
	if t.Fuzz == nil {
		return fmt.Errorf("target %q has no Fuzz function", t.Name)
	}
	if t.Edges == nil {
		return fmt.Errorf("target %q has no coverage map", t.Name)
	}
	return nil
}
