// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package rpctype contains types of messages passed via net/rpc connections
// between the broker and the fuzzing clients.
package rpctype

import (
	"time"
)

const (
	DefaultPort = 1337
	ServiceName = "Broker"

	MethodConnect = ServiceName + ".Connect"
	MethodSync    = ServiceName + ".Sync"
)

// ConnectArgs is sent by a client once after start and after every reconnect.
type ConnectArgs struct {
	Client int
	Core   int
	Pid    int
}

type ConnectRes struct {
	// Session identifies the connection in Sync calls.
	Session string
	RunID   string
}

// Solution is a crash or timeout input.
type Solution struct {
	Data   []byte
	Reason string
}

// ClientStats is the latest snapshot of client counters, not a delta.
type ClientStats struct {
	Execs     uint64
	Corpus    int
	Solutions int
	Edges     int
	Unstable  int
	Favored   int
	ExecTime  time.Duration
	Uptime    time.Duration
	// Executions per fuzzing stage, they add up to Execs.
	ExecSeeds     uint64
	ExecCalibrate uint64
	ExecTrace     uint64
	ExecI2S       uint64
	ExecPower     uint64
	NewInputs     int
	ForeignInputs int
}

// SyncArgs is periodically sent by every client to the broker.
type SyncArgs struct {
	Session string
	Client  int
	// Ack is SyncRes.Seq of the last reply the client has received, 0 if none.
	Ack       uint64
	Inputs    [][]byte
	Solutions []Solution
	Stats     ClientStats
}

// SyncRes carries inputs and solutions found by other clients since the last
// acknowledged reply. Entries of an unacknowledged reply are sent again.
type SyncRes struct {
	Seq       uint64
	Inputs    [][]byte
	Solutions []Solution
	// Stop asks the client to finish gracefully.
	Stop bool
}
