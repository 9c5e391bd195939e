// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/harness"
	"github.com/edgefuzz/edgefuzz/pkg/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(kind byte, payload ...byte) []byte {
	return append([]byte{kind, byte(len(payload))}, payload...)
}

func input(records ...[]byte) []byte {
	data := append([]byte("EDGE"), 3, 0)
	for _, rec := range records {
		data = append(data, rec...)
	}
	return data
}

func cfgRecord(key uint32, idx byte) []byte {
	payload := binary.LittleEndian.AppendUint32(nil, key)
	return record(kindCfg, append(payload, idx)...)
}

func TestTarget(t *testing.T) {
	target := newTarget()
	require.NoError(t, target.Validate())
	env, err := ipc.MakeEnv(target, ipc.Config{Edges: edges, Timeout: time.Second})
	require.NoError(t, err)
	defer env.Close()
	tests := []struct {
		data []byte
		exit harness.ExitKind
	}{
		{nil, harness.Ok},
		{[]byte("EDGX\x03\x00"), harness.Ok},
		{input(record(kindName, 'a', 'b'), record(kindEnd)), harness.Ok},
		{input(cfgRecord(cfgKey, 2)), harness.Ok},
		{input(cfgRecord(cfgKey+1, 7)), harness.Ok},
		{input(cfgRecord(cfgKey, 6)), harness.Crash},
	}
	for i, test := range tests {
		res, err := env.Exec(&ipc.ExecOpts{}, test.data)
		require.NoError(t, err)
		assert.Equal(t, test.exit, res.Exit, "#%v", i)
	}
}

func TestTargetComparisons(t *testing.T) {
	target := newTarget()
	env, err := ipc.MakeEnv(target, ipc.Config{Edges: edges})
	require.NoError(t, err)
	defer env.Close()
	res, err := env.Exec(&ipc.ExecOpts{Flags: ipc.FlagCollectComps}, input(cfgRecord(0x41414141, 0)))
	require.NoError(t, err)
	var found bool
	for _, comp := range res.Comps {
		if comp.Size == 4 && comp.A == 0x41414141 && comp.B == cfgKey {
			found = true
		}
	}
	assert.True(t, found, "comps: %+v", res.Comps)
}
