// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package broker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/rpctype"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newTestBroker(t *testing.T, cfg *Config) *Broker {
	cfg.Addr = "127.0.0.1:0"
	broker, err := New(cfg)
	require.NoError(t, err)
	go broker.Serve()
	t.Cleanup(func() { broker.Close() })
	return broker
}

type testClient struct {
	t       *testing.T
	id      int
	session string
	ack     uint64
	cli     *rpctype.RPCClient
}

func connect(t *testing.T, broker *Broker, id int) *testClient {
	cli, err := rpctype.NewRPCClient(broker.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(cli.Close)
	res := new(rpctype.ConnectRes)
	require.NoError(t, cli.Call(rpctype.MethodConnect, &rpctype.ConnectArgs{Client: id, Core: id}, res))
	assert.Equal(t, broker.RunID(), res.RunID)
	return &testClient{t: t, id: id, session: res.Session, cli: cli}
}

func (tc *testClient) sync(inputs []string, solutions ...rpctype.Solution) *rpctype.SyncRes {
	res := tc.syncLost(inputs, solutions...)
	tc.ack = res.Seq
	return res
}

// syncLost is sync where the client does not get the reply.
func (tc *testClient) syncLost(inputs []string, solutions ...rpctype.Solution) *rpctype.SyncRes {
	args := &rpctype.SyncArgs{
		Session:   tc.session,
		Client:    tc.id,
		Ack:       tc.ack,
		Solutions: solutions,
		Stats: rpctype.ClientStats{
			Execs:         100,
			Corpus:        len(inputs),
			Edges:         10 + tc.id,
			ExecSeeds:     10,
			ExecCalibrate: 20,
			ExecTrace:     5,
			ExecI2S:       5,
			ExecPower:     60,
			NewInputs:     len(inputs),
		},
	}
	for _, inp := range inputs {
		args.Inputs = append(args.Inputs, []byte(inp))
	}
	res := new(rpctype.SyncRes)
	require.NoError(tc.t, tc.cli.Call(rpctype.MethodSync, args, res))
	return res
}

func names(inputs [][]byte) []string {
	var res []string
	for _, inp := range inputs {
		res = append(res, string(inp))
	}
	return res
}

func TestRelay(t *testing.T) {
	broker := newTestBroker(t, &Config{})
	c0 := connect(t, broker, 0)
	c1 := connect(t, broker, 1)

	res := c0.sync([]string{"a", "b"})
	assert.Empty(t, res.Inputs)
	res = c1.sync([]string{"b", "c"})
	assert.Equal(t, []string{"a", "b"}, names(res.Inputs))
	res = c0.sync(nil)
	assert.Equal(t, []string{"c"}, names(res.Inputs))
	res = c0.sync(nil)
	assert.Empty(t, res.Inputs)

	crash := rpctype.Solution{Data: []byte("boom"), Reason: "crash"}
	res = c1.sync(nil, crash)
	assert.Empty(t, res.Solutions)
	res = c0.sync(nil, crash)
	if diff := cmp.Diff([]rpctype.Solution{crash}, res.Solutions); diff != "" {
		t.Fatal(diff)
	}
	g := broker.Global()
	assert.Equal(t, 2, g.Clients)
	assert.Equal(t, 1, g.Objectives)
	assert.Equal(t, uint64(200), g.Execs)
	assert.Equal(t, 11, g.Edges)
	assert.False(t, res.Stop)

	broker.Stop()
	assert.True(t, c1.sync(nil).Stop)
}

func TestReconnect(t *testing.T) {
	broker := newTestBroker(t, &Config{})
	c0 := connect(t, broker, 0)
	c1 := connect(t, broker, 1)
	c0.sync([]string{"a"})
	assert.Equal(t, []string{"a"}, names(c1.sync(nil).Inputs))
	assert.Empty(t, c1.sync(nil).Inputs)

	// The restarted client gets a new session and does not get the acknowledged "a" again.
	old := c1.session
	c1 = connect(t, broker, 1)
	assert.NotEqual(t, old, c1.session)
	c0.sync([]string{"b"})
	assert.Equal(t, []string{"b"}, names(c1.sync(nil).Inputs))

	err := c1.cli.Call(rpctype.MethodSync, &rpctype.SyncArgs{Session: old, Client: 1}, new(rpctype.SyncRes))
	assert.Error(t, err)
}

func TestLostReply(t *testing.T) {
	broker := newTestBroker(t, &Config{})
	c0 := connect(t, broker, 0)
	c1 := connect(t, broker, 1)
	crash := rpctype.Solution{Data: []byte("boom"), Reason: "crash"}
	c0.sync([]string{"a"}, crash)

	res := c1.syncLost(nil)
	assert.Equal(t, []string{"a"}, names(res.Inputs))
	assert.Len(t, res.Solutions, 1)
	c0.sync([]string{"b"})
	// Not acknowledged, so sent again together with the new input.
	res = c1.sync(nil)
	assert.Equal(t, []string{"a", "b"}, names(res.Inputs))
	assert.Len(t, res.Solutions, 1)
	res = c1.sync(nil)
	assert.Empty(t, res.Inputs)
	assert.Empty(t, res.Solutions)

	// The reply lost with a restarted client is sent again after reconnect.
	c0.sync([]string{"c"})
	assert.Equal(t, []string{"c"}, names(c1.syncLost(nil).Inputs))
	c1 = connect(t, broker, 1)
	assert.Equal(t, []string{"c"}, names(c1.sync(nil).Inputs))
	assert.Empty(t, c1.sync(nil).Inputs)
}

func TestCompactWaitsForClients(t *testing.T) {
	broker := newTestBroker(t, &Config{Clients: 2})
	base := func() int {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return broker.inputs.base
	}
	var inputs []string
	for i := 0; i <= compactThreshold; i++ {
		inputs = append(inputs, fmt.Sprint(i))
	}
	c0 := connect(t, broker, 0)
	c0.sync(inputs)
	c0.sync(nil)
	assert.Equal(t, 0, base())
	assert.Equal(t, len(inputs)/2, broker.statSyncSize.Val())

	c1 := connect(t, broker, 1)
	assert.Equal(t, inputs, names(c1.sync(nil).Inputs))
	assert.Equal(t, 0, base())
	// Compacted once everything is acknowledged by both clients.
	assert.Empty(t, c1.sync(nil).Inputs)
	assert.Equal(t, len(inputs), base())
	assert.Empty(t, c0.sync(nil).Inputs)
}

func TestRelayCompact(t *testing.T) {
	var r relay[int]
	for i := 0; i < compactThreshold+10; i++ {
		r.add(i%2, i)
	}
	assert.Len(t, r.since(0, 0), compactThreshold/2+5)
	r.compact(compactThreshold - 1)
	assert.Equal(t, 0, r.base)
	r.compact(compactThreshold + 5)
	assert.Equal(t, compactThreshold+5, r.base)
	assert.Equal(t, compactThreshold+10, r.end())
	assert.Equal(t, []int{compactThreshold + 5, compactThreshold + 7, compactThreshold + 9}, r.since(0, 0))
	assert.Equal(t, []int{compactThreshold + 9}, r.since(compactThreshold+8, 0))
}

func TestWriteStats(t *testing.T) {
	dir := t.TempDir()
	broker := newTestBroker(t, &Config{Workdir: dir})
	connect(t, broker, 3).sync([]string{"a", "b"})
	broker.monitorOnce()
	data, err := os.ReadFile(filepath.Join(dir, StatsFile))
	require.NoError(t, err)
	var stats map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &stats))
	assert.Equal(t, broker.RunID(), stats["run_id"])
	assert.Equal(t, 1, stats["clients"])
	assert.Equal(t, 100, stats["execs_done"])
	assert.Equal(t, 2, stats["corpus_count"])
	perClient := stats["per_client"].([]interface{})
	require.Len(t, perClient, 1)
	client := perClient[0].(map[string]interface{})
	assert.Equal(t, 3, client["id"])
	assert.Equal(t, 2, client["corpus_found"])
	stages := client["execs_per_stage"].(map[string]interface{})
	assert.Equal(t, 20, stages["calibrate"])
	assert.Equal(t, 60, stages["power"])
}

func TestStatusPage(t *testing.T) {
	broker := newTestBroker(t, &Config{})
	connect(t, broker, 0).sync(nil)
	srv := httptest.NewServer(broker.Handler())
	defer srv.Close()
	for _, page := range []string{"/", "/log", "/metrics"} {
		resp, err := http.Get(srv.URL + page)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "page %v", page)
		if page == "/" {
			assert.Contains(t, string(body), broker.RunID())
			assert.Contains(t, string(body), "Calibrate")
		}
		if page == "/metrics" {
			assert.Contains(t, string(body), "edgefuzz_execs_total")
		}
	}
}

func TestWatchInputs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed"), []byte("old seed"), 0644))
	broker := newTestBroker(t, &Config{InputDir: dir})
	c0 := connect(t, broker, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	done := make(chan error)
	go func() { done <- broker.WatchInputs(ctx, ready) }()
	<-ready
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new"), []byte("new seed"), 0644))
	var got []string
	require.Eventually(t, func() bool {
		got = append(got, names(c0.sync(nil).Inputs)...)
		return len(got) != 0
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"new seed"}, got)
	cancel()
	assert.NoError(t, <-done)
}
