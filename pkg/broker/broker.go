// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package broker relays corpus inputs, solutions and statistics between fuzzing clients.
// The broker does not execute inputs and keeps no feedback state,
// every client decides on its own whether a relayed input is interesting.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/hash"
	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/rpctype"
	"github.com/edgefuzz/edgefuzz/pkg/stat"
	"github.com/google/uuid"
)

type Config struct {
	// Addr is the RPC listen address, e.g. ":1337".
	Addr string
	// HTTP is the status page address, disabled if empty.
	HTTP string
	// Workdir receives fuzzer_stats.yaml.
	Workdir string
	// InputDir is watched for new seeds, disabled if empty.
	InputDir string
	// MonitorPeriod is the period of the monitor line and the stats file.
	MonitorPeriod time.Duration
	// Clients is the number of clients expected to connect.
	// Relayed entries are kept for clients that have not connected yet,
	// so nothing is dropped before that many clients have acknowledged it.
	// If 0, the number is unknown and nothing is ever dropped.
	Clients int
}

const DefaultMonitorPeriod = 15 * time.Second

// Entries acknowledged by all clients are dropped once there are that many of them.
const compactThreshold = 1024

type Broker struct {
	cfg   *Config
	runID string
	start time.Time
	serv  *rpctype.RPCServer
	stats *stat.Set

	mu        sync.Mutex
	inputs    relay[[]byte]
	solutions relay[rpctype.Solution]
	seen      map[hash.Sig]bool
	clients   map[int]*clientState
	sessions  map[string]*clientState
	stopping  bool

	statClients   *stat.Val
	statInputs    *stat.Val
	statSolutions *stat.Val
	statExecs     *stat.Val
	statCorpus    *stat.Val
	statEdges     *stat.Val
	statSyncSize  *stat.Val
}

type clientState struct {
	id        int
	core      int
	pid       int
	session   string
	connected time.Time
	lastSync  time.Time
	// Cursors into the relays up to the last acknowledged reply.
	inputs    int
	solutions int
	// The last reply and the cursors it advanced to, committed when the client acks seq.
	seq     uint64
	pending *cursors
	stats   rpctype.ClientStats
}

type cursors struct {
	inputs    int
	solutions int
}

// foreign is the special origin of inputs found in the input dir.
const foreign = -1

type relayEntry[T any] struct {
	origin int
	val    T
}

// relay is an append-only log with a movable base.
type relay[T any] struct {
	base    int
	entries []relayEntry[T]
}

func (r *relay[T]) add(origin int, val T) {
	r.entries = append(r.entries, relayEntry[T]{origin, val})
}

func (r *relay[T]) end() int {
	return r.base + len(r.entries)
}

// since returns entries after cursor that were not sent by client.
func (r *relay[T]) since(cursor, client int) []T {
	var res []T
	for i := max(cursor-r.base, 0); i < len(r.entries); i++ {
		if e := r.entries[i]; e.origin != client {
			res = append(res, e.val)
		}
	}
	return res
}

func (r *relay[T]) compact(cursor int) {
	if n := cursor - r.base; n >= compactThreshold {
		r.entries = append([]relayEntry[T]{}, r.entries[n:]...)
		r.base = cursor
	}
}

func New(cfg *Config) (*Broker, error) {
	if cfg.MonitorPeriod <= 0 {
		cfg.MonitorPeriod = DefaultMonitorPeriod
	}
	broker := &Broker{
		cfg:      cfg,
		runID:    uuid.New().String(),
		start:    time.Now(),
		stats:    stat.NewSet(),
		seen:     make(map[hash.Sig]bool),
		clients:  make(map[int]*clientState),
		sessions: make(map[string]*clientState),
	}
	broker.initStats()
	serv, err := rpctype.NewRPCServer(cfg.Addr, rpctype.ServiceName, &rpcHandler{broker})
	if err != nil {
		return nil, err
	}
	broker.serv = serv
	log.Logf(0, "broker listening on %v (run %v)", serv.Addr(), broker.runID)
	return broker, nil
}

func (broker *Broker) Addr() string {
	return broker.serv.Addr().String()
}

func (broker *Broker) RunID() string {
	return broker.runID
}

func (broker *Broker) Stats() *stat.Set {
	return broker.stats
}

// rpcHandler exposes only the RPC methods of the broker to net/rpc.
type rpcHandler struct {
	broker *Broker
}

func (h *rpcHandler) Connect(args *rpctype.ConnectArgs, res *rpctype.ConnectRes) error {
	return h.broker.Connect(args, res)
}

func (h *rpcHandler) Sync(args *rpctype.SyncArgs, res *rpctype.SyncRes) error {
	return h.broker.Sync(args, res)
}

// Connect registers a (re)started client. A restarted client keeps its acknowledged
// relay cursors, everything it received before is in its persisted queue already.
// The unacknowledged reply may have been lost with the previous process and is sent again.
func (broker *Broker) Connect(args *rpctype.ConnectArgs, res *rpctype.ConnectRes) error {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	client := broker.clients[args.Client]
	if client == nil {
		client = &clientState{id: args.Client}
		broker.clients[args.Client] = client
	} else {
		delete(broker.sessions, client.session)
	}
	client.pending = nil
	client.core = args.Core
	client.pid = args.Pid
	client.session = uuid.New().String()
	client.connected = time.Now()
	broker.sessions[client.session] = client
	log.Logf(0, "client %v connected (core %v, pid %v)", args.Client, args.Core, args.Pid)
	res.Session = client.session
	res.RunID = broker.runID
	return nil
}

// Sync takes new inputs, solutions and stats of the client and returns
// what other clients found since the last reply acknowledged by the client.
func (broker *Broker) Sync(args *rpctype.SyncArgs, res *rpctype.SyncRes) error {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	client := broker.sessions[args.Session]
	if client == nil || client.id != args.Client {
		return fmt.Errorf("unknown session %q of client %v", args.Session, args.Client)
	}
	broker.statSyncSize.Add(len(args.Inputs))
	for _, data := range args.Inputs {
		broker.addInputLocked(client.id, data)
	}
	for _, sol := range args.Solutions {
		broker.addSolutionLocked(client.id, sol)
	}
	client.stats = args.Stats
	client.lastSync = time.Now()

	if client.pending != nil && args.Ack == client.seq {
		client.inputs = client.pending.inputs
		client.solutions = client.pending.solutions
	}
	res.Inputs = broker.inputs.since(client.inputs, client.id)
	res.Solutions = broker.solutions.since(client.solutions, client.id)
	client.seq++
	client.pending = &cursors{
		inputs:    broker.inputs.end(),
		solutions: broker.solutions.end(),
	}
	res.Seq = client.seq
	res.Stop = broker.stopping
	broker.compactLocked()
	return nil
}

func (broker *Broker) addInputLocked(origin int, data []byte) bool {
	sig := hash.Hash(data)
	if broker.seen[sig] {
		return false
	}
	broker.seen[sig] = true
	broker.inputs.add(origin, data)
	broker.statInputs.Add(1)
	return true
}

func (broker *Broker) addSolutionLocked(origin int, sol rpctype.Solution) bool {
	sig := hash.Hash([]byte(sol.Reason), sol.Data)
	if broker.seen[sig] {
		return false
	}
	broker.seen[sig] = true
	broker.solutions.add(origin, sol)
	broker.statSolutions.Add(1)
	log.Logf(0, "client %v found %v (len=%v)", origin, sol.Reason, len(sol.Data))
	return true
}

func (broker *Broker) compactLocked() {
	if broker.cfg.Clients == 0 || len(broker.clients) < broker.cfg.Clients {
		return
	}
	inputs, solutions := broker.inputs.end(), broker.solutions.end()
	for _, client := range broker.clients {
		inputs = min(inputs, client.inputs)
		solutions = min(solutions, client.solutions)
	}
	broker.inputs.compact(inputs)
	broker.solutions.compact(solutions)
}

// AddInput relays an input that did not come from a client, e.g. a new seed file.
func (broker *Broker) AddInput(data []byte) bool {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	return broker.addInputLocked(foreign, data)
}

// AddSolution relays a solution that did not come from a client,
// e.g. the in-flight input of a client that died.
func (broker *Broker) AddSolution(data []byte, reason string) bool {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	return broker.addSolutionLocked(foreign, rpctype.Solution{Data: data, Reason: reason})
}

// Serve handles client connections until Close.
func (broker *Broker) Serve() {
	broker.serv.Serve()
}

// Stop asks all clients to finish on their next sync.
func (broker *Broker) Stop() {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	broker.stopping = true
}

func (broker *Broker) Close() error {
	return broker.serv.Close()
}

// ClientInfo is a snapshot of a client as seen by the broker.
type ClientInfo struct {
	ID        int
	Core      int
	Pid       int
	Connected time.Time
	LastSync  time.Time
	Stats     rpctype.ClientStats
}

func (broker *Broker) Clients() []ClientInfo {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	var res []ClientInfo
	for _, client := range broker.clients {
		res = append(res, ClientInfo{
			ID:        client.id,
			Core:      client.core,
			Pid:       client.pid,
			Connected: client.connected,
			LastSync:  client.lastSync,
			Stats:     client.stats,
		})
	}
	sortClients(res)
	return res
}
