// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package broker

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/osutil"
	"github.com/edgefuzz/edgefuzz/pkg/stat"
	"gopkg.in/yaml.v3"
)

const StatsFile = "fuzzer_stats.yaml"

func (broker *Broker) initStats() {
	set := broker.stats
	broker.statClients = set.New("clients", "Number of connected fuzzing clients",
		stat.Console, stat.Prometheus("edgefuzz_clients"), func() int {
			return broker.Global().Clients
		})
	broker.statExecs = set.New("exec total", "Total executions of all clients",
		stat.Console, stat.Rate{}, stat.Prometheus("edgefuzz_execs_total"), func() int {
			return int(broker.Global().Execs)
		})
	broker.statCorpus = set.New("corpus", "Total number of corpus inputs of all clients",
		stat.Console, stat.Prometheus("edgefuzz_corpus"), func() int {
			return broker.Global().Corpus
		})
	broker.statEdges = set.New("edges", "Max number of edges covered by a client",
		stat.Console, stat.Prometheus("edgefuzz_edges"), func() int {
			return broker.Global().Edges
		})
	broker.statInputs = set.New("relayed inputs", "Distinct inputs relayed between clients",
		stat.Rate{}, stat.Prometheus("edgefuzz_relayed_inputs"))
	broker.statSolutions = set.New("objectives", "Distinct crashes and timeouts",
		stat.Console, stat.Prometheus("edgefuzz_objectives"))
	broker.statSyncSize = set.New("sync inputs", "Mean number of inputs sent by a client per sync",
		stat.Distribution{})
}

// Global is the aggregate of the latest stats of all clients.
type Global struct {
	RunTime     time.Duration
	Clients     int
	Corpus      int
	Objectives  int
	Execs       uint64
	ExecsPerSec float64
	Edges       int
}

func (broker *Broker) Global() Global {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	g := Global{
		RunTime:    time.Since(broker.start),
		Clients:    len(broker.clients),
		Objectives: broker.solutions.end(),
	}
	for _, client := range broker.clients {
		g.Corpus += client.stats.Corpus
		g.Execs += client.stats.Execs
		g.Edges = max(g.Edges, client.stats.Edges)
		if up := client.stats.Uptime.Seconds(); up > 0 {
			g.ExecsPerSec += float64(client.stats.Execs) / up
		}
	}
	return g
}

func (g Global) String() string {
	return fmt.Sprintf("run time: %v, clients: %v, corpus: %v, objectives: %v, executions: %v, exec/sec: %.0f",
		g.RunTime.Round(time.Second), g.Clients, g.Corpus, g.Objectives, g.Execs, g.ExecsPerSec)
}

// Monitor periodically prints the monitor line and writes the stats file until ctx is done.
func (broker *Broker) Monitor(ctx context.Context) {
	ticker := time.NewTicker(broker.cfg.MonitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			broker.monitorOnce()
			return
		case <-ticker.C:
			broker.monitorOnce()
		}
	}
}

func (broker *Broker) monitorOnce() {
	log.Logf(0, "[broker] %v", broker.Global())
	if broker.cfg.Workdir == "" {
		return
	}
	if err := broker.WriteStats(filepath.Join(broker.cfg.Workdir, StatsFile)); err != nil {
		log.Logf(0, "failed to write stats: %v", err)
	}
}

type statsFile struct {
	RunID       string        `yaml:"run_id"`
	StartTime   time.Time     `yaml:"start_time"`
	LastUpdate  time.Time     `yaml:"last_update"`
	RunTime     string        `yaml:"run_time"`
	Clients     int           `yaml:"clients"`
	Execs       uint64        `yaml:"execs_done"`
	ExecsPerSec float64       `yaml:"execs_per_sec"`
	Corpus      int           `yaml:"corpus_count"`
	Objectives  int           `yaml:"saved_crashes"`
	Edges       int           `yaml:"edges_found"`
	PerClient   []clientStats `yaml:"per_client"`
}

type clientStats struct {
	ID            int        `yaml:"id"`
	Core          int        `yaml:"core"`
	Pid           int        `yaml:"pid"`
	Execs         uint64     `yaml:"execs_done"`
	Stages        stageStats `yaml:"execs_per_stage"`
	Corpus        int        `yaml:"corpus_count"`
	NewInputs     int        `yaml:"corpus_found"`
	ForeignInputs int        `yaml:"corpus_imported"`
	Solutions     int        `yaml:"solutions"`
	Edges         int        `yaml:"edges_found"`
	Unstable      int        `yaml:"unstable_edges"`
	Favored       int        `yaml:"favored"`
	LastSync      string     `yaml:"last_sync"`
}

type stageStats struct {
	Seeds     uint64 `yaml:"seeds"`
	Calibrate uint64 `yaml:"calibrate"`
	Trace     uint64 `yaml:"trace"`
	I2S       uint64 `yaml:"i2s"`
	Power     uint64 `yaml:"power"`
}

// WriteStats atomically replaces the stats file.
func (broker *Broker) WriteStats(file string) error {
	g := broker.Global()
	sf := statsFile{
		RunID:       broker.runID,
		StartTime:   broker.start.UTC(),
		LastUpdate:  time.Now().UTC(),
		RunTime:     g.RunTime.Round(time.Second).String(),
		Clients:     g.Clients,
		Execs:       g.Execs,
		ExecsPerSec: g.ExecsPerSec,
		Corpus:      g.Corpus,
		Objectives:  g.Objectives,
		Edges:       g.Edges,
	}
	for _, client := range broker.Clients() {
		sf.PerClient = append(sf.PerClient, clientStats{
			ID:            client.ID,
			Core:          client.Core,
			Pid:           client.Pid,
			Execs:         client.Stats.Execs,
			Corpus:        client.Stats.Corpus,
			NewInputs:     client.Stats.NewInputs,
			ForeignInputs: client.Stats.ForeignInputs,
			Solutions:     client.Stats.Solutions,
			Edges:         client.Stats.Edges,
			Unstable:      client.Stats.Unstable,
			Favored:       client.Stats.Favored,
			LastSync:      client.LastSync.UTC().Format(time.RFC3339),
			Stages: stageStats{
				Seeds:     client.Stats.ExecSeeds,
				Calibrate: client.Stats.ExecCalibrate,
				Trace:     client.Stats.ExecTrace,
				I2S:       client.Stats.ExecI2S,
				Power:     client.Stats.ExecPower,
			},
		})
	}
	data, err := yaml.Marshal(sf)
	if err != nil {
		return err
	}
	return osutil.WriteFileAtomic(file, data)
}

func sortClients(clients []ClientInfo) {
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ID < clients[j].ID
	})
}
