// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package launcher runs the broker and supervises one client process per core.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/broker"
	"github.com/edgefuzz/edgefuzz/pkg/client"
	"github.com/edgefuzz/edgefuzz/pkg/corpus"
	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/osutil"
	"github.com/edgefuzz/edgefuzz/pkg/tool"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Cores []ClientDesc
	// BrokerPort is the broker RPC port, 0 picks a free one.
	BrokerPort int
	// HTTP is the status page address, disabled if empty.
	HTTP     string
	Workdir  string
	InputDir string
	// ClientFlags are passed to every client process in addition to the per-client flags.
	ClientFlags []tool.Flag
	// Binary is the client executable, the current executable by default.
	Binary           string
	HeartbeatTimeout time.Duration
	MonitorPeriod    time.Duration
}

// Run starts the broker and all clients, and runs until all clients exit.
// When ctx is done, clients are interrupted and given time to sync before the broker stops.
func Run(ctx context.Context, cfg *Config) error {
	if len(cfg.Cores) == 0 {
		return fmt.Errorf("no clients to run")
	}
	if cfg.Binary == "" {
		bin, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to find own executable: %w", err)
		}
		cfg.Binary = bin
	}
	if err := osutil.MkdirAll(cfg.Workdir); err != nil {
		return fmt.Errorf("failed to create workdir: %w", err)
	}
	solutions, err := corpus.OpenSolutions(client.CrashDir(cfg.Workdir))
	if err != nil {
		return err
	}
	b, err := broker.New(&broker.Config{
		Addr:          fmt.Sprintf(":%v", cfg.BrokerPort),
		HTTP:          cfg.HTTP,
		Workdir:       cfg.Workdir,
		InputDir:      cfg.InputDir,
		MonitorPeriod: cfg.MonitorPeriod,
		Clients:       len(cfg.Cores),
	})
	if err != nil {
		return err
	}
	_, port, err := net.SplitHostPort(b.Addr())
	if err != nil {
		b.Close()
		return err
	}
	brokerAddr := net.JoinHostPort("127.0.0.1", port)

	infraCtx, stopInfra := context.WithCancel(context.Background())
	defer stopInfra()
	infra, infraCtx := errgroup.WithContext(infraCtx)
	infra.Go(func() error {
		b.Serve()
		return nil
	})
	infra.Go(func() error {
		b.Monitor(infraCtx)
		return nil
	})
	infra.Go(func() error {
		select {
		case <-ctx.Done():
			// Clients that miss the interrupt stop on their next sync.
			b.Stop()
		case <-infraCtx.Done():
		}
		return nil
	})
	if cfg.HTTP != "" {
		infra.Go(func() error {
			return b.ServeStatus(infraCtx)
		})
	}
	if cfg.InputDir != "" {
		infra.Go(func() error {
			// Fuzzing goes on without foreign seeds.
			if err := b.WatchInputs(infraCtx, nil); err != nil {
				log.Errorf("%v", err)
			}
			return nil
		})
	}

	sink := func(data []byte, reason string) {
		name, isNew, err := solutions.Save(data, reason)
		if err != nil {
			log.Errorf("failed to save solution: %v", err)
			return
		}
		if isNew {
			log.Logf(0, "saved %v", name)
		}
		b.AddSolution(data, reason)
	}
	flags := append(cfg.ClientFlags, tool.Flag{Name: "broker", Value: brokerAddr})
	var sups []*supervisor
	for _, desc := range cfg.Cores {
		sup, err := newSupervisor(desc, cfg.Binary, append([]tool.Flag{}, flags...),
			cfg.HeartbeatTimeout, sink)
		if err != nil {
			for _, sup := range sups {
				sup.close()
			}
			b.Close()
			return err
		}
		sups = append(sups, sup)
	}
	log.Logf(0, "starting %v clients, broker on %v", len(sups), brokerAddr)
	var clients errgroup.Group
	var failed atomic.Int32
	for _, sup := range sups {
		sup := sup
		clients.Go(func() error {
			defer sup.close()
			err := sup.run(ctx)
			if err != nil {
				failed.Add(1)
				log.Errorf("%v", err)
			}
			return err
		})
	}
	clientErr := clients.Wait()

	b.Stop()
	b.Close()
	stopInfra()
	infraErr := infra.Wait()
	if int(failed.Load()) == len(sups) {
		return fmt.Errorf("all clients failed: %w", clientErr)
	}
	if infraErr != nil && !errors.Is(infraErr, context.Canceled) {
		return infraErr
	}
	return nil
}
