// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package engine

import (
	"fmt"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/client"
	"github.com/edgefuzz/edgefuzz/pkg/config"
	"github.com/edgefuzz/edgefuzz/pkg/corpus"
	"github.com/edgefuzz/edgefuzz/pkg/ipc"
	"github.com/edgefuzz/edgefuzz/pkg/launcher"
	"github.com/edgefuzz/edgefuzz/pkg/learning"
	"github.com/edgefuzz/edgefuzz/pkg/mutator"
	"github.com/edgefuzz/edgefuzz/pkg/sched"
)

// Config is the fuzzing configuration file (-config), JSON or YAML.
// Command line flags override the values from the file.
type Config struct {
	// Execution timeout of a single input (e.g. "1s").
	Timeout string `json:"timeout,omitempty"`
	// Number of active corpus inputs kept in memory by each client.
	CacheSize int `json:"cache_size,omitempty"`
	// Power schedule: explore, exploit, fast, coe, lin, quad.
	Schedule string `json:"schedule,omitempty"`
	// Havoc stacks at most 2^stack_pow mutations.
	StackPow int `json:"stack_pow,omitempty"`
	// Number of MOpt swarms.
	Swarms int `json:"swarms,omitempty"`
	// Period of client syncs with the broker (e.g. "3s").
	SyncPeriod string `json:"sync_period,omitempty"`
	// Client is killed if it shows no progress for this long (e.g. "30s").
	HeartbeatTimeout string `json:"heartbeat_timeout,omitempty"`
	// AFL-style dictionary file.
	Dict string `json:"dict,omitempty"`
	// Status page address, e.g. "localhost:8080".
	HTTP   string `json:"http,omitempty"`
	MaxLen int    `json:"max_len,omitempty"`

	timeout          time.Duration
	syncPeriod       time.Duration
	heartbeatTimeout time.Duration
	schedule         sched.Schedule
}

func defaultConfig() *Config {
	return &Config{
		Timeout:          ipc.DefaultTimeout.String(),
		CacheSize:        corpus.DefaultCacheSize,
		Schedule:         sched.DefaultSchedule.String(),
		StackPow:         mutator.DefaultStackPow,
		Swarms:           learning.DefaultSwarms,
		SyncPeriod:       client.DefaultSyncPeriod.String(),
		HeartbeatTimeout: launcher.DefaultHeartbeatTimeout.String(),
		MaxLen:           mutator.DefaultMaxLen,
	}
}

// LoadConfig loads the config file on top of the defaults, an empty filename means defaults only.
func LoadConfig(filename string) (*Config, error) {
	cfg := defaultConfig()
	if filename != "" {
		if err := config.LoadFile(filename, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Complete checks the values and parses durations and names.
func (cfg *Config) Complete() error {
	var err error
	if cfg.timeout, err = parseDuration("timeout", cfg.Timeout); err != nil {
		return err
	}
	if cfg.syncPeriod, err = parseDuration("sync_period", cfg.SyncPeriod); err != nil {
		return err
	}
	if cfg.heartbeatTimeout, err = parseDuration("heartbeat_timeout", cfg.HeartbeatTimeout); err != nil {
		return err
	}
	if cfg.heartbeatTimeout <= cfg.timeout {
		return fmt.Errorf("heartbeat_timeout (%v) must be larger than timeout (%v)",
			cfg.heartbeatTimeout, cfg.timeout)
	}
	if cfg.schedule, err = sched.ParseSchedule(cfg.Schedule); err != nil {
		return err
	}
	if cfg.CacheSize <= 0 {
		return fmt.Errorf("bad cache_size %v", cfg.CacheSize)
	}
	if cfg.StackPow < 1 || cfg.StackPow > 16 {
		return fmt.Errorf("bad stack_pow %v, want [1, 16]", cfg.StackPow)
	}
	if cfg.Swarms < 1 {
		return fmt.Errorf("bad swarms %v", cfg.Swarms)
	}
	if cfg.MaxLen < 1 {
		return fmt.Errorf("bad max_len %v", cfg.MaxLen)
	}
	return nil
}

func parseDuration(name, val string) (time.Duration, error) {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("bad %v %q: %w", name, val, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("bad %v %q: must be positive", name, val)
	}
	return d, nil
}
