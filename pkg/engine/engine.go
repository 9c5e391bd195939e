// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package engine implements the command line of a fuzzer binary built around a harness.Target.
//
// Usage:
//
//	<binary> run -input DIR
//	<binary> fuzz -cores SPEC -input DIR -output DIR [-broker-port PORT] [-config FILE]
//	    [-dict FILE] [-timeout D] [-http ADDR]
//	<binary> minimize -output DIR -dest DIR
//
// The client subcommand is internal, fuzz spawns one client per core.
package engine

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/client"
	"github.com/edgefuzz/edgefuzz/pkg/harness"
	"github.com/edgefuzz/edgefuzz/pkg/ipc"
	"github.com/edgefuzz/edgefuzz/pkg/launcher"
	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/osutil"
	"github.com/edgefuzz/edgefuzz/pkg/rpctype"
	"github.com/edgefuzz/edgefuzz/pkg/sched"
	"github.com/edgefuzz/edgefuzz/pkg/tokens"
	"github.com/edgefuzz/edgefuzz/pkg/tool"
)

func Main(target *harness.Target) {
	cmd, args, err := tool.Subcommand(os.Args[1:])
	if err != nil {
		usage()
	}
	switch cmd {
	case "run":
		err = runMain(target, args)
	case "fuzz":
		err = fuzzMain(args)
	case "client":
		tool.Exit(clientMain(target, args))
	case "minimize":
		err = minimizeMain(target, args)
	default:
		usage()
	}
	if err != nil {
		tool.Fail(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %v run|fuzz|minimize [flags]\n", os.Args[0])
	tool.Exit(1)
}

func newFlagSet(name string) (*flag.FlagSet, *int) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	verbosity := flags.Int("vv", log.Verbosity(), "verbosity")
	return flags, verbosity
}

func runMain(target *harness.Target, args []string) error {
	flags, verbosity := newFlagSet("run")
	flagInput := flags.String("input", "", "input file or directory with inputs to execute")
	flagTimeout := flags.Duration("timeout", ipc.DefaultTimeout, "execution timeout")
	flagArgs := flags.String("args", "", "space-separated arguments for the harness init")
	if err := tool.ParseFlags(flags, args); err != nil {
		return err
	}
	log.SetVerbosity(*verbosity)
	if *flagInput == "" {
		return fmt.Errorf("-input is required")
	}
	return RunInputs(target, *flagInput, strings.Fields(*flagArgs), *flagTimeout, os.Stdout)
}

func minimizeMain(target *harness.Target, args []string) error {
	flags, verbosity := newFlagSet("minimize")
	flagOutput := flags.String("output", "", "fuzzing output directory")
	flagDest := flags.String("dest", "", "directory to store the minimized corpus")
	flagTimeout := flags.Duration("timeout", ipc.DefaultTimeout, "execution timeout")
	flagArgs := flags.String("args", "", "space-separated arguments for the harness init")
	if err := tool.ParseFlags(flags, args); err != nil {
		return err
	}
	log.SetVerbosity(*verbosity)
	if *flagOutput == "" || *flagDest == "" {
		return fmt.Errorf("-output and -dest are required")
	}
	favored, total, err := MinimizeCorpus(target, *flagOutput, *flagDest,
		strings.Fields(*flagArgs), *flagTimeout)
	if err != nil {
		return err
	}
	log.Logf(0, "minimized %v inputs to %v in %v", total, favored, *flagDest)
	return nil
}

func fuzzMain(args []string) error {
	flags, verbosity := newFlagSet("fuzz")
	flagCores := flags.String("cores", "all", "cores to run clients on: all, none or a list like 1,2-4,6")
	flagPort := flags.Int("broker-port", rpctype.DefaultPort, "broker port")
	flagInput := flags.String("input", "", "seed directory, watched for new inputs during fuzzing")
	flagOutput := flags.String("output", "", "output directory")
	flagConfig := flags.String("config", "", "config file (JSON or YAML)")
	flagDict := flags.String("dict", "", "dictionary file")
	flagTimeout := flags.String("timeout", "", "execution timeout (e.g. 1s)")
	flagHTTP := flags.String("http", "", "status page address")
	flagArgs := flags.String("args", "", "space-separated arguments for the harness init")
	if err := tool.ParseFlags(flags, args); err != nil {
		return err
	}
	log.SetVerbosity(*verbosity)
	if *flagOutput == "" {
		return fmt.Errorf("-output is required")
	}
	cfg, err := LoadConfig(*flagConfig)
	if err != nil {
		return err
	}
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dict":
			cfg.Dict = *flagDict
		case "timeout":
			cfg.Timeout = *flagTimeout
		case "http":
			cfg.HTTP = *flagHTTP
		}
	})
	if err := cfg.Complete(); err != nil {
		return err
	}
	cores, err := launcher.ParseCores(*flagCores, runtime.NumCPU())
	if err != nil {
		return err
	}
	log.EnableLogCaching(1000, 1<<20)
	log.SetName("broker")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = launcher.Run(ctx, &launcher.Config{
		Cores:            cores,
		BrokerPort:       *flagPort,
		HTTP:             cfg.HTTP,
		Workdir:          osutil.Abs(*flagOutput),
		InputDir:         osutil.Abs(*flagInput),
		ClientFlags:      cfg.clientFlags(osutil.Abs(*flagInput), osutil.Abs(*flagOutput), *flagArgs),
		HeartbeatTimeout: cfg.heartbeatTimeout,
	})
	if ctx.Err() != nil {
		log.Logf(0, "Fuzzing stopped by user. Good bye.")
		return nil
	}
	return err
}

// clientFlags returns the flags shared by all clients, see clientMain.
func (cfg *Config) clientFlags(input, output, args string) []tool.Flag {
	flags := []tool.Flag{
		{Name: "input", Value: input},
		{Name: "output", Value: output},
		{Name: "timeout", Value: cfg.timeout.String()},
		{Name: "cache-size", Value: strconv.Itoa(cfg.CacheSize)},
		{Name: "schedule", Value: cfg.schedule.String()},
		{Name: "stack-pow", Value: strconv.Itoa(cfg.StackPow)},
		{Name: "swarms", Value: strconv.Itoa(cfg.Swarms)},
		{Name: "sync-period", Value: cfg.syncPeriod.String()},
		{Name: "max-len", Value: strconv.Itoa(cfg.MaxLen)},
		{Name: "vv", Value: strconv.Itoa(log.Verbosity())},
	}
	if cfg.Dict != "" {
		flags = append(flags, tool.Flag{Name: "dict", Value: osutil.Abs(cfg.Dict)})
	}
	if args != "" {
		flags = append(flags, tool.Flag{Name: "args", Value: args})
	}
	return flags
}

// clientMain runs one fuzzing client and returns the process exit status.
func clientMain(target *harness.Target, args []string) int {
	flags, verbosity := newFlagSet("client")
	flagID := flags.Int("id", 0, "client id")
	flagCore := flags.Int("core", -1, "core to bind to, -1 for none")
	flagBroker := flags.String("broker", "", "broker address")
	flagShm := flags.Int("shm", 0, "size of the shared memory region inherited from the supervisor")
	flagInput := flags.String("input", "", "seed directory")
	flagOutput := flags.String("output", "", "output directory")
	flagTimeout := flags.Duration("timeout", ipc.DefaultTimeout, "execution timeout")
	flagCacheSize := flags.Int("cache-size", 0, "corpus cache size")
	flagSchedule := flags.String("schedule", "", "power schedule")
	flagStackPow := flags.Int("stack-pow", 0, "havoc stack power")
	flagSwarms := flags.Int("swarms", 0, "MOpt swarms")
	flagSyncPeriod := flags.Duration("sync-period", client.DefaultSyncPeriod, "broker sync period")
	flagMaxLen := flags.Int("max-len", 0, "max input length")
	flagDict := flags.String("dict", "", "dictionary file")
	flagArgs := flags.String("args", "", "space-separated arguments for the harness init")
	if err := tool.ParseFlags(flags, args); err != nil {
		log.Errorf("%v", err)
		return client.ExitFatal
	}
	log.SetVerbosity(*verbosity)
	log.SetName(fmt.Sprintf("client-%v", *flagID))

	cfg := &client.Config{
		ID:         *flagID,
		Core:       *flagCore,
		Broker:     *flagBroker,
		Workdir:    *flagOutput,
		InputDir:   *flagInput,
		Target:     target,
		Args:       strings.Fields(*flagArgs),
		Timeout:    *flagTimeout,
		CacheSize:  *flagCacheSize,
		StackPow:   *flagStackPow,
		Swarms:     *flagSwarms,
		MaxLen:     *flagMaxLen,
		SyncPeriod: *flagSyncPeriod,
	}
	var err error
	if cfg.Schedule, err = sched.ParseSchedule(*flagSchedule); err != nil {
		log.Errorf("%v", err)
		return client.ExitFatal
	}
	if *flagDict != "" {
		cfg.Dict = tokens.NewDict()
		if _, err := cfg.Dict.LoadFile(*flagDict); err != nil {
			log.Errorf("%v", err)
			return client.ExitFatal
		}
	}
	if *flagShm != 0 {
		if cfg.Shm, err = inheritShm(*flagShm); err != nil {
			log.Errorf("%v", err)
			return client.ExitFatal
		}
	}
	c, err := client.New(cfg)
	if err != nil {
		log.Errorf("%v", err)
		return client.ExitFatal
	}
	defer c.Close()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	start := time.Now()
	err = c.Run(ctx)
	status := client.ExitStatus(err)
	if err != nil {
		log.Logf(0, "%v after %v, exit status %v", err, time.Since(start).Round(time.Second), status)
	}
	return status
}

func inheritShm(size int) (*ipc.Shm, error) {
	mem, err := osutil.MapSharedFile(os.NewFile(launcher.ShmFd, "shm"), size)
	if err != nil {
		return nil, err
	}
	return ipc.NewShm(mem)
}
