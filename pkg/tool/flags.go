// Copyright 2020 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tool

import (
	"flag"
	"fmt"
	"sort"
)

type Flag struct {
	Name  string
	Value string
}

// ParseFlags parses args into set and rejects positional arguments,
// all subcommands are configured with flags only.
func ParseFlags(set *flag.FlagSet, args []string) error {
	if err := set.Parse(args); err != nil {
		return err
	}
	if set.NArg() != 0 {
		return fmt.Errorf("unexpected arguments: %q", set.Args())
	}
	return nil
}

// FlagsToArgs serializes flags into a command line for a child process.
// The result is sorted by flag name so that it is stable across runs.
func FlagsToArgs(flags []Flag) []string {
	sorted := append([]Flag(nil), flags...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})
	var args []string
	for _, f := range sorted {
		args = append(args, fmt.Sprintf("-%v=%v", f.Name, f.Value))
	}
	return args
}

// Subcommand splits args into the subcommand name and its arguments.
func Subcommand(args []string) (string, []string, error) {
	if len(args) == 0 || args[0] == "" || args[0][0] == '-' {
		return "", nil, fmt.Errorf("no subcommand specified")
	}
	return args[0], args[1:], nil
}
