// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package launcher

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ClientDesc describes one fuzzing client. Core is -1 for a client that is not bound to a core.
type ClientDesc struct {
	ID   int
	Core int
}

func (desc ClientDesc) String() string {
	if desc.Core < 0 {
		return fmt.Sprintf("client-%v", desc.ID)
	}
	return fmt.Sprintf("client-%v@%v", desc.ID, desc.Core)
}

// ParseCores parses a core list: "all", "none" or a comma-separated list of cores
// and ranges, e.g. "1,2-4,6". "none" means a single client that is not bound to any core.
func ParseCores(spec string, ncpu int) ([]ClientDesc, error) {
	spec = strings.TrimSpace(spec)
	var cores []int
	switch spec {
	case "none":
		return []ClientDesc{{ID: 0, Core: -1}}, nil
	case "all":
		for i := 0; i < ncpu; i++ {
			cores = append(cores, i)
		}
	default:
		seen := make(map[int]bool)
		for _, part := range strings.Split(spec, ",") {
			from, to, err := parseRange(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("bad core list %q: %w", spec, err)
			}
			for core := from; core <= to; core++ {
				if core >= ncpu {
					return nil, fmt.Errorf("bad core list %q: core %v does not exist (%v cores)",
						spec, core, ncpu)
				}
				if !seen[core] {
					seen[core] = true
					cores = append(cores, core)
				}
			}
		}
		sort.Ints(cores)
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("empty core list %q", spec)
	}
	var res []ClientDesc
	for id, core := range cores {
		res = append(res, ClientDesc{ID: id, Core: core})
	}
	return res, nil
}

func parseRange(s string) (int, int, error) {
	fromStr, toStr, isRange := strings.Cut(s, "-")
	from, err := strconv.Atoi(fromStr)
	if err != nil || from < 0 {
		return 0, 0, fmt.Errorf("bad core %q", fromStr)
	}
	if !isRange {
		return from, from, nil
	}
	to, err := strconv.Atoi(toStr)
	if err != nil || to < from {
		return 0, 0, fmt.Errorf("bad core range %q", s)
	}
	return from, to, nil
}
