// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// edgefuzz-demo fuzzes a small record parser with a planted bug.
//
//	edgefuzz-demo fuzz -cores 0-3 -input seeds -output workdir -http :8080
package main

import (
	"github.com/edgefuzz/edgefuzz/pkg/engine"
)

func main() {
	engine.Main(newTarget())
}
