// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package broker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edgefuzz/edgefuzz/pkg/hash"
	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/osutil"
	"github.com/fsnotify/fsnotify"
)

// WatchInputs relays files created in the input dir during the run to all clients.
// Files present at start are seeds that every client loads itself, they are not relayed.
// ready, if not nil, is closed once the watch is established.
func (broker *Broker) WatchInputs(ctx context.Context, ready chan<- struct{}) error {
	dir := broker.cfg.InputDir
	if dir == "" {
		return fmt.Errorf("no input dir to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %v: %w", dir, err)
	}
	files, err := osutil.ListDir(dir)
	if err != nil {
		return err
	}
	broker.mu.Lock()
	for _, name := range files {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			broker.seen[hash.Hash(data)] = true
		}
	}
	broker.mu.Unlock()
	if ready != nil {
		close(ready)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			broker.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Logf(0, "input dir watch: %v", err)
		}
	}
}

func (broker *Broker) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}
	data, err := os.ReadFile(event.Name)
	if err != nil || len(data) == 0 {
		// Removed already, or a directory, or not written yet.
		return
	}
	if broker.AddInput(data) {
		log.Logf(1, "relaying new seed %v", event.Name)
	}
}
