// Copyright 2016 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log provides functionality similar to standard log package with some extensions:
//   - verbosity levels
//   - a per-process name prefix (broker, client-N)
//   - ability to cache recent output in memory
package log

import (
	"bytes"
	"flag"
	"fmt"
	golog "log"
	"sync"
	"time"
)

var (
	flagV        = flag.Int("vv", 0, "verbosity")
	mu           sync.Mutex
	name         string
	cacheMem     int
	cacheMaxMem  int
	cachePos     int
	cacheEntries []string
	prependTime  = true // for testing
)

// SetName sets a prefix that is prepended to every message of this process.
// Useful when output of the broker and several clients is interleaved on one terminal.
func SetName(n string) {
	mu.Lock()
	defer mu.Unlock()
	name = n
	if n == "" {
		golog.SetPrefix("")
	} else {
		golog.SetPrefix("[" + n + "] ")
	}
}

// SetVerbosity overrides the -vv flag value.
func SetVerbosity(v int) {
	mu.Lock()
	defer mu.Unlock()
	*flagV = v
}

// Verbosity returns the current verbosity, it is passed to spawned clients.
func Verbosity() int {
	mu.Lock()
	defer mu.Unlock()
	return *flagV
}

func V(v int) bool {
	mu.Lock()
	defer mu.Unlock()
	return v <= *flagV
}

// EnableLogCaching enables in memory caching of log output.
// Caches up to maxLines, but no more than maxMem bytes.
// Cached output can later be queried with CachedLogOutput.
func EnableLogCaching(maxLines, maxMem int) {
	mu.Lock()
	defer mu.Unlock()
	if cacheEntries != nil {
		Fatalf("log caching is already enabled")
	}
	if maxLines < 1 || maxMem < 1 {
		panic("invalid maxLines/maxMem")
	}
	cacheMaxMem = maxMem
	cacheEntries = make([]string, maxLines)
}

// CachedLogOutput retrieves cached log output.
func CachedLogOutput() string {
	mu.Lock()
	defer mu.Unlock()
	buf := new(bytes.Buffer)
	for i := range cacheEntries {
		pos := (cachePos + i) % len(cacheEntries)
		if cacheEntries[pos] == "" {
			continue
		}
		buf.WriteString(cacheEntries[pos])
		buf.Write([]byte{'\n'})
	}
	return buf.String()
}

func Logf(v int, msg string, args ...interface{}) {
	mu.Lock()
	doLog := v <= *flagV
	if cacheEntries != nil && v <= 1 {
		cacheLocked(fmt.Sprintf(msg, args...))
	}
	mu.Unlock()

	if doLog {
		golog.Printf(msg, args...)
	}
}

// Errorf logs an error that does not stop the process (e.g. a lost broker message).
func Errorf(msg string, args ...interface{}) {
	Logf(0, "ERROR: "+msg, args...)
}

func cacheLocked(line string) {
	cacheMem -= len(cacheEntries[cachePos])
	if cacheMem < 0 {
		panic("log cache size underflow")
	}
	prefix := ""
	if prependTime {
		prefix = time.Now().Format("2006/01/02 15:04:05 ")
	}
	if name != "" {
		prefix += "[" + name + "] "
	}
	cacheEntries[cachePos] = prefix + line
	cacheMem += len(cacheEntries[cachePos])
	cachePos++
	if cachePos == len(cacheEntries) {
		cachePos = 0
	}
	for i := 0; i < len(cacheEntries)-1 && cacheMem > cacheMaxMem; i++ {
		pos := (cachePos + i) % len(cacheEntries)
		cacheMem -= len(cacheEntries[pos])
		cacheEntries[pos] = ""
	}
	if cacheMem < 0 {
		panic("log cache size underflow")
	}
}

func Fatal(err error) {
	golog.Fatal(err)
}

func Fatalf(msg string, args ...interface{}) {
	golog.Fatalf(msg, args...)
}

// VerboseWriter adapts the logger to io.Writer (used for child process output).
type VerboseWriter int

func (w VerboseWriter) Write(data []byte) (int, error) {
	Logf(int(w), "%s", bytes.TrimRight(data, "\n"))
	return len(data), nil
}
