// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stat

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
)

// This file provides counters and gauges (Val type) for instrumenting the fuzzer,
// and a registry for them (Set type).
//
//	execs := set.New("exec total", "Total executions", stat.Rate{})
//	execs.Add(1)
//
// Every client owns a Set and reports its values to the broker,
// the broker exports its own Set to Prometheus and lists it on the status page.

type UI struct {
	Name  string
	Desc  string
	Level Level
	Value string
	V     int
}

// Set is a registry of metrics.
type Set struct {
	mu    sync.Mutex
	vals  map[string]*Val
	start time.Time
}

const histogramBuckets = 255

func NewSet() *Set {
	return &Set{
		vals:  make(map[string]*Val),
		start: time.Now(),
	}
}

// Collect returns the metrics with at least the given level,
// rates are computed over the lifetime of the set.
func (s *Set) Collect(level Level) []UI {
	s.mu.Lock()
	defer s.mu.Unlock()
	period := max(time.Since(s.start), time.Second)
	var res []UI
	for _, v := range s.vals {
		if v.level < level {
			continue
		}
		val := v.Val()
		res = append(res, UI{
			Name:  v.name,
			Desc:  v.desc,
			Level: v.level,
			Value: v.fmt(val, period),
			V:     val,
		})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Level != res[j].Level {
			return res[i].Level > res[j].Level
		}
		return res[i].Name < res[j].Name
	})
	return res
}

// Additional options for Val metrics.

// Level controls if the metric should be printed to console in periodic monitor lines,
// or showed on the status page only.
type Level int

const (
	All Level = iota
	Simple
	Console
)

// Prometheus exports the metric to Prometheus under the given name.
type Prometheus string

// Rate says to show the metric rate per unit of time in addition to the total value.
type Rate struct{}

// Distribution says to keep a histogram of individual samples, the value is their mean.
type Distribution struct{}

// Addittionally a custom 'func() int' can be passed to read the metric value from the function.
// and 'func(int, time.Duration) string' can be passed for custom formatting of the metric value.

func (s *Set) New(name, desc string, opts ...any) *Val {
	v := &Val{
		name: name,
		desc: desc,
		fmt:  func(v int, period time.Duration) string { return strconv.Itoa(v) },
	}
	var promName Prometheus
	for _, o := range opts {
		switch opt := o.(type) {
		case Level:
			v.level = opt
		case Rate:
			v.fmt = formatRate
		case Distribution:
			v.hist = true
		case func() int:
			v.ext = opt
		case func(int, time.Duration) string:
			v.fmt = opt
		case Prometheus:
			promName = opt
		default:
			panic(fmt.Sprintf("unknown stats option %#v", o))
		}
	}
	if promName != "" {
		// Re-registration of the same name (e.g. a second broker in tests) is not an error.
		prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: string(promName),
			Help: desc,
		},
			func() float64 { return float64(v.Val()) },
		))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[name] = v
	return v
}

type Val struct {
	name   string
	desc   string
	level  Level
	val    atomic.Uint64
	ext    func() int
	fmt    func(int, time.Duration) string
	hist   bool
	histMu sync.Mutex
	histo  *gohistogram.NumericHistogram
}

func (v *Val) Add(val int) {
	if v.ext != nil {
		panic(fmt.Sprintf("stat %v is in external mode", v.name))
	}
	if v.hist {
		v.histMu.Lock()
		if v.histo == nil {
			v.histo = gohistogram.NewHistogram(histogramBuckets)
		}
		v.histo.Add(float64(val))
		v.histMu.Unlock()
		return
	}
	v.val.Add(uint64(val))
}

func (v *Val) Val() int {
	if v.ext != nil {
		return v.ext()
	}
	if v.hist {
		v.histMu.Lock()
		defer v.histMu.Unlock()
		if v.histo == nil {
			return 0
		}
		return int(v.histo.Mean())
	}
	return int(v.val.Load())
}

func formatRate(v int, period time.Duration) string {
	secs := int(period.Seconds())
	if x := v / secs; x >= 10 {
		return fmt.Sprintf("%v (%v/sec)", v, x)
	}
	if x := v * 60 / secs; x >= 10 {
		return fmt.Sprintf("%v (%v/min)", v, x)
	}
	x := v * 60 * 60 / secs
	return fmt.Sprintf("%v (%v/hour)", v, x)
}

// FormatDuration formats a metric that holds nanoseconds.
func FormatDuration(v int, period time.Duration) string {
	return time.Duration(v).String()
}
