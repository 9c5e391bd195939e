// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package broker

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/stat"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the status page handler.
func (broker *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, handler func(http.ResponseWriter, *http.Request)) {
		mux.Handle(pattern, handlers.CompressHandler(http.HandlerFunc(handler)))
	}
	handle("/", broker.httpMain)
	handle("/log", broker.httpLog)
	handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}).ServeHTTP)
	// Browsers like to request this, without special handler this goes to / handler.
	handle("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {})
	return mux
}

// ServeStatus serves the status page on the configured address until ctx is done.
func (broker *Broker) ServeStatus(ctx context.Context) error {
	if broker.cfg.HTTP == "" {
		return fmt.Errorf("starting a disabled HTTP server")
	}
	ln, err := net.Listen("tcp", broker.cfg.HTTP)
	if err != nil {
		return fmt.Errorf("failed to listen on %v: %w", broker.cfg.HTTP, err)
	}
	log.Logf(0, "serving http on http://%v", ln.Addr())
	server := &http.Server{Handler: broker.Handler()}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	if err := server.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type uiSummary struct {
	RunID   string
	Global  Global
	Stats   []stat.UI
	Clients []uiClient
	Log     string
}

type uiClient struct {
	ID        int
	Core      int
	Pid       int
	Execs     uint64
	Calibrate uint64
	Trace     uint64
	I2S       uint64
	Power     uint64
	Corpus    int
	Found     int
	Imported  int
	Edges     int
	Unstable  int
	LastSync  time.Duration
}

func (broker *Broker) httpMain(w http.ResponseWriter, r *http.Request) {
	data := &uiSummary{
		RunID:  broker.runID,
		Global: broker.Global(),
		Stats:  broker.stats.Collect(stat.All),
		Log:    log.CachedLogOutput(),
	}
	for _, client := range broker.Clients() {
		data.Clients = append(data.Clients, uiClient{
			ID:        client.ID,
			Core:      client.Core,
			Pid:       client.Pid,
			Execs:     client.Stats.Execs,
			Calibrate: client.Stats.ExecCalibrate,
			Trace:     client.Stats.ExecTrace,
			I2S:       client.Stats.ExecI2S,
			Power:     client.Stats.ExecPower,
			Corpus:    client.Stats.Corpus,
			Found:     client.Stats.NewInputs,
			Imported:  client.Stats.ForeignInputs,
			Edges:     client.Stats.Edges,
			Unstable:  client.Stats.Unstable,
			LastSync:  time.Since(client.LastSync).Round(time.Second),
		})
	}
	executeTemplate(w, mainTemplate, data)
}

func (broker *Broker) httpLog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(log.CachedLogOutput()))
}

func executeTemplate(w http.ResponseWriter, templ *template.Template, data interface{}) {
	buf := new(bytes.Buffer)
	if err := templ.Execute(buf, data); err != nil {
		log.Logf(0, "failed to execute template: %v", err)
		http.Error(w, fmt.Sprintf("failed to execute template: %v", err), http.StatusInternalServerError)
		return
	}
	w.Write(buf.Bytes())
}

var mainTemplate = template.Must(template.New("").Parse(`
<!doctype html>
<html>
<head>
	<title>edgefuzz</title>
	<style>
		table { border-collapse: collapse; }
		td, th { border: 1px solid #ccc; padding: 2px 8px; text-align: left; }
		pre { background: #f4f4f4; padding: 8px; }
	</style>
</head>
<body>
<b>run {{.RunID}}</b>: {{.Global}}
<br><br>
<table>
	<caption>Stats</caption>
	{{range $s := $.Stats}}
	<tr>
		<td title="{{$s.Desc}}">{{$s.Name}}</td>
		<td>{{$s.Value}}</td>
	</tr>
	{{end}}
</table>
<br>
<table>
	<caption>Clients</caption>
	<tr>
		<th>ID</th>
		<th>Core</th>
		<th>Pid</th>
		<th>Executions</th>
		<th title="Calibration runs">Calibrate</th>
		<th title="Runs with comparison tracing">Trace</th>
		<th title="Input-to-state mutants">I2S</th>
		<th title="Havoc mutants">Power</th>
		<th>Corpus</th>
		<th title="Corpus inputs found by the client">Found</th>
		<th title="Corpus inputs imported from other clients">Imported</th>
		<th>Edges</th>
		<th>Unstable</th>
		<th>Last sync</th>
	</tr>
	{{range $c := $.Clients}}
	<tr>
		<td>{{$c.ID}}</td>
		<td>{{$c.Core}}</td>
		<td>{{$c.Pid}}</td>
		<td>{{$c.Execs}}</td>
		<td>{{$c.Calibrate}}</td>
		<td>{{$c.Trace}}</td>
		<td>{{$c.I2S}}</td>
		<td>{{$c.Power}}</td>
		<td>{{$c.Corpus}}</td>
		<td>{{$c.Found}}</td>
		<td>{{$c.Imported}}</td>
		<td>{{$c.Edges}}</td>
		<td>{{$c.Unstable}}</td>
		<td>{{$c.LastSync}}</td>
	</tr>
	{{end}}
</table>
<pre>{{.Log}}</pre>
</body>
</html>
`))
