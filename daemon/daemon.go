// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 Benchrig Systems
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package daemon exposes benchd over HTTP: the WebSocket state/log
// fan-out, the JSON state snapshot, the sidecar log-ingest and MJPEG
// proxy endpoints, and prometheus metrics.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/activation"
	"github.com/gorilla/mux"
	"gopkg.in/tomb.v2"

	"github.com/benchrig/benchd/config"
	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/metrics"
	"github.com/benchrig/benchd/sheets"
	"github.com/benchrig/benchd/state"
)

// DeviceCommander routes "<device>.command" frames to drivers.
type DeviceCommander interface {
	// Command dispatches kind with payload to the named device slice's
	// driver. Unknown devices or kinds return an error.
	Command(device, kind, requestedBy string, payload json.RawMessage) error
}

// ResultPublisher accepts benchmark result rows for publication.
type ResultPublisher interface {
	PublishResult(source string, payload json.RawMessage) error
}

// Options wires the daemon to the rest of the system.
type Options struct {
	Server    config.Server
	Sidecar   config.Sidecar
	Store     *state.Store
	Hub       *logger.Hub
	Commander DeviceCommander
	Results   ResultPublisher
	Sheets    *sheets.Host
}

// A Daemon listens for requests and routes them to the right places.
type Daemon struct {
	opts    Options
	router  *mux.Router
	ws      *wsHub
	sidecar *sidecarTracker
	ingest  *ingestHandler

	tomb     tomb.Tomb
	listener net.Listener
	server   *http.Server
}

// ResponseFunc handles one verb of one Command.
type ResponseFunc func(c *Command, r *http.Request) Response

// A Command routes a request to an individual per-verb function.
type Command struct {
	Path string

	GET  ResponseFunc
	POST ResponseFunc

	d *Daemon
}

func (c *Command) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var rspf ResponseFunc
	switch r.Method {
	case "GET":
		rspf = c.GET
	case "POST":
		rspf = c.POST
	}
	if rspf == nil {
		MethodNotAllowed("method %q not allowed", r.Method).ServeHTTP(w, r)
		return
	}
	rspf(c, r).ServeHTTP(w, r)
}

// New assembles the daemon.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("cannot build daemon without a state store")
	}
	if opts.Hub == nil {
		opts.Hub = logger.NewHub(nil)
	}
	d := &Daemon{opts: opts}
	d.sidecar = newSidecarTracker(opts.Store, opts.Sidecar)
	d.ingest = newIngestHandler(opts.Server, opts.Hub, d.sidecar)
	d.ws = newWSHub(opts.Server, opts.Store, opts.Hub, opts.Commander)
	d.addRoutes()
	return d, nil
}

func (d *Daemon) addRoutes() {
	d.router = mux.NewRouter()
	for _, c := range commands {
		c.d = d
		d.router.Handle(c.Path, c).Name(c.Path)
	}
	d.router.HandleFunc("/ws", d.ws.serve)
	// compatibility alias for clients that expect everything under /api
	d.router.HandleFunc("/api/ws", d.ws.serve)
	d.router.HandleFunc("/api/sidecar/stream", d.streamSidecar)
	d.router.Handle("/metrics", metrics.Handler())
	d.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		NotFound("no such endpoint").ServeHTTP(w, r)
	})
}

// Start begins listening; a systemd-activated socket takes precedence
// over the configured address.
func (d *Daemon) Start() error {
	listeners, err := activation.Listeners()
	if err == nil && len(listeners) > 0 && listeners[0] != nil {
		d.listener = listeners[0]
		logger.Noticef("daemon: using systemd-activated socket")
	} else {
		addr := d.opts.Server.Addr
		if addr == "" {
			addr = ":9180"
		}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("cannot listen on %s: %v", addr, err)
		}
		d.listener = l
	}

	d.server = &http.Server{Handler: d.router}
	d.ws.start()
	d.sidecar.start()
	d.tomb.Go(func() error {
		err := d.server.Serve(d.listener)
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	logger.Noticef("daemon: listening on %s", d.listener.Addr())
	return nil
}

// Addr returns the bound listen address.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Stop gracefully shuts the daemon down: stop accepting, close all
// WebSocket clients, drain in-flight requests.
func (d *Daemon) Stop(ctx context.Context) error {
	if d.server == nil {
		return nil
	}
	d.ws.shutdown()
	d.sidecar.stopTracking()
	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	err := d.server.Shutdown(shutdownCtx)
	d.tomb.Kill(nil)
	if werr := d.tomb.Wait(); err == nil {
		err = werr
	}
	return err
}

var commands = []*Command{
	stateCmd,
	logsIngestCmd,
	resultsCmd,
	sheetsHealthCmd,
}

var stateCmd = &Command{
	Path: "/api/state",
	GET:  getState,
}

var logsIngestCmd = &Command{
	Path: "/api/logs/ingest",
	POST: postLogsIngest,
}

var resultsCmd = &Command{
	Path: "/api/results",
	POST: postResults,
}

var sheetsHealthCmd = &Command{
	Path: "/api/sheets/health",
	GET:  getSheetsHealth,
}

type stateResult struct {
	Version uint64          `json:"version"`
	State   json.RawMessage `json:"state"`
}

func getState(c *Command, r *http.Request) Response {
	version, doc := c.d.opts.Store.Current()
	return SyncResponse(&stateResult{
		Version: version,
		State:   doc,
	})
}

func postLogsIngest(c *Command, r *http.Request) Response {
	return c.d.ingest.handle(r)
}

func postResults(c *Command, r *http.Request) Response {
	if c.d.opts.Results == nil {
		return NotFound("result publishing is not configured")
	}
	var payload json.RawMessage
	decoder := json.NewDecoder(io.LimitReader(r.Body, 256*1024))
	if err := decoder.Decode(&payload); err != nil {
		return BadRequest("cannot decode result payload: %v", err)
	}
	source := r.Header.Get("X-Benchd-Source")
	if source == "" {
		source = "api"
	}
	if err := c.d.opts.Results.PublishResult(source, payload); err != nil {
		return BadRequest("cannot publish result: %v", err)
	}
	return SyncResponse(map[string]interface{}{"published": true})
}

func getSheetsHealth(c *Command, r *http.Request) Response {
	if c.d.opts.Sheets == nil {
		return NotFound("sheets host is not configured")
	}
	return SyncResponse(c.d.opts.Sheets.HealthySnapshot())
}
