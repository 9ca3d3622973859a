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

package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/ratelimit"

	"github.com/benchrig/benchd/config"
	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/metrics"
	"github.com/benchrig/benchd/state"
)

// sidecarSlice is the sidecar state slice.
type sidecarSlice struct {
	Reachable     bool  `json:"reachable"`
	LastSeenAt    int64 `json:"lastSeenAt"`
	IngestCount   int64 `json:"ingestCount"`
	StreamClients int   `json:"streamClients"`
}

// sidecarTracker maintains the sidecar slice from ingest and stream
// traffic; without traffic for the stale window the sidecar is
// reported unreachable.
type sidecarTracker struct {
	store *state.Store
	stale time.Duration

	mu    sync.Mutex
	slice sidecarSlice
	stop  chan struct{}
	once  sync.Once
}

func newSidecarTracker(store *state.Store, cfg config.Sidecar) *sidecarTracker {
	stale := cfg.Stale
	if stale <= 0 {
		stale = 10 * time.Second
	}
	return &sidecarTracker{
		store: store,
		stale: stale,
		stop:  make(chan struct{}),
	}
}

func (t *sidecarTracker) start() {
	t.commit()
	go func() {
		ticker := time.NewTicker(t.stale / 2)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				t.mu.Lock()
				seen := t.slice.LastSeenAt
				reachable := t.slice.Reachable
				t.mu.Unlock()
				if reachable && time.Now().UnixMilli()-seen > t.stale.Milliseconds() {
					t.mu.Lock()
					t.slice.Reachable = false
					t.mu.Unlock()
					logger.Noticef("sidecar: no traffic for %v, marking unreachable", t.stale)
					t.commit()
				}
			}
		}
	}()
}

func (t *sidecarTracker) stopTracking() {
	t.once.Do(func() { close(t.stop) })
}

// touch records sidecar traffic.
func (t *sidecarTracker) touch(ingest bool) {
	t.mu.Lock()
	t.slice.Reachable = true
	t.slice.LastSeenAt = time.Now().UnixMilli()
	if ingest {
		t.slice.IngestCount++
	}
	t.mu.Unlock()
	t.commit()
}

func (t *sidecarTracker) streamDelta(delta int) {
	t.mu.Lock()
	t.slice.StreamClients += delta
	t.mu.Unlock()
	t.commit()
}

func (t *sidecarTracker) commit() {
	t.mu.Lock()
	slice := t.slice
	t.mu.Unlock()
	if _, err := t.store.Set("sidecar", slice); err != nil {
		logger.Noticef("sidecar: cannot update slice: %v", err)
	}
}

// ingestHandler accepts structured log frames from the capture
// sidecar, behind a bearer token and a token bucket.
type ingestHandler struct {
	token   string
	bucket  *ratelimit.Bucket
	hub     *logger.Hub
	tracker *sidecarTracker
}

func newIngestHandler(cfg config.Server, hub *logger.Hub, tracker *sidecarTracker) *ingestHandler {
	rate := cfg.IngestRate
	if rate <= 0 {
		rate = 50
	}
	burst := cfg.IngestBurst
	if burst <= 0 {
		burst = 100
	}
	return &ingestHandler{
		token:   cfg.LogsIngestToken,
		bucket:  ratelimit.NewBucketWithRate(rate, burst),
		hub:     hub,
		tracker: tracker,
	}
}

func (h *ingestHandler) handle(r *http.Request) Response {
	if h.token != "" {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+h.token {
			return Unauthorized("cannot ingest logs: invalid token")
		}
	}
	if h.bucket.TakeAvailable(1) == 0 {
		metrics.IngestLimited.Inc()
		return TooManyRequests("cannot ingest logs: rate limited")
	}

	var frame logger.Entry
	decoder := json.NewDecoder(io.LimitReader(r.Body, 64*1024))
	if err := decoder.Decode(&frame); err != nil {
		return BadRequest("cannot decode log frame: %v", err)
	}
	if frame.Message == "" {
		return BadRequest("cannot ingest empty log frame")
	}
	if frame.Channel == "" {
		frame.Channel = "sidecar"
	}
	if frame.Level == "" {
		frame.Level = "info"
	}
	if frame.TS == 0 {
		frame.TS = float64(time.Now().UnixNano()) / 1e6
	}

	accepted := h.hub.Append(frame)
	metrics.IngestAccepted.Inc()
	h.tracker.touch(true)
	return SyncResponse(map[string]interface{}{"accepted": accepted})
}

// hop-by-hop headers per RFC 7230 section 6.1, never forwarded by the
// sidecar proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var sidecarHTTPClient = &http.Client{
	// no overall timeout: the MJPEG stream is long-lived
	Transport: &http.Transport{
		ResponseHeaderTimeout: 10 * time.Second,
	},
}

// streamSidecar reverse-proxies the sidecar's MJPEG stream.
func (d *Daemon) streamSidecar(w http.ResponseWriter, r *http.Request) {
	url := fmt.Sprintf("http://%s:%d/stream", d.opts.Sidecar.Host, d.opts.Sidecar.Port)
	req, err := http.NewRequestWithContext(r.Context(), "GET", url, nil)
	if err != nil {
		InternalError("cannot build sidecar request: %v", err).ServeHTTP(w, r)
		return
	}
	resp, err := sidecarHTTPClient.Do(req)
	if err != nil {
		BadGateway("cannot reach sidecar: %v", err).ServeHTTP(w, r)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	d.sidecar.touch(false)
	d.sidecar.streamDelta(1)
	defer d.sidecar.streamDelta(-1)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
