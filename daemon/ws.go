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
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/benchrig/benchd/config"
	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/metrics"
	"github.com/benchrig/benchd/state"
	"github.com/benchrig/benchd/strutil"
)

// outbound frame types
const (
	frameWelcome  = "welcome"
	frameSnapshot = "state.snapshot"
	framePatch    = "state.patch"
	frameLogsHist = "logs.history"
	frameLogsApp  = "logs.append"
	framePong     = "pong"
	frameAck      = "ack"
)

type wsFrame struct {
	Type string `json:"type"`

	// welcome
	ClientID            string `json:"clientId,omitempty"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs,omitempty"`
	HeartbeatTimeoutMs  int64  `json:"heartbeatTimeoutMs,omitempty"`

	// state frames
	Version     uint64          `json:"version,omitempty"`
	FromVersion uint64          `json:"fromVersion,omitempty"`
	ToVersion   uint64          `json:"toVersion,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
	Patch       json.RawMessage `json:"patch,omitempty"`

	// log frames
	Entries []logger.Entry `json:"entries,omitempty"`
	Entry   *logger.Entry  `json:"entry,omitempty"`

	// pong/ack
	TS float64 `json:"ts,omitempty"`
	ID string  `json:"id,omitempty"`
	OK *bool   `json:"ok,omitempty"`
}

type inboundFrame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type commandPayload struct {
	Kind        string          `json:"kind"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// wsClient is one dashboard connection. Frames are queued on send; a
// full queue or a failed write drops the socket.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan *wsFrame
	done chan struct{}
	once sync.Once
	hub  *wsHub
}

func (c *wsClient) enqueue(f *wsFrame) {
	select {
	case <-c.done:
		return
	case c.send <- f:
	default:
		logger.Debugf("ws: client %s send queue full, dropping connection", c.id)
		c.hub.drop(c)
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// wsHub fans state commits and log entries out to every connected
// dashboard.
type wsHub struct {
	cfg       config.Server
	store     *state.Store
	logHub    *logger.Hub
	commander DeviceCommander

	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[string]*wsClient
	closed   bool
	stopPump chan struct{}

	cancelStore func()
	cancelLogs  func()
}

func newWSHub(cfg config.Server, store *state.Store, logHub *logger.Hub, commander DeviceCommander) *wsHub {
	return &wsHub{
		cfg:       cfg,
		store:     store,
		logHub:    logHub,
		commander: commander,
		clients:   make(map[string]*wsClient),
		stopPump:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			// dashboards connect from anywhere on the bench LAN
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// start registers the state and log subscriptions and the snapshot
// heartbeat.
func (h *wsHub) start() {
	h.cancelStore = h.store.Subscribe(func(commit state.Commit) {
		h.broadcast(&wsFrame{
			Type:        framePatch,
			FromVersion: commit.FromVersion,
			ToVersion:   commit.ToVersion,
			Patch:       commit.Patch,
		})
		h.broadcast(&wsFrame{
			Type:    frameSnapshot,
			Version: commit.ToVersion,
			State:   commit.Snapshot,
		})
	})

	logCh, cancelLogs := h.logHub.Subscribe(256)
	h.cancelLogs = cancelLogs
	go func() {
		for entry := range logCh {
			entry := entry
			h.broadcast(&wsFrame{Type: frameLogsApp, Entry: &entry})
		}
	}()

	// dashboards with no traffic still get a snapshot every second
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopPump:
				return
			case <-ticker.C:
				version, doc := h.store.Current()
				h.broadcast(&wsFrame{
					Type:    frameSnapshot,
					Version: version,
					State:   doc,
				})
			}
		}
	}()
}

func (h *wsHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugf("ws: cannot upgrade: %v", err)
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan *wsFrame, 64),
		done: make(chan struct{}),
		hub:  h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client.id] = client
	h.mu.Unlock()
	metrics.WSClients.Inc()
	logger.Debugf("ws: client %s connected", client.id)

	go h.writer(client)
	go h.reader(client)

	client.enqueue(&wsFrame{
		Type:                frameWelcome,
		ClientID:            client.id,
		HeartbeatIntervalMs: h.cfg.WSHeartbeatInterval.Milliseconds(),
		HeartbeatTimeoutMs:  h.cfg.WSHeartbeatTimeout.Milliseconds(),
	})
	version, doc := h.store.Current()
	client.enqueue(&wsFrame{
		Type:    frameSnapshot,
		Version: version,
		State:   doc,
	})
	client.enqueue(&wsFrame{Type: frameLogsHist, Entries: h.logHub.History()})
}

func (h *wsHub) writer(c *wsClient) {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			if err := c.conn.WriteJSON(f); err != nil {
				logger.Debugf("ws: client %s write failed: %v", c.id, err)
				h.drop(c)
				return
			}
			metrics.WSFramesSent.WithLabelValues(f.Type).Inc()
		}
	}
}

func (h *wsHub) reader(c *wsClient) {
	defer h.drop(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			// malformed JSON is ignored, the socket stays open
			continue
		}
		h.handle(c, &f)
	}
}

func (h *wsHub) handle(c *wsClient, f *inboundFrame) {
	switch {
	case f.Type == "hello", f.Type == "subscribe":
		ok := true
		c.enqueue(&wsFrame{Type: frameAck, ID: f.ID, OK: &ok})
	case f.Type == "ping":
		c.enqueue(&wsFrame{Type: framePong, TS: float64(time.Now().UnixNano()) / 1e6})
	case strings.HasSuffix(f.Type, ".command"):
		device := strings.TrimSuffix(f.Type, ".command")
		var p commandPayload
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				logger.Noticef("ws: client %s sent malformed %s payload: %v", c.id, f.Type, err)
				return
			}
		}
		if p.RequestedBy == "" {
			p.RequestedBy = f.RequestedBy
		}
		ok := true
		if h.commander == nil {
			ok = false
		} else if err := h.commander.Command(device, p.Kind, p.RequestedBy, p.Payload); err != nil {
			// unknown commands warn but never close the socket
			logger.Noticef("ws: client %s command failed: %v", c.id, err)
			ok = false
		}
		c.enqueue(&wsFrame{Type: frameAck, ID: f.ID, OK: &ok})
	default:
		logger.Noticef("ws: client %s sent unknown frame type %q", c.id, strutil.ElliptRight(f.Type, 64))
	}
}

// broadcast queues one frame on every client.
func (h *wsHub) broadcast(f *wsFrame) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.enqueue(f)
	}
}

// drop removes the client and closes its writer.
func (h *wsHub) drop(c *wsClient) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if present {
		metrics.WSClients.Dec()
		logger.Debugf("ws: client %s disconnected", c.id)
	}
	c.close()
}

// shutdown terminates every socket and unregisters the subscriptions.
func (h *wsHub) shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()

	close(h.stopPump)
	if h.cancelStore != nil {
		h.cancelStore()
	}
	if h.cancelLogs != nil {
		h.cancelLogs()
	}
	for _, c := range clients {
		metrics.WSClients.Dec()
		c.close()
	}
}
