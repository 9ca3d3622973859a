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

package logger

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/benchrig/benchd/osutil"
)

// Level is the severity of a hub entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{"debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelFatal {
		return fmt.Sprintf("level-%d", int(l))
	}
	return levelNames[l]
}

// ParseLevel maps a level name to its Level, defaulting to info for
// unknown names.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Entry is a single structured log line as shipped to dashboards and
// accepted from the capture sidecar.
type Entry struct {
	TS      float64 `json:"ts"`
	Level   string  `json:"level"`
	Channel string  `json:"channel"`
	Message string  `json:"message"`
}

// HubOptions tune entry retention and filtering.
type HubOptions struct {
	// Capacity bounds the retained history ring.
	Capacity int
	// SnapshotSize bounds how many trailing entries History returns.
	SnapshotSize int
	// Allowlist restricts accepted channels; empty admits all.
	Allowlist []string
	// MinLevel drops entries below the floor.
	MinLevel Level
	// Redact, when set, replaces every match in messages with "[redacted]".
	Redact *regexp.Regexp
}

// HubOptionsFromEnv builds options from the documented environment
// variables, falling back to defaults on unset or unparsable values.
func HubOptionsFromEnv() *HubOptions {
	opts := &HubOptions{
		Capacity:     int(osutil.GetenvInt64("CLIENT_LOGS_CAPACITY", 500)),
		SnapshotSize: int(osutil.GetenvInt64("CLIENT_LOGS_SNAPSHOT", 200)),
		Allowlist:    osutil.GetenvList("LOG_CHANNEL_ALLOWLIST"),
	}
	if lvl, err := ParseLevel(osutil.GetenvString("LOG_LEVEL_MIN", "debug")); err == nil {
		opts.MinLevel = lvl
	}
	if pat := osutil.GetenvString("LOG_REDACT_PATTERN", ""); pat != "" {
		if re, err := regexp.Compile(pat); err == nil {
			opts.Redact = re
		} else {
			Noticef("cannot compile LOG_REDACT_PATTERN: %v", err)
		}
	}
	return opts
}

// A Hub retains a bounded history of structured entries and fans live
// entries out to subscribers. Entries also reach the global Logger so
// that console output stays complete.
type Hub struct {
	mu      sync.Mutex
	opts    HubOptions
	allowed map[string]bool

	ring  []Entry
	start int

	subs    map[int]chan Entry
	nextSub int
}

// NewHub creates a hub with the given options; nil means
// HubOptionsFromEnv().
func NewHub(opts *HubOptions) *Hub {
	if opts == nil {
		opts = HubOptionsFromEnv()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 500
	}
	if opts.SnapshotSize <= 0 {
		opts.SnapshotSize = 200
	}
	h := &Hub{
		opts: *opts,
		subs: make(map[int]chan Entry),
	}
	if len(opts.Allowlist) > 0 {
		h.allowed = make(map[string]bool, len(opts.Allowlist))
		for _, ch := range opts.Allowlist {
			h.allowed[ch] = true
		}
	}
	return h
}

var timeNow = time.Now

// Logf records a formatted entry on the given channel.
func (h *Hub) Logf(level Level, channel, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	switch {
	case level >= LevelWarn:
		Noticef("[%s] %s", channel, msg)
	case level == LevelDebug:
		Debugf("[%s] %s", channel, msg)
	default:
		Noticef("[%s] %s", channel, msg)
	}
	h.Append(Entry{
		TS:      float64(timeNow().UnixNano()) / 1e6,
		Level:   level.String(),
		Channel: channel,
		Message: msg,
	})
}

// Debugf records a debug entry on the given channel.
func (h *Hub) Debugf(channel, format string, args ...interface{}) {
	h.Logf(LevelDebug, channel, format, args...)
}

// Infof records an info entry on the given channel.
func (h *Hub) Infof(channel, format string, args ...interface{}) {
	h.Logf(LevelInfo, channel, format, args...)
}

// Warnf records a warning entry on the given channel.
func (h *Hub) Warnf(channel, format string, args ...interface{}) {
	h.Logf(LevelWarn, channel, format, args...)
}

// Errorf records an error entry on the given channel.
func (h *Hub) Errorf(channel, format string, args ...interface{}) {
	h.Logf(LevelError, channel, format, args...)
}

// Append files a prebuilt entry, applying the channel allowlist, level
// floor and redaction. It reports whether the entry was accepted.
func (h *Hub) Append(e Entry) bool {
	lvl, err := ParseLevel(e.Level)
	if err != nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if lvl < h.opts.MinLevel {
		return false
	}
	if h.allowed != nil && !h.allowed[e.Channel] {
		return false
	}
	if h.opts.Redact != nil {
		e.Message = h.opts.Redact.ReplaceAllString(e.Message, "[redacted]")
	}

	if len(h.ring) < h.opts.Capacity {
		h.ring = append(h.ring, e)
	} else {
		h.ring[h.start] = e
		h.start = (h.start + 1) % len(h.ring)
	}

	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber, drop rather than block the hub
		}
	}
	return true
}

// History returns the trailing entries, oldest first, capped at
// SnapshotSize.
func (h *Hub) History() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.ring)
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, h.ring[(h.start+i)%n])
	}
	if len(out) > h.opts.SnapshotSize {
		out = out[len(out)-h.opts.SnapshotSize:]
	}
	return out
}

// Subscribe registers a live entry feed with the given buffer. The
// returned cancel must be called to release the subscription.
func (h *Hub) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Entry, buffer)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

// MockTime replaces the hub clock for tests.
func MockTime(f func() time.Time) (restore func()) {
	old := timeNow
	timeNow = f
	return func() {
		timeNow = old
	}
}
