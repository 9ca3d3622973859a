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

// Package printer captures the receipt printer's raw byte stream. The
// printer never speaks back, so the driver is byte-oriented with no
// identify handshake: a job is whatever arrives between two idle gaps
// on the wire, finalized early if the port goes away.
package printer

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"golang.org/x/text/encoding/charmap"

	"github.com/benchrig/benchd/device"
	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/osutil"
	"github.com/benchrig/benchd/state"
)

// Job is one captured print job. Raw marshals as base64.
type Job struct {
	ID          string `json:"id"`
	CreatedAt   int64  `json:"createdAt"`
	CompletedAt int64  `json:"completedAt"`
	Raw         []byte `json:"raw"`
	Preview     string `json:"preview"`
	Partial     bool   `json:"partial,omitempty"`
}

// Config tunes the driver.
type Config struct {
	// IdleFlush is the silent-wire gap that ends a job.
	IdleFlush time.Duration
	// PreviewColumns is the paper width used when rendering previews.
	PreviewColumns int
	// HistoryLimit caps retained jobs; SERIAL_PRINTER_HISTORY_LIMIT
	// overrides it.
	HistoryLimit int
	Device       device.Config
}

// Slice is the serialPrinter state slice.
type Slice struct {
	device.SliceCore
	Jobs            []Job `json:"jobs"`
	JobsCaptured    int64 `json:"jobsCaptured"`
	CurrentJobBytes int   `json:"currentJobBytes"`
}

// Core implements device.Slice.
func (s *Slice) Core() *device.SliceCore { return &s.SliceCore }

// Driver owns the printer capture engine.
type Driver struct {
	cfg     Config
	engine  *device.Engine
	adapter *device.Adapter

	mu        sync.Mutex
	buf       []byte
	startedAt int64
	idle      *time.Timer
	jobs      []Job
	captured  int64
}

// New builds and starts the driver.
func New(store *state.Store, cfg Config) *Driver {
	if cfg.IdleFlush <= 0 {
		cfg.IdleFlush = 800 * time.Millisecond
	}
	if cfg.PreviewColumns <= 0 {
		cfg.PreviewColumns = 42
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if limit := osutil.GetenvInt64("SERIAL_PRINTER_HISTORY_LIMIT"); limit > 0 {
		cfg.HistoryLimit = int(limit)
	}
	if cfg.Device.Name == "" {
		cfg.Device.Name = "serialPrinter"
	}
	if cfg.Device.Kind == "" {
		cfg.Device.Kind = "serial-printer"
	}
	// byte-oriented: no identify token, static matching only
	cfg.Device.Token = ""
	d := &Driver{cfg: cfg}
	d.adapter = device.NewAdapter(store, cfg.Device.Name, &Slice{}, cfg.Device.HistoryLimit, func(ev device.Event, sl device.Slice) {
		d.fillSlice(sl.(*Slice))
	})
	d.engine = device.NewEngine(cfg.Device, d, d.adapter.Handle)
	d.engine.Start()
	return d
}

// Engine exposes the underlying engine for attach/detach wiring.
func (d *Driver) Engine() *device.Engine { return d.engine }

// Stop terminates the driver, finalizing any partial job.
func (d *Driver) Stop() error {
	err := d.engine.Stop()
	d.flush(true)
	return err
}

// Jobs returns the captured job history, newest last.
func (d *Driver) Jobs() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Job(nil), d.jobs...)
}

func (d *Driver) fillSlice(sl *Slice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sl.Jobs = append([]Job(nil), d.jobs...)
	sl.JobsCaptured = d.captured
	sl.CurrentJobBytes = len(d.buf)
}

// HandleBytes accumulates one wire chunk and re-arms the idle flush.
func (d *Driver) HandleBytes(chunk []byte) {
	d.mu.Lock()
	if len(d.buf) == 0 {
		d.startedAt = time.Now().UnixMilli()
	}
	d.buf = append(d.buf, chunk...)
	if d.idle != nil {
		d.idle.Stop()
	}
	d.idle = time.AfterFunc(d.cfg.IdleFlush, func() { d.flush(false) })
	d.mu.Unlock()

	d.adapter.Update(func(sl device.Slice) { d.fillSlice(sl.(*Slice)) })
}

// ConnectionDown finalizes the partial job; the paper came out of the
// printer even if we lost the tail.
func (d *Driver) ConnectionDown(reason string) {
	d.flush(true)
}

func (d *Driver) flush(partial bool) {
	d.mu.Lock()
	if d.idle != nil {
		d.idle.Stop()
		d.idle = nil
	}
	if len(d.buf) == 0 {
		d.mu.Unlock()
		return
	}
	job := Job{
		ID:          uuid.NewString(),
		CreatedAt:   d.startedAt,
		CompletedAt: time.Now().UnixMilli(),
		Raw:         d.buf,
		Preview:     renderPreview(d.buf, d.cfg.PreviewColumns),
		Partial:     partial,
	}
	d.buf = nil
	d.jobs = append(d.jobs, job)
	if len(d.jobs) > d.cfg.HistoryLimit {
		d.jobs = d.jobs[len(d.jobs)-d.cfg.HistoryLimit:]
	}
	d.captured++
	d.mu.Unlock()

	logger.Noticef("serialPrinter: captured job %s (%d bytes, partial=%v)", job.ID, len(job.Raw), partial)
	d.adapter.Update(func(sl device.Slice) { d.fillSlice(sl.(*Slice)) })
}

// renderPreview decodes the CP437 byte stream into display text,
// wrapping at the paper width. ESC/POS escape sequences are dropped;
// only the printable payload matters for the dashboard.
func renderPreview(raw []byte, columns int) string {
	dec := charmap.CodePage437

	var out strings.Builder
	col := 0
	newline := func() {
		out.WriteByte('\n')
		col = 0
	}
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		switch {
		case b == '\n':
			newline()
			continue
		case b == '\r':
			continue
		case b == 0x1b || b == 0x1d: // ESC / GS: skip the command byte
			if i+1 < len(raw) {
				i++
			}
			continue
		case b < 0x20:
			continue
		}
		r := dec.DecodeByte(b)
		w := runewidth.RuneWidth(r)
		if w == 0 {
			continue
		}
		if col+w > columns {
			newline()
		}
		out.WriteRune(r)
		col += w
	}
	return out.String()
}

// Do rejects commands; the printer is capture-only.
func (d *Driver) Do(kind, requestedBy string, payload json.RawMessage) error {
	return fmt.Errorf("unknown printer command %q", kind)
}

// Exec never runs; nothing is ever queued.
func (d *Driver) Exec(ctx *device.OpContext, op *device.Operation) error {
	return fmt.Errorf("unknown printer operation %q", op.Kind)
}
