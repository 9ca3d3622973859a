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

// Package powermeter drives the bench power meter. The firmware
// streams readings as "W <watts> V <volts> A <amps>" lines at a
// configurable interval; each reading lands in the powerMeter slice
// and is handed to the configured publisher for bus fan-out.
package powermeter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benchrig/benchd/device"
	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/state"
)

// Reading is one meter sample.
type Reading struct {
	Watts float64 `json:"watts"`
	Volts float64 `json:"volts"`
	Amps  float64 `json:"amps"`
	At    int64   `json:"at"`
}

// Config tunes the driver.
type Config struct {
	// ReadingPublished receives every parsed sample (bus fan-out).
	ReadingPublished func(r Reading)
	Device           device.Config
}

// Slice is the powerMeter state slice.
type Slice struct {
	device.SliceCore
	Watts         float64 `json:"watts"`
	Volts         float64 `json:"volts"`
	Amps          float64 `json:"amps"`
	Samples       int64   `json:"samples"`
	LastReadingAt int64   `json:"lastReadingAt"`
}

// Core implements device.Slice.
func (s *Slice) Core() *device.SliceCore { return &s.SliceCore }

// Driver owns the power-meter engine.
type Driver struct {
	cfg     Config
	engine  *device.Engine
	adapter *device.Adapter

	mu      sync.Mutex
	last    Reading
	samples int64
}

// New builds and starts the driver.
func New(store *state.Store, cfg Config) *Driver {
	if cfg.Device.Name == "" {
		cfg.Device.Name = "powerMeter"
	}
	if cfg.Device.Kind == "" {
		cfg.Device.Kind = "power-meter"
	}
	if cfg.Device.Token == "" {
		cfg.Device.Token = "PM"
	}
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

// Stop terminates the driver.
func (d *Driver) Stop() error {
	return d.engine.Stop()
}

// Last returns the most recent sample and the total sample count.
func (d *Driver) Last() (Reading, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.samples
}

func (d *Driver) fillSlice(sl *Slice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sl.Watts = d.last.Watts
	sl.Volts = d.last.Volts
	sl.Amps = d.last.Amps
	sl.Samples = d.samples
	sl.LastReadingAt = d.last.At
}

// HandleLine parses one reading line. Anything that does not scan as a
// reading is logged and dropped; the meter also emits calibration
// chatter at boot.
func (d *Driver) HandleLine(line string) {
	r, ok := parseReading(line)
	if !ok {
		logger.Debugf("powerMeter: unrecognized line %q", line)
		return
	}
	r.At = time.Now().UnixMilli()

	d.mu.Lock()
	d.last = r
	d.samples++
	d.mu.Unlock()

	d.adapter.Update(func(sl device.Slice) { d.fillSlice(sl.(*Slice)) })
	if d.cfg.ReadingPublished != nil {
		d.cfg.ReadingPublished(r)
	}
}

func parseReading(line string) (Reading, bool) {
	fields := strings.Fields(line)
	if len(fields) != 6 || fields[0] != "W" || fields[2] != "V" || fields[4] != "A" {
		return Reading{}, false
	}
	var r Reading
	var err error
	if r.Watts, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return Reading{}, false
	}
	if r.Volts, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return Reading{}, false
	}
	if r.Amps, err = strconv.ParseFloat(fields[5], 64); err != nil {
		return Reading{}, false
	}
	return r, true
}

// Do routes a meter command into the operation queue.
func (d *Driver) Do(kind, requestedBy string, payload json.RawMessage) error {
	switch kind {
	case "powermeter.interval", "powermeter.tare":
		return d.engine.Submit(device.NewOperation(kind, requestedBy, payload))
	}
	return fmt.Errorf("unknown powermeter command %q", kind)
}

// Exec runs queued meter operations.
func (d *Driver) Exec(ctx *device.OpContext, op *device.Operation) error {
	switch op.Kind {
	case "powermeter.interval":
		var p struct {
			Ms int `json:"ms"`
		}
		if err := op.UnmarshalPayload(&p); err != nil {
			return fmt.Errorf("cannot parse interval payload: %v", err)
		}
		if p.Ms <= 0 {
			return fmt.Errorf("cannot set interval: ms must be positive")
		}
		return ctx.WriteLine(fmt.Sprintf("SET_INTERVAL %d", p.Ms))
	case "powermeter.tare":
		return ctx.WriteLine("TARE")
	}
	return fmt.Errorf("unknown powermeter operation %q", op.Kind)
}
