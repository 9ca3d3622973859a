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

// Package atlona drives the video-switch controller board. Each switch
// input is held or released individually; the driver tracks which
// inputs are held so the dashboard can render the routing matrix.
package atlona

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/benchrig/benchd/device"
	"github.com/benchrig/benchd/osutil"
	"github.com/benchrig/benchd/state"
)

// Config tunes the driver.
type Config struct {
	Device device.Config
}

// Slice is the atlonaController state slice.
type Slice struct {
	device.SliceCore
	HeldSwitches []int `json:"heldSwitches"`
}

// Core implements device.Slice.
func (s *Slice) Core() *device.SliceCore { return &s.SliceCore }

// Driver owns the video-switch engine.
type Driver struct {
	engine  *device.Engine
	adapter *device.Adapter

	mu     sync.Mutex
	isHeld map[int]bool
}

// New builds and starts the driver. The reconnect backoff can be tuned
// per deployment through ATLONA_RECONNECT_BASE_MS,
// ATLONA_RECONNECT_MAX_MS and ATLONA_RECONNECT_MAX_ATTEMPTS; the
// controller board is notoriously slow to re-enumerate after a bench
// power cycle.
func New(store *state.Store, cfg Config) *Driver {
	if cfg.Device.Name == "" {
		cfg.Device.Name = "atlonaController"
	}
	if cfg.Device.Kind == "" {
		cfg.Device.Kind = "atlona"
	}
	if cfg.Device.Token == "" {
		cfg.Device.Token = "AC"
	}
	cfg.Device.Backoff.Base = osutil.GetenvMillis("ATLONA_RECONNECT_BASE_MS", cfg.Device.Backoff.Base)
	cfg.Device.Backoff.Max = osutil.GetenvMillis("ATLONA_RECONNECT_MAX_MS", cfg.Device.Backoff.Max)
	if attempts := osutil.GetenvInt64("ATLONA_RECONNECT_MAX_ATTEMPTS"); attempts > 0 {
		cfg.Device.Backoff.MaxAttempts = int(attempts)
	}
	d := &Driver{
		isHeld: make(map[int]bool),
	}
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

// Held reports whether the given switch input is held.
func (d *Driver) Held(sw int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isHeld[sw]
}

func (d *Driver) fillSlice(sl *Slice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	held := make([]int, 0, len(d.isHeld))
	for sw, on := range d.isHeld {
		if on {
			held = append(held, sw)
		}
	}
	sort.Ints(held)
	sl.HeldSwitches = held
}

// ConnectionDown clears held tracking; the board releases all inputs
// when it resets.
func (d *Driver) ConnectionDown(reason string) {
	d.mu.Lock()
	d.isHeld = make(map[int]bool)
	d.mu.Unlock()
}

// Do routes a switch command into the operation queue.
func (d *Driver) Do(kind, requestedBy string, payload json.RawMessage) error {
	switch kind {
	case "atlona.hold", "atlona.release":
		return d.engine.Submit(device.NewOperation(kind, requestedBy, payload))
	}
	return fmt.Errorf("unknown atlona command %q", kind)
}

// Exec runs queued switch operations.
func (d *Driver) Exec(ctx *device.OpContext, op *device.Operation) error {
	var p struct {
		Switch int `json:"switch"`
	}
	if err := op.UnmarshalPayload(&p); err != nil {
		return fmt.Errorf("cannot parse switch payload: %v", err)
	}
	if p.Switch <= 0 {
		return fmt.Errorf("cannot %s: switch number must be positive", op.Kind)
	}
	switch op.Kind {
	case "atlona.hold":
		if err := ctx.WriteLine(fmt.Sprintf("hold %d", p.Switch)); err != nil {
			return err
		}
		d.setHeld(p.Switch, true)
		return nil
	case "atlona.release":
		if err := ctx.WriteLine(fmt.Sprintf("release %d", p.Switch)); err != nil {
			return err
		}
		d.setHeld(p.Switch, false)
		return nil
	}
	return fmt.Errorf("unknown atlona operation %q", op.Kind)
}

func (d *Driver) setHeld(sw int, held bool) {
	d.mu.Lock()
	d.isHeld[sw] = held
	d.mu.Unlock()
	d.adapter.Update(func(sl device.Slice) { d.fillSlice(sl.(*Slice)) })
}
