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

// Package frontpanel drives the front-panel sense/actuation board. It
// is the authoritative source of the bench host's power state: the
// board streams POWER_LED_* and HDD_ACTIVE_* transitions, and the
// driver republishes power changes for the rest of the system.
//
// Power state fails closed: whenever the board is not connected the
// published state is "unknown", never a stale "on".
package frontpanel

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/benchrig/benchd/device"
	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/state"
)

// PowerState values published on power changes.
const (
	PowerOn      = "on"
	PowerOff     = "off"
	PowerUnknown = "unknown"
)

// Config tunes the driver.
type Config struct {
	// PowerChanged is invoked on every host power-state transition,
	// including the fail-closed transition to "unknown" on disconnect.
	PowerChanged func(powerState string)
	Device       device.Config
}

// Slice is the frontPanel state slice.
type Slice struct {
	device.SliceCore
	PowerState string `json:"powerState"`
	HDDActive  bool   `json:"hddActive"`
}

// Core implements device.Slice.
func (s *Slice) Core() *device.SliceCore { return &s.SliceCore }

// Driver owns the front-panel engine.
type Driver struct {
	cfg     Config
	engine  *device.Engine
	adapter *device.Adapter

	mu         sync.Mutex
	powerState string
	hddActive  bool
}

// New builds and starts the driver.
func New(store *state.Store, cfg Config) *Driver {
	if cfg.Device.Name == "" {
		cfg.Device.Name = "frontPanel"
	}
	if cfg.Device.Kind == "" {
		cfg.Device.Kind = "front-panel"
	}
	if cfg.Device.Token == "" {
		cfg.Device.Token = "FP"
	}
	d := &Driver{
		cfg:        cfg,
		powerState: PowerUnknown,
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

// PowerState returns the current host power state.
func (d *Driver) PowerState() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powerState
}

func (d *Driver) fillSlice(sl *Slice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sl.PowerState = d.powerState
	sl.HDDActive = d.hddActive
}

// HandleLine parses sense transitions from the board.
func (d *Driver) HandleLine(line string) {
	switch line {
	case "POWER_LED_ON":
		d.setPower(PowerOn)
	case "POWER_LED_OFF":
		d.setPower(PowerOff)
	case "HDD_ACTIVE_ON":
		d.setHDD(true)
	case "HDD_ACTIVE_OFF":
		d.setHDD(false)
	default:
		logger.Debugf("frontPanel: unrecognized line %q", line)
	}
}

// ConnectionDown fails the power state closed.
func (d *Driver) ConnectionDown(reason string) {
	d.setPower(PowerUnknown)
	d.setHDD(false)
}

func (d *Driver) setPower(powerState string) {
	d.mu.Lock()
	changed := d.powerState != powerState
	d.powerState = powerState
	d.mu.Unlock()
	if !changed {
		return
	}
	d.adapter.Update(func(sl device.Slice) { d.fillSlice(sl.(*Slice)) })
	logger.Noticef("frontPanel: host power %s", powerState)
	if d.cfg.PowerChanged != nil {
		d.cfg.PowerChanged(powerState)
	}
}

func (d *Driver) setHDD(active bool) {
	d.mu.Lock()
	changed := d.hddActive != active
	d.hddActive = active
	d.mu.Unlock()
	if changed {
		d.adapter.Update(func(sl device.Slice) { d.fillSlice(sl.(*Slice)) })
	}
}

// Do routes a front-panel command into the operation queue.
func (d *Driver) Do(kind, requestedBy string, payload json.RawMessage) error {
	switch kind {
	case "frontpanel.power.hold", "frontpanel.power.release",
		"frontpanel.reset.hold", "frontpanel.reset.release":
		return d.engine.Submit(device.NewOperation(kind, requestedBy, payload))
	}
	return fmt.Errorf("unknown frontpanel command %q", kind)
}

// Exec runs queued front-panel operations.
func (d *Driver) Exec(ctx *device.OpContext, op *device.Operation) error {
	switch op.Kind {
	case "frontpanel.power.hold":
		return ctx.WriteLine("POWER_HOLD")
	case "frontpanel.power.release":
		return ctx.WriteLine("POWER_RELEASE")
	case "frontpanel.reset.hold":
		return ctx.WriteLine("RESET_HOLD")
	case "frontpanel.reset.release":
		return ctx.WriteLine("RESET_RELEASE")
	}
	return fmt.Errorf("unknown frontpanel operation %q", op.Kind)
}
