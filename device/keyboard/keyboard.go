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

// Package keyboard drives the PS/2 keyboard injector: typed text is a
// single cancellable operation emitting per-character KEY lines, with
// tap/hold/release for discrete keys.
package keyboard

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benchrig/benchd/device"
	"github.com/benchrig/benchd/state"
)

// Config tunes the driver.
type Config struct {
	// InterKeyDelay is the default pause between typed characters.
	InterKeyDelay time.Duration
	Device        device.Config
}

// Slice is the ps2Keyboard state slice.
type Slice struct {
	device.SliceCore
	KeysDown   []string `json:"keysDown"`
	TypedChars int      `json:"typedChars"`
}

// Core implements device.Slice.
func (s *Slice) Core() *device.SliceCore { return &s.SliceCore }

// Driver owns the keyboard injector engine.
type Driver struct {
	cfg     Config
	engine  *device.Engine
	adapter *device.Adapter

	mu         sync.Mutex
	keysDown   map[string]bool
	typedChars int
}

// New builds and starts the driver.
func New(store *state.Store, cfg Config) *Driver {
	if cfg.InterKeyDelay <= 0 {
		cfg.InterKeyDelay = 30 * time.Millisecond
	}
	if cfg.Device.Name == "" {
		cfg.Device.Name = "ps2Keyboard"
	}
	if cfg.Device.Kind == "" {
		cfg.Device.Kind = "ps2-keyboard"
	}
	if cfg.Device.Token == "" {
		cfg.Device.Token = "KB"
	}
	d := &Driver{
		cfg:      cfg,
		keysDown: make(map[string]bool),
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

func (d *Driver) fillSlice(sl *Slice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.keysDown))
	for key, down := range d.keysDown {
		if down {
			keys = append(keys, key)
		}
	}
	sl.KeysDown = keys
	sl.TypedChars = d.typedChars
}

// ConnectionDown resets held-key tracking; the firmware releases
// everything on reset anyway.
func (d *Driver) ConnectionDown(reason string) {
	d.mu.Lock()
	d.keysDown = make(map[string]bool)
	d.mu.Unlock()
}

// HostPowerChanged gates the driver while the bench host is off.
func (d *Driver) HostPowerChanged(powerState string) {
	if powerState == "on" {
		d.engine.Ungate()
		return
	}
	d.engine.Gate("host-power-off")
}

// Do routes a keyboard command into the operation queue.
func (d *Driver) Do(kind, requestedBy string, payload json.RawMessage) error {
	switch kind {
	case "keyboard.type", "keyboard.tap", "keyboard.hold", "keyboard.release":
		return d.engine.Submit(device.NewOperation(kind, requestedBy, payload))
	}
	return fmt.Errorf("unknown keyboard command %q", kind)
}

// Exec runs queued keyboard operations.
func (d *Driver) Exec(ctx *device.OpContext, op *device.Operation) error {
	switch op.Kind {
	case "keyboard.type":
		var p struct {
			Text            string `json:"text"`
			InterKeyDelayMs int    `json:"interKeyDelayMs"`
		}
		if err := op.UnmarshalPayload(&p); err != nil {
			return fmt.Errorf("cannot parse type payload: %v", err)
		}
		delay := d.cfg.InterKeyDelay
		if p.InterKeyDelayMs > 0 {
			delay = time.Duration(p.InterKeyDelayMs) * time.Millisecond
		}
		for _, r := range p.Text {
			if err := ctx.WriteLine(fmt.Sprintf("KEY %c", r)); err != nil {
				return err
			}
			d.mu.Lock()
			d.typedChars++
			d.mu.Unlock()
			if err := ctx.Sleep(delay); err != nil {
				return err
			}
		}
		return nil
	case "keyboard.tap":
		key, err := keyOf(op)
		if err != nil {
			return err
		}
		return ctx.WriteLine("TAP " + key)
	case "keyboard.hold":
		key, err := keyOf(op)
		if err != nil {
			return err
		}
		if err := ctx.WriteLine("HOLD " + key); err != nil {
			return err
		}
		d.setKey(key, true)
		return nil
	case "keyboard.release":
		key, err := keyOf(op)
		if err != nil {
			return err
		}
		if err := ctx.WriteLine("RELEASE " + key); err != nil {
			return err
		}
		d.setKey(key, false)
		return nil
	}
	return fmt.Errorf("unknown keyboard operation %q", op.Kind)
}

func (d *Driver) setKey(key string, down bool) {
	d.mu.Lock()
	d.keysDown[key] = down
	d.mu.Unlock()
	d.adapter.Update(func(sl device.Slice) { d.fillSlice(sl.(*Slice)) })
}

func keyOf(op *device.Operation) (string, error) {
	var p struct {
		Key string `json:"key"`
	}
	if err := op.UnmarshalPayload(&p); err != nil {
		return "", fmt.Errorf("cannot parse key payload: %v", err)
	}
	if p.Key == "" {
		return "", fmt.Errorf("cannot %s without a key", op.Kind)
	}
	return p.Key, nil
}
