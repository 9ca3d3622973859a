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

// Package mouse drives the PS/2 mouse injector. Movement input is not
// queued: absolute and relative commands update an accumulator that a
// tick loop flushes as bounded MOVE lines; button and wheel actions go
// through the regular operation queue.
package mouse

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benchrig/benchd/device"
	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/state"
)

// Mode selects how movement input maps to injected deltas.
type Mode string

const (
	// ModeAbsolute positions normalized [0,1] input on the grid.
	ModeAbsolute Mode = "absolute"
	// ModeRelativeGain applies a constant gain to relative input.
	ModeRelativeGain Mode = "relative-gain"
	// ModeRelativeAccel weights the gain by input velocity.
	ModeRelativeAccel Mode = "relative-accel"
)

// Grid is the absolute-mode coordinate space.
type Grid struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// AccelSettings tune relative-accel mode: effective gain is
// round(base + (max-base) * clamp(velocity/velMax)).
type AccelSettings struct {
	Base   float64 `json:"base"`
	Max    float64 `json:"max"`
	VelMax float64 `json:"velMax"`
}

// Config tunes the driver.
type Config struct {
	TickHz          int
	PerTickMaxDelta int
	Gain            float64
	Accel           AccelSettings
	Grid            Grid
	Device          device.Config
}

// Slice is the ps2Mouse state slice.
type Slice struct {
	device.SliceCore
	Mode         Mode          `json:"mode"`
	Gain         float64       `json:"gain"`
	Accel        AccelSettings `json:"accel"`
	AbsoluteGrid Grid          `json:"absoluteGrid"`
	ButtonsDown  []int         `json:"buttonsDown"`
}

// Core implements device.Slice.
func (s *Slice) Core() *device.SliceCore { return &s.SliceCore }

// Driver owns the mouse injector engine and movement state.
type Driver struct {
	cfg     Config
	engine  *device.Engine
	adapter *device.Adapter

	mu        sync.Mutex
	mode      Mode
	gain      float64
	accX      float64
	accY      float64
	absTarget *normPoint
	gridPos   gridPoint
	lastInput time.Time
	buttons   map[int]bool
	tickStop  chan struct{}
}

type normPoint struct{ x, y float64 }
type gridPoint struct{ x, y int }

// New builds and starts the driver, committing its initial slice.
func New(store *state.Store, cfg Config) *Driver {
	if cfg.TickHz <= 0 {
		cfg.TickHz = 60
	}
	if cfg.PerTickMaxDelta <= 0 {
		cfg.PerTickMaxDelta = 255
	}
	if cfg.Gain == 0 {
		cfg.Gain = 1
	}
	if cfg.Accel.Max == 0 {
		cfg.Accel = AccelSettings{Base: 1, Max: 8, VelMax: 2000}
	}
	if cfg.Grid.Width <= 0 || cfg.Grid.Height <= 0 {
		cfg.Grid = Grid{Width: 1920, Height: 1080}
	}
	if cfg.Device.Name == "" {
		cfg.Device.Name = "ps2Mouse"
	}
	if cfg.Device.Kind == "" {
		cfg.Device.Kind = "ps2-mouse"
	}
	if cfg.Device.Token == "" {
		cfg.Device.Token = "MS"
	}

	d := &Driver{
		cfg:     cfg,
		mode:    ModeRelativeGain,
		gain:    cfg.Gain,
		buttons: make(map[int]bool),
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
	d.stopTicks()
	return d.engine.Stop()
}

func (d *Driver) fillSlice(sl *Slice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sl.Mode = d.mode
	sl.Gain = d.gain
	sl.Accel = d.cfg.Accel
	sl.AbsoluteGrid = d.cfg.Grid
	buttons := make([]int, 0, len(d.buttons))
	for b, down := range d.buttons {
		if down {
			buttons = append(buttons, b)
		}
	}
	sl.ButtonsDown = buttons
}

// ConnectionReady starts the tick loop.
func (d *Driver) ConnectionReady() {
	d.mu.Lock()
	if d.tickStop != nil {
		d.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	d.tickStop = stop
	d.mu.Unlock()
	go d.tickLoop(stop)
}

// ConnectionDown stops the tick loop and clears movement state.
func (d *Driver) ConnectionDown(reason string) {
	d.stopTicks()
	d.clearMotion()
}

func (d *Driver) stopTicks() {
	d.mu.Lock()
	stop := d.tickStop
	d.tickStop = nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (d *Driver) clearMotion() {
	d.mu.Lock()
	d.accX, d.accY = 0, 0
	d.absTarget = nil
	// the device-side cursor re-homes with the host; track it
	d.gridPos = gridPoint{}
	d.buttons = make(map[int]bool)
	d.mu.Unlock()
}

// tickLoop flushes at most PerTickMaxDelta units per axis per tick.
// Writing inline in the loop goroutine keeps ticks from overlapping.
func (d *Driver) tickLoop(stop chan struct{}) {
	ticker := time.NewTicker(time.Second / time.Duration(d.cfg.TickHz))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.flushTick()
		}
	}
}

func (d *Driver) flushTick() {
	d.mu.Lock()
	var dx, dy int
	if d.mode == ModeAbsolute {
		if d.absTarget != nil {
			tx := int(math.Round(d.absTarget.x * float64(d.cfg.Grid.Width-1)))
			ty := int(math.Round(d.absTarget.y * float64(d.cfg.Grid.Height-1)))
			dx = clampInt(tx-d.gridPos.x, d.cfg.PerTickMaxDelta)
			dy = clampInt(ty-d.gridPos.y, d.cfg.PerTickMaxDelta)
			d.gridPos.x += dx
			d.gridPos.y += dy
			if d.gridPos.x == tx && d.gridPos.y == ty {
				d.absTarget = nil
			}
		}
	} else {
		dx = clampInt(int(math.Round(d.accX)), d.cfg.PerTickMaxDelta)
		dy = clampInt(int(math.Round(d.accY)), d.cfg.PerTickMaxDelta)
		d.accX -= float64(dx)
		d.accY -= float64(dy)
	}
	d.mu.Unlock()

	if dx == 0 && dy == 0 {
		return
	}
	if err := d.engine.WriteLine(fmt.Sprintf("MOVE %d,%d", dx, dy)); err != nil {
		logger.Debugf("ps2Mouse: cannot flush movement: %v", err)
	}
}

func clampInt(v, bound int) int {
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}

// MoveRelative feeds relative input into the accumulator, applying the
// mode's gain at input time.
func (d *Driver) MoveRelative(dx, dy float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	gain := d.gain
	if d.mode == ModeRelativeAccel {
		now := time.Now()
		dt := now.Sub(d.lastInput).Seconds()
		d.lastInput = now
		vel := 0.0
		if dt > 0 {
			vel = math.Hypot(dx, dy) / dt
		}
		a := d.cfg.Accel
		frac := vel / a.VelMax
		if frac > 1 {
			frac = 1
		}
		gain = math.Round(a.Base + (a.Max-a.Base)*frac)
	}
	d.accX += dx * gain
	d.accY += dy * gain
}

// MoveAbsolute targets a normalized [0,1] grid position.
func (d *Driver) MoveAbsolute(x, y float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.absTarget = &normPoint{x: clamp01(x), y: clamp01(y)}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SetMode switches movement mode; gain of 0 keeps the current gain.
func (d *Driver) SetMode(mode Mode, gain float64) error {
	switch mode {
	case ModeAbsolute, ModeRelativeGain, ModeRelativeAccel:
	default:
		return fmt.Errorf("cannot use mouse mode %q", mode)
	}
	d.mu.Lock()
	d.mode = mode
	if gain > 0 {
		d.gain = gain
	}
	d.accX, d.accY = 0, 0
	d.absTarget = nil
	d.mu.Unlock()
	d.adapter.Update(func(sl device.Slice) { d.fillSlice(sl.(*Slice)) })
	return nil
}

// HostPowerChanged gates the driver while the bench host is off:
// queued and new discrete operations cancel, motion state clears.
func (d *Driver) HostPowerChanged(powerState string) {
	if powerState == "on" {
		d.engine.Ungate()
		return
	}
	d.engine.Gate("host-power-off")
	d.clearMotion()
	d.adapter.Update(func(sl device.Slice) { d.fillSlice(sl.(*Slice)) })
}

// Do routes a mouse command: movement updates the accumulator
// directly, discrete actions submit queued operations.
func (d *Driver) Do(kind, requestedBy string, payload json.RawMessage) error {
	switch kind {
	case "mouse.move.relative":
		var p struct {
			Dx float64 `json:"dx"`
			Dy float64 `json:"dy"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("cannot parse relative move: %v", err)
		}
		d.MoveRelative(p.Dx, p.Dy)
		return nil
	case "mouse.move.absolute":
		var p struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("cannot parse absolute move: %v", err)
		}
		d.MoveAbsolute(p.X, p.Y)
		return nil
	case "mouse.mode":
		var p struct {
			Mode Mode    `json:"mode"`
			Gain float64 `json:"gain"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("cannot parse mode change: %v", err)
		}
		return d.SetMode(p.Mode, p.Gain)
	case "mouse.click", "mouse.release", "mouse.wheel":
		return d.engine.Submit(device.NewOperation(kind, requestedBy, payload))
	}
	return fmt.Errorf("unknown mouse command %q", kind)
}

// Exec runs queued button and wheel operations.
func (d *Driver) Exec(ctx *device.OpContext, op *device.Operation) error {
	switch op.Kind {
	case "mouse.click", "mouse.release":
		var p struct {
			Button int `json:"button"`
		}
		if err := op.UnmarshalPayload(&p); err != nil {
			return fmt.Errorf("cannot parse button payload: %v", err)
		}
		verb := "CLICK"
		down := true
		if op.Kind == "mouse.release" {
			verb = "RELEASE"
			down = false
		}
		if err := ctx.WriteLine(fmt.Sprintf("%s %d", verb, p.Button)); err != nil {
			return err
		}
		d.mu.Lock()
		d.buttons[p.Button] = down
		d.mu.Unlock()
		d.adapter.Update(func(sl device.Slice) { d.fillSlice(sl.(*Slice)) })
		return nil
	case "mouse.wheel":
		var p struct {
			Dy int `json:"dy"`
		}
		if err := op.UnmarshalPayload(&p); err != nil {
			return fmt.Errorf("cannot parse wheel payload: %v", err)
		}
		return ctx.WriteLine(fmt.Sprintf("WHEEL %d", p.Dy))
	}
	return fmt.Errorf("unknown mouse operation %q", op.Kind)
}
