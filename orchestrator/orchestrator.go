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

// Package orchestrator is the benchd composition root. It owns the
// state store, message bus, log hub, device drivers, discovery service,
// sheets host and daemon, and wires their event flows together.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/benchrig/benchd/bus"
	"github.com/benchrig/benchd/config"
	"github.com/benchrig/benchd/daemon"
	"github.com/benchrig/benchd/device"
	"github.com/benchrig/benchd/device/atlona"
	"github.com/benchrig/benchd/device/cfimager"
	"github.com/benchrig/benchd/device/frontpanel"
	"github.com/benchrig/benchd/device/keyboard"
	"github.com/benchrig/benchd/device/mouse"
	"github.com/benchrig/benchd/device/powermeter"
	"github.com/benchrig/benchd/device/printer"
	"github.com/benchrig/benchd/discovery"
	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/metrics"
	"github.com/benchrig/benchd/sheets"
	"github.com/benchrig/benchd/state"
)

// Bus topics owned by the orchestrator.
const (
	TopicPowerChanged = "frontpanel.power.changed"
	TopicPowerReading = "powermeter.reading"
	TopicBenchResult  = "benchmark.result"
)

// resultsRange is where forwarded benchmark rows land.
const resultsRange = "Results!A1"

// driverHandle is the per-driver surface the orchestrator needs; every
// device package satisfies it.
type driverHandle interface {
	Engine() *device.Engine
	Do(kind, requestedBy string, payload json.RawMessage) error
	Stop() error
}

type metaSlice struct {
	Status    string    `json:"status"`
	StartedAt int64     `json:"startedAt"`
	Host      HostStats `json:"host"`
}

type serverConfigSlice struct {
	WSHeartbeatIntervalMs int64 `json:"wsHeartbeatIntervalMs"`
	WSHeartbeatTimeoutMs  int64 `json:"wsHeartbeatTimeoutMs"`
	WSReconnectMinMs      int64 `json:"wsReconnectMinMs"`
	WSReconnectMaxMs      int64 `json:"wsReconnectMaxMs"`
}

// Orchestrator assembles and runs the whole process.
type Orchestrator struct {
	cfg *config.Config

	store *state.Store
	hub   *logger.Hub
	msgs  *bus.Bus

	sheetsHost *sheets.Host
	disco      *discovery.Service
	dmn        *daemon.Daemon

	mouse      *mouse.Driver
	keyboard   *keyboard.Driver
	frontPanel *frontpanel.Driver

	// drivers by slice name, for command routing; engines by matcher
	// kind, for discovery attach.
	drivers map[string]driverHandle
	engines map[string]*device.Engine

	mu       sync.Mutex
	attached map[string]*device.Engine // by deviceID
	phases   map[string]device.Phase
	meta     metaSlice

	tmb     tomb.Tomb
	cancels []func()
	started bool
}

// New wires everything up but starts no I/O: drivers exist and commit
// their initial slices, the bus has its schemas and subscribers, the
// daemon has its routes. StartUp opens the doors.
func New(cfg *config.Config) (*Orchestrator, error) {
	store, err := state.New(nil)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		hub:      logger.NewHub(nil),
		drivers:  make(map[string]driverHandle),
		engines:  make(map[string]*device.Engine),
		attached: make(map[string]*device.Engine),
		phases:   make(map[string]device.Phase),
	}

	o.msgs = bus.New(&bus.Options{
		SafetyCriticalTopicPatterns: []string{TopicPowerChanged},
	})
	if err := o.registerSchemas(); err != nil {
		return nil, err
	}

	if cfg.Sheets.SpreadsheetID != "" || cfg.Sheets.DryRun {
		host, err := sheets.New(sheetsConfig(cfg.Sheets))
		if err != nil {
			return nil, err
		}
		o.sheetsHost = host
	}

	if err := o.buildDrivers(); err != nil {
		return nil, err
	}
	if err := o.subscribe(); err != nil {
		return nil, err
	}

	matchers := make([]discovery.Matcher, 0, len(cfg.Matchers))
	for _, m := range cfg.Matchers {
		matchers = append(matchers, *m)
	}
	o.disco = discovery.New(discovery.Options{
		Matchers:       matchers,
		RescanInterval: time.Duration(cfg.Devices.Discovery.RescanIntervalMs) * time.Millisecond,
		Identify: discovery.IdentifyConfig{
			DefaultBaudRate: cfg.Devices.Discovery.BaudRate,
			Timeout:         time.Duration(cfg.Devices.Discovery.IdentifyTimeout) * time.Millisecond,
			Retries:         cfg.Devices.Discovery.IdentifyRetries,
		},
		Callbacks: discovery.Callbacks{
			Identifying: o.deviceIdentifying,
			Identified:  o.deviceIdentified,
			Lost:        o.deviceLost,
			Error:       o.deviceError,
		},
	})

	o.dmn, err = daemon.New(daemon.Options{
		Server:    cfg.Server,
		Sidecar:   cfg.Sidecar,
		Store:     o.store,
		Hub:       o.hub,
		Commander: o,
		Results:   o,
		Sheets:    o.sheetsHost,
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Store exposes the state store (tests and the daemon share it).
func (o *Orchestrator) Store() *state.Store { return o.store }

// Bus exposes the message bus.
func (o *Orchestrator) Bus() *bus.Bus { return o.msgs }

// Daemon exposes the HTTP daemon.
func (o *Orchestrator) Daemon() *daemon.Daemon { return o.dmn }

// Sheets exposes the sheets host; nil when not configured.
func (o *Orchestrator) Sheets() *sheets.Host { return o.sheetsHost }

func sheetsConfig(s config.Sheets) sheets.Config {
	return sheets.Config{
		SpreadsheetID:   s.SpreadsheetID,
		CredentialsFile: s.CredentialsFile,
		DryRun:          s.DryRun,
		LockMode:        s.LockMode,
		AuthMode:        s.AuthMode,
		Blocking:        poolConfig(s.Blocking),
		Background:      poolConfig(s.Background),
	}
}

func poolConfig(p config.PoolSettings) sheets.PoolConfig {
	return sheets.PoolConfig{
		Size:       p.Size,
		MaxPending: p.MaxPending,
		Timeout:    time.Duration(p.TimeoutMs) * time.Millisecond,
	}
}

func (o *Orchestrator) registerSchemas() error {
	err := o.msgs.RegisterSchema(TopicPowerChanged, 1, func(ev *bus.Event) error {
		var p struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("cannot parse payload: %v", err)
		}
		switch p.State {
		case frontpanel.PowerOn, frontpanel.PowerOff, frontpanel.PowerUnknown:
			return nil
		}
		return fmt.Errorf("invalid power state %q", p.State)
	})
	if err != nil {
		return err
	}
	return o.msgs.RegisterSchema(TopicPowerReading, 1, func(ev *bus.Event) error {
		var p struct {
			Watts *float64 `json:"watts"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("cannot parse payload: %v", err)
		}
		if p.Watts == nil {
			return fmt.Errorf("missing watts")
		}
		return nil
	})
}

func (o *Orchestrator) buildDrivers() error {
	dcfg := o.cfg.Devices
	backoff := device.BackoffConfig{
		Base:        time.Duration(dcfg.Backoff.BaseMs) * time.Millisecond,
		Max:         time.Duration(dcfg.Backoff.MaxMs) * time.Millisecond,
		MaxAttempts: dcfg.Backoff.MaxAttempts,
	}
	base := device.Config{Backoff: backoff}

	o.mouse = mouse.New(o.store, mouse.Config{
		TickHz:          dcfg.Mouse.TickHz,
		PerTickMaxDelta: dcfg.Mouse.PerTickMaxDelta,
		Gain:            dcfg.Mouse.Gain,
		Grid:            mouse.Grid{Width: dcfg.Mouse.GridWidth, Height: dcfg.Mouse.GridHeight},
		Accel: mouse.AccelSettings{
			Base:   dcfg.Mouse.AccelBase,
			Max:    dcfg.Mouse.AccelMax,
			VelMax: dcfg.Mouse.AccelVelMax,
		},
		Device: base,
	})
	o.keyboard = keyboard.New(o.store, keyboard.Config{
		InterKeyDelay: time.Duration(dcfg.Keyboard.InterKeyDelayMs) * time.Millisecond,
		Device:        base,
	})
	o.frontPanel = frontpanel.New(o.store, frontpanel.Config{
		PowerChanged: o.publishPowerChanged,
		Device:       base,
	})
	atl := atlona.New(o.store, atlona.Config{Device: base})
	meter := powermeter.New(o.store, powermeter.Config{
		ReadingPublished: o.publishReading,
		Device:           base,
	})
	prn := printer.New(o.store, printer.Config{
		IdleFlush:      time.Duration(dcfg.Printer.IdleFlushMs) * time.Millisecond,
		PreviewColumns: dcfg.Printer.PreviewColumns,
		HistoryLimit:   dcfg.Printer.HistoryLimit,
		Device:         base,
	})
	imager, err := cfimager.New(o.store, cfimager.Config{
		StagingDir: dcfg.CFImager.StagingDir,
		Device:     base,
	})
	if err != nil {
		return err
	}

	for _, d := range []driverHandle{o.mouse, o.keyboard, o.frontPanel, atl, meter, prn, imager} {
		cfg := d.Engine().Config()
		o.drivers[cfg.Name] = d
		o.engines[cfg.Kind] = d.Engine()
		o.cancels = append(o.cancels, o.watchReconnects(cfg.Name))
	}
	return nil
}

func (o *Orchestrator) subscribe() error {
	// host power drives injector gating: off cancels queued HID ops
	_, err := o.msgs.Subscribe(bus.SubscriberSpec{
		Name:    "hid-power-gate",
		Pattern: TopicPowerChanged,
		Handler: func(ev *bus.Event) error {
			var p struct {
				State string `json:"state"`
			}
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return err
			}
			o.mouse.HostPowerChanged(p.State)
			o.keyboard.HostPowerChanged(p.State)
			return nil
		},
		OnDisabled: func(string) { metrics.BusEvictions.Inc() },
	})
	if err != nil {
		return err
	}

	_, err = o.msgs.Subscribe(bus.SubscriberSpec{
		Name:       "sheets-results",
		Pattern:    TopicBenchResult,
		Handler:    o.forwardResult,
		OnDisabled: func(string) { metrics.BusEvictions.Inc() },
	})
	return err
}

// forwardResult appends one benchmark result row through the sheets
// background pool.
func (o *Orchestrator) forwardResult(ev *bus.Event) error {
	if o.sheetsHost == nil {
		logger.Debugf("orchestrator: dropping %s event, sheets host not configured", ev.Topic)
		return nil
	}
	row := []interface{}{
		time.UnixMilli(ev.TS).UTC().Format(time.RFC3339),
		ev.Source,
		string(ev.Payload),
	}
	_, err := o.sheetsHost.Exec(context.Background(), sheets.ModeBackground, func(ctx context.Context, cl *sheets.Client) (interface{}, error) {
		return nil, cl.AppendRows(ctx, resultsRange, [][]interface{}{row})
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.SheetsTasks.WithLabelValues("background", outcome).Inc()
	return err
}

// publish stamps and counts a bus publish.
func (o *Orchestrator) publish(topic string, payload interface{}, source string) error {
	_, err := o.msgs.Publish(topic, payload, &bus.PublishOptions{Source: source})
	if err != nil {
		metrics.BusRejected.Inc()
		return err
	}
	metrics.BusPublishes.WithLabelValues(topic).Inc()
	return nil
}

func (o *Orchestrator) publishPowerChanged(powerState string) {
	payload := map[string]interface{}{"state": powerState}
	if err := o.publish(TopicPowerChanged, payload, "frontPanel"); err != nil {
		logger.Noticef("orchestrator: cannot publish power change: %v", err)
	}
}

func (o *Orchestrator) publishReading(r powermeter.Reading) {
	payload := map[string]interface{}{
		"watts": r.Watts,
		"volts": r.Volts,
		"amps":  r.Amps,
		"at":    r.At,
	}
	if err := o.publish(TopicPowerReading, payload, "powerMeter"); err != nil {
		logger.Debugf("orchestrator: cannot publish reading: %v", err)
	}
}

// Command implements daemon.DeviceCommander.
func (o *Orchestrator) Command(deviceName, kind, requestedBy string, payload json.RawMessage) error {
	d, ok := o.drivers[deviceName]
	if !ok {
		metrics.OpOutcomes.WithLabelValues(kind, "rejected").Inc()
		return fmt.Errorf("cannot command unknown device %q", deviceName)
	}
	if err := d.Do(kind, requestedBy, payload); err != nil {
		metrics.OpOutcomes.WithLabelValues(kind, "rejected").Inc()
		return err
	}
	metrics.OpOutcomes.WithLabelValues(kind, "submitted").Inc()
	return nil
}

// PublishResult implements daemon.ResultPublisher.
func (o *Orchestrator) PublishResult(source string, payload json.RawMessage) error {
	return o.publish(TopicBenchResult, payload, source)
}

func (o *Orchestrator) deviceIdentifying(path string) {
	metrics.DiscoveryProbes.WithLabelValues("probe").Inc()
}

func (o *Orchestrator) deviceIdentified(info discovery.Identified) {
	metrics.DiscoveryProbes.WithLabelValues("matched").Inc()
	engine, ok := o.engines[info.Kind]
	if !ok {
		logger.Noticef("orchestrator: no driver for discovered kind %q at %s", info.Kind, info.Path)
		return
	}
	o.mu.Lock()
	o.attached[info.DeviceID] = engine
	o.mu.Unlock()

	if info.KeptOpen {
		if port := o.disco.ClaimedPort(info.DeviceID); port != nil {
			engine.AttachPort(info.DeviceID, info.Path, info.BaudRate, port)
			return
		}
	}
	engine.Attach(info.DeviceID, info.Path, info.BaudRate)
}

func (o *Orchestrator) deviceLost(deviceID string) {
	o.mu.Lock()
	engine := o.attached[deviceID]
	delete(o.attached, deviceID)
	o.mu.Unlock()
	if engine != nil {
		engine.Detach()
	}
}

func (o *Orchestrator) deviceError(path string, err error) {
	metrics.DiscoveryProbes.WithLabelValues("error").Inc()
	logger.Debugf("orchestrator: discovery error on %s: %v", path, err)
}

// watchReconnects counts ready-loss recoveries per device from slice
// phase transitions.
func (o *Orchestrator) watchReconnects(name string) func() {
	return o.store.SubscribeSlice(name, false, func(state.Commit) {
		var sl struct {
			Phase device.Phase `json:"phase"`
		}
		if err := o.store.UnmarshalSlice(name, &sl); err != nil {
			return
		}
		o.mu.Lock()
		last := o.phases[name]
		o.phases[name] = sl.Phase
		o.mu.Unlock()
		if sl.Phase == device.PhaseConnecting && last != device.PhaseConnecting && last != "" {
			metrics.DriverReconnects.WithLabelValues(name).Inc()
		}
	})
}

func (o *Orchestrator) commitMeta(mutate func(m *metaSlice)) {
	o.mu.Lock()
	mutate(&o.meta)
	meta := o.meta
	o.mu.Unlock()
	if _, err := o.store.Set("meta", meta); err != nil {
		logger.Noticef("orchestrator: cannot commit meta slice: %v", err)
	}
}

// StartUp commits the startup slices and opens the outer surfaces:
// daemon listener, discovery rescans, host sampler.
func (o *Orchestrator) StartUp() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	o.commitMeta(func(m *metaSlice) {
		m.Status = "starting"
		m.StartedAt = time.Now().UnixMilli()
	})

	layout, err := o.cfg.LayoutJSON()
	if err != nil {
		return err
	}
	if _, err := o.store.Set("layout", layout); err != nil {
		return err
	}
	srv := o.cfg.Server
	if _, err := o.store.Set("serverConfig", serverConfigSlice{
		WSHeartbeatIntervalMs: srv.WSHeartbeatInterval.Milliseconds(),
		WSHeartbeatTimeoutMs:  srv.WSHeartbeatTimeout.Milliseconds(),
		WSReconnectMinMs:      srv.WSReconnectMin.Milliseconds(),
		WSReconnectMaxMs:      srv.WSReconnectMax.Milliseconds(),
	}); err != nil {
		return err
	}

	if err := o.dmn.Start(); err != nil {
		return err
	}
	if err := o.disco.Start(); err != nil {
		return err
	}
	o.tmb.Go(o.sampleLoop)

	o.commitMeta(func(m *metaSlice) { m.Status = "ready" })
	logger.Noticef("orchestrator: ready")
	return nil
}

// Stop tears the process down: stop accepting work, cancel queued
// device operations, drain the pools, final stopping commit.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()

	o.commitMeta(func(m *metaSlice) { m.Status = "stopping" })

	if err := o.disco.Stop(); err != nil {
		logger.Noticef("orchestrator: discovery stop: %v", err)
	}
	firstErr := o.dmn.Stop(ctx)

	for name, d := range o.drivers {
		if err := d.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cannot stop %s: %v", name, err)
		}
	}
	if o.sheetsHost != nil {
		o.sheetsHost.Shutdown()
	}
	o.msgs.Close()

	if started {
		o.tmb.Kill(nil)
		if err := o.tmb.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, cancel := range o.cancels {
		cancel()
	}
	return firstErr
}
