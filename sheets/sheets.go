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

// Package sheets hosts the spreadsheet worker pools. Expensive Sheets
// API calls run on two pools, blocking (critical) and background
// (best-effort), under a configurable locking discipline that can
// guarantee at-most-one concurrent external write.
package sheets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benchrig/benchd/logger"
)

// Lock modes.
const (
	LockNone             = "none"
	LockSerializeAll     = "serializeAll"
	LockExclusiveBarrier = "exclusiveBarrier"
)

// Auth modes.
const (
	AuthNone   = "none"
	AuthWarmup = "warmup"
	AuthStrict = "strict"
)

// Execution modes for Exec.
const (
	ModeBlocking   = "blocking"
	ModeBackground = "background"
)

// Config describes the host.
type Config struct {
	SpreadsheetID   string
	CredentialsFile string
	DryRun          bool
	LockMode        string
	AuthMode        string
	Blocking        PoolConfig
	Background      PoolConfig
}

// Health is the healthySnapshot result.
type Health struct {
	AuthWarm   bool      `json:"authWarm"`
	LastError  string    `json:"lastError,omitempty"`
	LockMode   string    `json:"lockMode"`
	Blocking   PoolStats `json:"blocking"`
	Background PoolStats `json:"background"`
}

// Stats aggregates both pools.
type Stats struct {
	Blocking   PoolStats `json:"blocking"`
	Background PoolStats `json:"background"`
}

// Host owns the two pools and the lock discipline.
type Host struct {
	cfg        Config
	blocking   *pool
	background *pool

	serial sync.Mutex // serializeAll mode

	// exclusiveBarrier mode
	barrierMu     sync.Mutex
	barrierCond   *sync.Cond
	barrierClosed bool
	bgActive      int
	blockerSlot   chan struct{}

	stateMu   sync.Mutex
	authWarm  bool
	lastError string
}

// New builds the host and runs the configured auth strategy. With
// AuthStrict a failed warmup aborts startup.
func New(cfg Config) (*Host, error) {
	switch cfg.LockMode {
	case "", LockNone:
		cfg.LockMode = LockNone
	case LockSerializeAll, LockExclusiveBarrier:
	default:
		return nil, fmt.Errorf("cannot start sheets host: unknown lock mode %q", cfg.LockMode)
	}
	switch cfg.AuthMode {
	case "", AuthNone:
		cfg.AuthMode = AuthNone
	case AuthWarmup, AuthStrict:
	default:
		return nil, fmt.Errorf("cannot start sheets host: unknown auth mode %q", cfg.AuthMode)
	}

	h := &Host{
		cfg:         cfg,
		blocking:    newPool("blocking", cfg.Blocking, cfg),
		background:  newPool("background", cfg.Background, cfg),
		blockerSlot: make(chan struct{}, 1),
	}
	h.barrierCond = sync.NewCond(&h.barrierMu)

	switch cfg.AuthMode {
	case AuthWarmup:
		go func() {
			if err := h.AuthWarmup(context.Background()); err != nil {
				logger.Noticef("sheets: auth warmup failed: %v", err)
			}
		}()
	case AuthStrict:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.AuthWarmup(ctx); err != nil {
			h.Shutdown()
			return nil, fmt.Errorf("cannot start sheets host: %v", err)
		}
	}
	return h, nil
}

// AuthWarmup verifies credentials with a minimal call on the blocking
// pool.
func (h *Host) AuthWarmup(ctx context.Context) error {
	_, err := h.blocking.exec(ctx, func(ctx context.Context, cl *Client) (interface{}, error) {
		return nil, cl.warm(ctx)
	})
	h.stateMu.Lock()
	h.authWarm = err == nil
	if err != nil {
		h.lastError = err.Error()
	}
	h.stateMu.Unlock()
	return err
}

// Exec runs one spreadsheet request under the configured lock mode.
// Mode selects the pool; under serializeAll everything runs serialized
// on the blocking pool.
func (h *Host) Exec(ctx context.Context, mode string, fn Request) (interface{}, error) {
	switch mode {
	case ModeBlocking, ModeBackground:
	default:
		return nil, fmt.Errorf("cannot exec sheets task: unknown mode %q", mode)
	}

	var value interface{}
	var err error
	switch h.cfg.LockMode {
	case LockSerializeAll:
		h.serial.Lock()
		value, err = h.blocking.exec(ctx, fn)
		h.serial.Unlock()
	case LockExclusiveBarrier:
		if mode == ModeBlocking {
			value, err = h.execExclusive(ctx, fn)
		} else {
			value, err = h.execBehindBarrier(ctx, fn)
		}
	default:
		if mode == ModeBlocking {
			value, err = h.blocking.exec(ctx, fn)
		} else {
			value, err = h.background.exec(ctx, fn)
		}
	}

	if err != nil {
		h.stateMu.Lock()
		h.lastError = err.Error()
		h.stateMu.Unlock()
	}
	return value, err
}

// execBehindBarrier runs a background task once no blocker holds or
// awaits the barrier.
func (h *Host) execBehindBarrier(ctx context.Context, fn Request) (interface{}, error) {
	h.barrierMu.Lock()
	for h.barrierClosed {
		h.barrierCond.Wait()
	}
	h.bgActive++
	h.barrierMu.Unlock()

	defer func() {
		h.barrierMu.Lock()
		h.bgActive--
		h.barrierCond.Broadcast()
		h.barrierMu.Unlock()
	}()
	return h.background.exec(ctx, fn)
}

// execExclusive closes the barrier, drains active background tasks and
// runs the task with exclusive ownership. At most one blocking task
// runs at a time.
func (h *Host) execExclusive(ctx context.Context, fn Request) (interface{}, error) {
	select {
	case h.blockerSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-h.blockerSlot }()

	h.barrierMu.Lock()
	h.barrierClosed = true
	for h.bgActive > 0 {
		h.barrierCond.Wait()
	}
	h.barrierMu.Unlock()

	defer func() {
		h.barrierMu.Lock()
		h.barrierClosed = false
		h.barrierCond.Broadcast()
		h.barrierMu.Unlock()
	}()
	return h.blocking.exec(ctx, fn)
}

// HealthySnapshot reports auth and pool health.
func (h *Host) HealthySnapshot() Health {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return Health{
		AuthWarm:   h.authWarm,
		LastError:  h.lastError,
		LockMode:   h.cfg.LockMode,
		Blocking:   h.blocking.stats(),
		Background: h.background.stats(),
	}
}

// Stats reports pool activity.
func (h *Host) Stats() Stats {
	return Stats{
		Blocking:   h.blocking.stats(),
		Background: h.background.stats(),
	}
}

// Shutdown closes the background pool, then the blocking pool,
// ignoring errors.
func (h *Host) Shutdown() {
	if err := h.background.close(); err != nil {
		logger.Debugf("sheets: background pool close: %v", err)
	}
	if err := h.blocking.close(); err != nil {
		logger.Debugf("sheets: blocking pool close: %v", err)
	}
}
