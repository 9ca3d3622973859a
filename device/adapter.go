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

package device

import (
	"sync"
	"time"

	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/state"
)

// ErrorInfo is a bounded error-history entry in a device slice.
type ErrorInfo struct {
	Message string `json:"message"`
	At      int64  `json:"at"`
}

// SliceCore carries the semantic fields shared by every device slice.
type SliceCore struct {
	Phase            Phase       `json:"phase"`
	Identified       bool        `json:"identified"`
	DeviceID         string      `json:"deviceId,omitempty"`
	DevicePath       string      `json:"devicePath,omitempty"`
	BaudRate         int         `json:"baudRate,omitempty"`
	Busy             bool        `json:"busy"`
	QueueDepth       int         `json:"queueDepth"`
	CurrentOp        *OpInfo     `json:"currentOp,omitempty"`
	OperationHistory []OpInfo    `json:"operationHistory"`
	LastError        string      `json:"lastError,omitempty"`
	ErrorHistory     []ErrorInfo `json:"errorHistory"`
	UpdatedAt        int64       `json:"updatedAt"`
}

// Slice is a device-specific state slice exposing its shared core.
type Slice interface {
	Core() *SliceCore
}

// An Adapter is the stateless translator from a driver's event stream
// to state-store commits. Handle is the engine's emit function; Update
// lets the driver mutate its device-specific extension fields under
// the same commit discipline.
type Adapter struct {
	mu           sync.Mutex
	store        *state.Store
	key          string
	slice        Slice
	historyLimit int
	errorLimit   int
	// Custom observes every event after the core fields are updated,
	// before the commit; drivers use it for extension fields.
	custom func(ev Event, slice Slice)
}

// NewAdapter wires a slice into the store under key. The adapter
// serializes through the engine's emit path plus Update callers; the
// store itself orders commits.
func NewAdapter(store *state.Store, key string, slice Slice, historyLimit int, custom func(ev Event, slice Slice)) *Adapter {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	a := &Adapter{
		store:        store,
		key:          key,
		slice:        slice,
		historyLimit: historyLimit,
		errorLimit:   historyLimit,
		custom:       custom,
	}
	a.mu.Lock()
	core := slice.Core()
	core.Phase = PhaseDisconnected
	core.OperationHistory = []OpInfo{}
	core.ErrorHistory = []ErrorInfo{}
	a.commitLocked()
	a.mu.Unlock()
	return a
}

// Handle consumes one driver event. It runs on engine goroutines; the
// state mutex in the adapter's Update path keeps commits coherent.
func (a *Adapter) Handle(ev Event) {
	a.Update(func(slice Slice) {
		core := slice.Core()
		switch ev := ev.(type) {
		case PhaseEvent:
			core.Phase = ev.Phase
			if ev.Phase == PhaseError {
				a.recordError(core, ev.Message)
			} else if ev.Phase == PhaseReady {
				core.LastError = ""
			}
		case IdentifiedEvent:
			core.Identified = true
			core.DeviceID = ev.DeviceID
			core.DevicePath = ev.Path
			core.BaudRate = ev.BaudRate
		case LostEvent:
			core.Identified = false
			core.Phase = PhaseDisconnected
			core.Busy = false
			core.CurrentOp = nil
		case WireErrorEvent:
			a.recordError(core, ev.Err.Error())
		case OperationEvent:
			core.QueueDepth = ev.Depth
			core.Busy = ev.Busy
			switch ev.Outcome {
			case OutcomeQueued:
				// queue bookkeeping only
			case OutcomeStarted:
				op := ev.Op
				core.CurrentOp = &op
			default:
				if core.CurrentOp != nil && core.CurrentOp.ID == ev.Op.ID {
					core.CurrentOp = nil
				}
				core.OperationHistory = append(core.OperationHistory, ev.Op)
				if len(core.OperationHistory) > a.historyLimit {
					core.OperationHistory = core.OperationHistory[len(core.OperationHistory)-a.historyLimit:]
				}
				if ev.Outcome == OutcomeFailed {
					core.LastError = ev.Op.Error
				}
			}
		}
		if a.custom != nil {
			a.custom(ev, slice)
		}
	})
}

func (a *Adapter) recordError(core *SliceCore, message string) {
	if message == "" {
		return
	}
	core.LastError = message
	core.ErrorHistory = append(core.ErrorHistory, ErrorInfo{
		Message: message,
		At:      time.Now().UnixMilli(),
	})
	if len(core.ErrorHistory) > a.errorLimit {
		core.ErrorHistory = core.ErrorHistory[len(core.ErrorHistory)-a.errorLimit:]
	}
}

var adapterNow = time.Now

// Update mutates the slice under the adapter lock and commits it.
func (a *Adapter) Update(mutate func(slice Slice)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	mutate(a.slice)
	a.commitLocked()
}

func (a *Adapter) commitLocked() {
	a.slice.Core().UpdatedAt = adapterNow().UnixMilli()
	if _, err := a.store.Set(a.key, a.slice); err != nil {
		logger.Noticef("cannot commit state slice %q: %v", a.key, err)
	}
}
