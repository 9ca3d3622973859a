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

// Phase is the driver lifecycle phase.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseIdentifying  Phase = "identifying"
	PhaseReady        Phase = "ready"
	PhaseError        Phase = "error"
)

// Operation outcomes as carried by OperationEvent.
const (
	OutcomeQueued    = "queued"
	OutcomeStarted   = "started"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Event is the closed set of driver events consumed by the adapter.
type Event interface {
	deviceEvent()
}

// PhaseEvent reports a lifecycle transition.
type PhaseEvent struct {
	Phase   Phase
	Message string
	// Fatal marks reconnect exhaustion; the driver stays down.
	Fatal bool
}

// IdentifiedEvent reports a successful identify handshake.
type IdentifiedEvent struct {
	DeviceID string
	Path     string
	BaudRate int
}

// LostEvent reports that the underlying device disappeared.
type LostEvent struct{}

// OperationEvent reports an operation transition. Depth and Busy carry
// the queue state after the transition.
type OperationEvent struct {
	Op      OpInfo
	Outcome string
	Depth   int
	Busy    bool
}

// WireErrorEvent reports an I/O failure on the open port.
type WireErrorEvent struct {
	Err error
}

func (PhaseEvent) deviceEvent()      {}
func (IdentifiedEvent) deviceEvent() {}
func (LostEvent) deviceEvent()       {}
func (OperationEvent) deviceEvent()  {}
func (WireErrorEvent) deviceEvent()  {}
