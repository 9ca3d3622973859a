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
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// An Operation is a discrete, queued, cancellable action on a device.
type Operation struct {
	ID          string
	Kind        string
	RequestedBy string
	QueuedAt    time.Time
	Payload     json.RawMessage

	mu           sync.Mutex
	cancelled    bool
	cancelReason string
	finished     bool
	done         chan error
}

// NewOperation builds a pending operation of the given kind.
func NewOperation(kind, requestedBy string, payload json.RawMessage) *Operation {
	return &Operation{
		ID:          uuid.NewString(),
		Kind:        kind,
		RequestedBy: requestedBy,
		QueuedAt:    time.Now(),
		Payload:     payload,
		done:        make(chan error, 1),
	}
}

// Cancel requests cooperative cancellation; the executing code observes
// it at the next write or sleep checkpoint.
func (op *Operation) Cancel(reason string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.cancelled || op.finished {
		return
	}
	op.cancelled = true
	op.cancelReason = reason
}

// CancelRequested returns the pending cancellation, if any.
func (op *Operation) CancelRequested() (reason string, cancelled bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.cancelReason, op.cancelled
}

// UnmarshalPayload decodes the payload into value.
func (op *Operation) UnmarshalPayload(value interface{}) error {
	if len(op.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(op.Payload, value)
}

// finish resolves the operation exactly once.
func (op *Operation) finish(err error) bool {
	op.mu.Lock()
	if op.finished {
		op.mu.Unlock()
		return false
	}
	op.finished = true
	op.mu.Unlock()
	op.done <- err
	return true
}

// Wait blocks until the operation resolves or the context is done. A
// nil result means the operation completed.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case err := <-op.done:
		// keep the result observable by later waiters
		op.done <- err
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpInfo is the serializable description of an operation, as kept in
// the device slice history.
type OpInfo struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	RequestedBy string `json:"requestedBy,omitempty"`
	QueuedAt    int64  `json:"queuedAt"`
	StartedAt   int64  `json:"startedAt,omitempty"`
	FinishedAt  int64  `json:"finishedAt,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (op *Operation) info() OpInfo {
	return OpInfo{
		ID:          op.ID,
		Kind:        op.Kind,
		RequestedBy: op.RequestedBy,
		QueuedAt:    op.QueuedAt.UnixMilli(),
	}
}
