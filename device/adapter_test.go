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

package device_test

import (
	. "gopkg.in/check.v1"

	"github.com/benchrig/benchd/device"
	"github.com/benchrig/benchd/state"
)

type adapterSuite struct{}

var _ = Suite(&adapterSuite{})

type fakeSlice struct {
	device.SliceCore
	Watts float64 `json:"watts"`
}

func (s *fakeSlice) Core() *device.SliceCore { return &s.SliceCore }

func (s *adapterSuite) readSlice(c *C, store *state.Store) *fakeSlice {
	var out fakeSlice
	c.Assert(store.UnmarshalSlice("powerMeter", &out), IsNil)
	return &out
}

func (s *adapterSuite) TestLifecycleFields(c *C) {
	store, err := state.New(nil)
	c.Assert(err, IsNil)
	a := device.NewAdapter(store, "powerMeter", &fakeSlice{}, 3, nil)

	// the construction commit seeds the slice
	got := s.readSlice(c, store)
	c.Check(got.Phase, Equals, device.PhaseDisconnected)
	c.Check(got.OperationHistory, HasLen, 0)

	a.Handle(device.PhaseEvent{Phase: device.PhaseConnecting})
	a.Handle(device.IdentifiedEvent{DeviceID: "pm-1", Path: "/dev/ttyUSB1", BaudRate: 9600})
	a.Handle(device.PhaseEvent{Phase: device.PhaseReady})

	got = s.readSlice(c, store)
	c.Check(got.Phase, Equals, device.PhaseReady)
	c.Check(got.Identified, Equals, true)
	c.Check(got.DeviceID, Equals, "pm-1")
	c.Check(got.DevicePath, Equals, "/dev/ttyUSB1")
	c.Check(got.BaudRate, Equals, 9600)
	c.Check(got.UpdatedAt > 0, Equals, true)

	a.Handle(device.PhaseEvent{Phase: device.PhaseError, Message: "read failed"})
	got = s.readSlice(c, store)
	c.Check(got.Phase, Equals, device.PhaseError)
	c.Check(got.LastError, Equals, "read failed")
	c.Check(got.ErrorHistory, HasLen, 1)

	a.Handle(device.LostEvent{})
	got = s.readSlice(c, store)
	c.Check(got.Phase, Equals, device.PhaseDisconnected)
	c.Check(got.Identified, Equals, false)
}

func (s *adapterSuite) TestOperationHistoryBounded(c *C) {
	store, err := state.New(nil)
	c.Assert(err, IsNil)
	a := device.NewAdapter(store, "powerMeter", &fakeSlice{}, 3, nil)

	for i := 0; i < 5; i++ {
		op := device.OpInfo{ID: string(rune('a' + i)), Kind: "op"}
		a.Handle(device.OperationEvent{Op: op, Outcome: device.OutcomeStarted, Busy: true})
		op.Outcome = device.OutcomeCompleted
		a.Handle(device.OperationEvent{Op: op, Outcome: device.OutcomeCompleted})
	}

	got := s.readSlice(c, store)
	c.Assert(got.OperationHistory, HasLen, 3)
	c.Check(got.OperationHistory[0].ID, Equals, "c")
	c.Check(got.OperationHistory[2].ID, Equals, "e")
	c.Check(got.CurrentOp, IsNil)
	c.Check(got.Busy, Equals, false)
}

func (s *adapterSuite) TestCustomExtension(c *C) {
	store, err := state.New(nil)
	c.Assert(err, IsNil)
	a := device.NewAdapter(store, "powerMeter", &fakeSlice{}, 3, func(ev device.Event, slice device.Slice) {
		if _, ok := ev.(device.IdentifiedEvent); ok {
			slice.(*fakeSlice).Watts = 42.5
		}
	})
	a.Handle(device.IdentifiedEvent{DeviceID: "pm-1"})
	c.Check(s.readSlice(c, store).Watts, Equals, 42.5)
}
