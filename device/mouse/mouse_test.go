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

package mouse_test

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/benchrig/benchd/device"
	"github.com/benchrig/benchd/device/mouse"
	"github.com/benchrig/benchd/serialport"
	"github.com/benchrig/benchd/state"
	"github.com/benchrig/benchd/testutil"
)

func Test(t *testing.T) { TestingT(t) }

type mouseSuite struct {
	testutil.BaseTest

	mu    sync.Mutex
	fakes []*serialport.FakePort
	store *state.Store
}

var _ = Suite(&mouseSuite{})

func (s *mouseSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	s.fakes = nil
	var err error
	s.store, err = state.New(nil)
	c.Assert(err, IsNil)
	s.AddCleanup(serialport.MockOpen(func(path string, baud int) (serialport.Port, error) {
		port := serialport.NewFakePort()
		s.mu.Lock()
		s.fakes = append(s.fakes, port)
		s.mu.Unlock()
		return port, nil
	}))
}

func (s *mouseSuite) startReady(c *C, cfg mouse.Config) (*mouse.Driver, *serialport.FakePort) {
	d := mouse.New(s.store, cfg)
	s.AddCleanup(func() { d.Stop() })
	d.Engine().Attach("ps2-mouse-1", "/dev/ttyUSB0", 115200)

	var port *serialport.FakePort
	for i := 0; i < 500; i++ {
		s.mu.Lock()
		if len(s.fakes) > 0 {
			port = s.fakes[0]
		}
		s.mu.Unlock()
		if port != nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	c.Assert(port, NotNil)

	line, ok := port.ExpectLine(5 * time.Second)
	c.Assert(ok, Equals, true)
	c.Assert(line, Equals, "identify")
	port.FeedLine("MS")
	line, ok = port.ExpectLine(5 * time.Second)
	c.Assert(ok, Equals, true)
	c.Assert(line, Equals, "identify_complete")

	for i := 0; i < 500 && d.Engine().Phase() != device.PhaseReady; i++ {
		time.Sleep(2 * time.Millisecond)
	}
	c.Assert(d.Engine().Phase(), Equals, device.PhaseReady)
	return d, port
}

// Relative-gain: gain=10, input (3,-2) flushes as exactly one
// "MOVE 30,-20" line within one tick at 60 Hz.
func (s *mouseSuite) TestRelativeGainSingleFlush(c *C) {
	d, port := s.startReady(c, mouse.Config{
		TickHz:          60,
		PerTickMaxDelta: 255,
		Gain:            10,
	})

	err := d.Do("mouse.move.relative", "tester", json.RawMessage(`{"dx":3,"dy":-2}`))
	c.Assert(err, IsNil)

	line, ok := port.ExpectLine(time.Second)
	c.Assert(ok, Equals, true)
	c.Check(line, Equals, "MOVE 30,-20")

	// the accumulator drained; later ticks are silent
	_, ok = port.ExpectLine(100 * time.Millisecond)
	c.Check(ok, Equals, false)
}

func (s *mouseSuite) TestPerTickClamping(c *C) {
	d, port := s.startReady(c, mouse.Config{
		TickHz:          200,
		PerTickMaxDelta: 100,
		Gain:            1,
	})

	d.MoveRelative(250, 0)

	var deltas []string
	for len(deltas) < 3 {
		line, ok := port.ExpectLine(time.Second)
		c.Assert(ok, Equals, true)
		if strings.HasPrefix(line, "MOVE ") {
			deltas = append(deltas, line)
		}
	}
	c.Check(deltas, DeepEquals, []string{"MOVE 100,0", "MOVE 100,0", "MOVE 50,0"})
}

func (s *mouseSuite) TestAbsoluteGrid(c *C) {
	d, port := s.startReady(c, mouse.Config{
		TickHz:          200,
		PerTickMaxDelta: 255,
		Grid:            mouse.Grid{Width: 101, Height: 101},
	})
	c.Assert(d.SetMode(mouse.ModeAbsolute, 0), IsNil)

	// center of a 101x101 grid from origin
	d.MoveAbsolute(0.5, 0.5)
	line, ok := port.ExpectLine(time.Second)
	c.Assert(ok, Equals, true)
	c.Check(line, Equals, "MOVE 50,50")

	// no further movement until a new target arrives
	_, ok = port.ExpectLine(100 * time.Millisecond)
	c.Check(ok, Equals, false)
}

func (s *mouseSuite) TestClickTracksButtons(c *C) {
	d, port := s.startReady(c, mouse.Config{})

	c.Assert(d.Do("mouse.click", "tester", json.RawMessage(`{"button":1}`)), IsNil)
	line, ok := port.ExpectLine(time.Second)
	c.Assert(ok, Equals, true)
	c.Check(line, Equals, "CLICK 1")

	var sl mouse.Slice
	for i := 0; i < 500; i++ {
		c.Assert(s.store.UnmarshalSlice("ps2Mouse", &sl), IsNil)
		if len(sl.ButtonsDown) > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	c.Check(sl.ButtonsDown, DeepEquals, []int{1})

	c.Assert(d.Do("mouse.release", "tester", json.RawMessage(`{"button":1}`)), IsNil)
	line, ok = port.ExpectLine(time.Second)
	c.Assert(ok, Equals, true)
	c.Check(line, Equals, "RELEASE 1")
}

func (s *mouseSuite) TestHostPowerOffCancelsAndClears(c *C) {
	d, port := s.startReady(c, mouse.Config{TickHz: 100, Gain: 1})

	d.MoveRelative(0.4, 0) // sub-unit residue stays in the accumulator
	d.HostPowerChanged("off")

	// new submissions resolve immediately as cancelled
	c.Assert(d.Do("mouse.click", "tester", json.RawMessage(`{"button":2}`)), IsNil)
	_, ok := port.ExpectLine(100 * time.Millisecond)
	c.Check(ok, Equals, false)

	// accumulator was cleared; nothing ever flushes
	d.HostPowerChanged("on")
	_, ok = port.ExpectLine(100 * time.Millisecond)
	c.Check(ok, Equals, false)

	// power back on: commands work again
	c.Assert(d.Do("mouse.click", "tester", json.RawMessage(`{"button":2}`)), IsNil)
	line, ok := port.ExpectLine(time.Second)
	c.Assert(ok, Equals, true)
	c.Check(line, Equals, "CLICK 2")
}

func (s *mouseSuite) TestHostPowerCycleRehomesGridPosition(c *C) {
	d, port := s.startReady(c, mouse.Config{
		TickHz:          200,
		PerTickMaxDelta: 255,
		Grid:            mouse.Grid{Width: 101, Height: 101},
	})
	c.Assert(d.SetMode(mouse.ModeAbsolute, 0), IsNil)

	d.MoveAbsolute(0.5, 0.5)
	line, ok := port.ExpectLine(time.Second)
	c.Assert(ok, Equals, true)
	c.Check(line, Equals, "MOVE 50,50")

	d.HostPowerChanged("off")
	d.HostPowerChanged("on")

	// the cursor re-homed with the host: the same target is a full
	// move from the origin again, not a no-op from the stale position
	d.MoveAbsolute(0.5, 0.5)
	line, ok = port.ExpectLine(time.Second)
	c.Assert(ok, Equals, true)
	c.Check(line, Equals, "MOVE 50,50")
}

func (s *mouseSuite) TestUnknownCommand(c *C) {
	d, _ := s.startReady(c, mouse.Config{})
	c.Check(d.Do("mouse.teleport", "", nil), ErrorMatches, `unknown mouse command "mouse.teleport"`)
}
