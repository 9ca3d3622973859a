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

package powermeter_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/benchrig/benchd/device"
	"github.com/benchrig/benchd/device/powermeter"
	"github.com/benchrig/benchd/serialport"
	"github.com/benchrig/benchd/state"
	"github.com/benchrig/benchd/testutil"
)

func Test(t *testing.T) { TestingT(t) }

type powermeterSuite struct {
	testutil.BaseTest

	mu       sync.Mutex
	fakes    []*serialport.FakePort
	store    *state.Store
	readings []powermeter.Reading
}

var _ = Suite(&powermeterSuite{})

func (s *powermeterSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	s.fakes = nil
	s.readings = nil
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

func (s *powermeterSuite) recordReading(r powermeter.Reading) {
	s.mu.Lock()
	s.readings = append(s.readings, r)
	s.mu.Unlock()
}

func (s *powermeterSuite) waitReadings(c *C, n int) []powermeter.Reading {
	for i := 0; i < 500; i++ {
		s.mu.Lock()
		got := append([]powermeter.Reading(nil), s.readings...)
		s.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	c.Fatalf("timed out waiting for %d readings", n)
	return nil
}

func (s *powermeterSuite) startReady(c *C) (*powermeter.Driver, *serialport.FakePort) {
	d := powermeter.New(s.store, powermeter.Config{ReadingPublished: s.recordReading})
	s.AddCleanup(func() { d.Stop() })
	d.Engine().Attach("power-meter-1", "/dev/ttyUSB0", 115200)

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
	port.FeedLine("PM")
	line, ok = port.ExpectLine(5 * time.Second)
	c.Assert(ok, Equals, true)
	c.Assert(line, Equals, "identify_complete")

	for i := 0; i < 500 && d.Engine().Phase() != device.PhaseReady; i++ {
		time.Sleep(2 * time.Millisecond)
	}
	c.Assert(d.Engine().Phase(), Equals, device.PhaseReady)
	return d, port
}

func (s *powermeterSuite) TestReadingStream(c *C) {
	d, port := s.startReady(c)

	port.FeedLine("W 12.5 V 119.8 A 0.104")
	port.FeedLine("W 13.1 V 119.9 A 0.109")

	got := s.waitReadings(c, 2)
	c.Check(got[0].Watts, Equals, 12.5)
	c.Check(got[0].Volts, Equals, 119.8)
	c.Check(got[0].Amps, Equals, 0.104)
	c.Check(got[1].Watts, Equals, 13.1)

	last, samples := d.Last()
	c.Check(last.Watts, Equals, 13.1)
	c.Check(samples, Equals, int64(2))

	var sl powermeter.Slice
	for i := 0; i < 500; i++ {
		c.Assert(s.store.UnmarshalSlice("powerMeter", &sl), IsNil)
		if sl.Samples == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	c.Check(sl.Watts, Equals, 13.1)
	c.Check(sl.Samples, Equals, int64(2))
	c.Check(sl.LastReadingAt > 0, Equals, true)
}

func (s *powermeterSuite) TestGarbageLinesDropped(c *C) {
	d, port := s.startReady(c)

	port.FeedLine("calibrating...")
	port.FeedLine("W x V y A z")
	port.FeedLine("W 5.0 V 120.0 A 0.042")

	got := s.waitReadings(c, 1)
	c.Check(got, HasLen, 1)
	_, samples := d.Last()
	c.Check(samples, Equals, int64(1))
}

func (s *powermeterSuite) TestIntervalAndTare(c *C) {
	d, port := s.startReady(c)

	c.Assert(d.Do("powermeter.interval", "tester", json.RawMessage(`{"ms":250}`)), IsNil)
	line, ok := port.ExpectLine(time.Second)
	c.Assert(ok, Equals, true)
	c.Check(line, Equals, "SET_INTERVAL 250")

	c.Assert(d.Do("powermeter.tare", "tester", nil), IsNil)
	line, ok = port.ExpectLine(time.Second)
	c.Assert(ok, Equals, true)
	c.Check(line, Equals, "TARE")
}

func (s *powermeterSuite) TestBadInterval(c *C) {
	d, _ := s.startReady(c)

	op := device.NewOperation("powermeter.interval", "tester", json.RawMessage(`{"ms":0}`))
	c.Assert(d.Engine().Submit(op), IsNil)
	err := op.Wait(context.Background())
	c.Check(err, ErrorMatches, `cannot set interval: ms must be positive`)
}

func (s *powermeterSuite) TestUnknownCommand(c *C) {
	d, _ := s.startReady(c)
	c.Check(d.Do("powermeter.reset", "", nil), ErrorMatches, `unknown powermeter command "powermeter.reset"`)
}
