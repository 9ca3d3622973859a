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

package atlona_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/benchrig/benchd/device"
	"github.com/benchrig/benchd/device/atlona"
	"github.com/benchrig/benchd/serialport"
	"github.com/benchrig/benchd/state"
	"github.com/benchrig/benchd/testutil"
)

func Test(t *testing.T) { TestingT(t) }

type atlonaSuite struct {
	testutil.BaseTest

	mu    sync.Mutex
	fakes []*serialport.FakePort
	store *state.Store
}

var _ = Suite(&atlonaSuite{})

func (s *atlonaSuite) SetUpTest(c *C) {
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

func (s *atlonaSuite) startReady(c *C, cfg atlona.Config) (*atlona.Driver, *serialport.FakePort) {
	d := atlona.New(s.store, cfg)
	s.AddCleanup(func() { d.Stop() })
	d.Engine().Attach("atlona-1", "/dev/ttyUSB0", 115200)

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
	port.FeedLine("AC")
	line, ok = port.ExpectLine(5 * time.Second)
	c.Assert(ok, Equals, true)
	c.Assert(line, Equals, "identify_complete")

	for i := 0; i < 500 && d.Engine().Phase() != device.PhaseReady; i++ {
		time.Sleep(2 * time.Millisecond)
	}
	c.Assert(d.Engine().Phase(), Equals, device.PhaseReady)
	return d, port
}

func (s *atlonaSuite) TestHoldRelease(c *C) {
	d, port := s.startReady(c, atlona.Config{})

	c.Assert(d.Do("atlona.hold", "tester", json.RawMessage(`{"switch":3}`)), IsNil)
	line, ok := port.ExpectLine(time.Second)
	c.Assert(ok, Equals, true)
	c.Check(line, Equals, "hold 3")
	c.Check(d.Held(3), Equals, true)

	c.Assert(d.Do("atlona.hold", "tester", json.RawMessage(`{"switch":1}`)), IsNil)
	line, ok = port.ExpectLine(time.Second)
	c.Assert(ok, Equals, true)
	c.Check(line, Equals, "hold 1")

	var sl atlona.Slice
	for i := 0; i < 500; i++ {
		c.Assert(s.store.UnmarshalSlice("atlonaController", &sl), IsNil)
		if len(sl.HeldSwitches) == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	c.Check(sl.HeldSwitches, DeepEquals, []int{1, 3})

	c.Assert(d.Do("atlona.release", "tester", json.RawMessage(`{"switch":3}`)), IsNil)
	line, ok = port.ExpectLine(time.Second)
	c.Assert(ok, Equals, true)
	c.Check(line, Equals, "release 3")
	c.Check(d.Held(3), Equals, false)
}

func (s *atlonaSuite) TestDisconnectClearsHeld(c *C) {
	d, port := s.startReady(c, atlona.Config{})

	c.Assert(d.Do("atlona.hold", "tester", json.RawMessage(`{"switch":2}`)), IsNil)
	_, ok := port.ExpectLine(time.Second)
	c.Assert(ok, Equals, true)
	c.Assert(d.Held(2), Equals, true)

	d.Engine().Detach()
	for i := 0; i < 500 && d.Held(2); i++ {
		time.Sleep(2 * time.Millisecond)
	}
	c.Check(d.Held(2), Equals, false)
}

func (s *atlonaSuite) TestBadSwitchNumber(c *C) {
	d, _ := s.startReady(c, atlona.Config{})

	op := device.NewOperation("atlona.hold", "tester", json.RawMessage(`{"switch":0}`))
	c.Assert(d.Engine().Submit(op), IsNil)
	err := op.Wait(context.Background())
	c.Check(err, ErrorMatches, `cannot atlona.hold: switch number must be positive`)
}

func (s *atlonaSuite) TestBackoffEnvOverrides(c *C) {
	for key, val := range map[string]string{
		"ATLONA_RECONNECT_BASE_MS":      "50",
		"ATLONA_RECONNECT_MAX_MS":       "400",
		"ATLONA_RECONNECT_MAX_ATTEMPTS": "7",
	} {
		os.Setenv(key, val)
		key := key
		s.AddCleanup(func() { os.Unsetenv(key) })
	}

	d := atlona.New(s.store, atlona.Config{})
	s.AddCleanup(func() { d.Stop() })

	cfg := d.Engine().Config()
	c.Check(cfg.Backoff.Base, Equals, 50*time.Millisecond)
	c.Check(cfg.Backoff.Max, Equals, 400*time.Millisecond)
	c.Check(cfg.Backoff.MaxAttempts, Equals, 7)
}

func (s *atlonaSuite) TestUnknownCommand(c *C) {
	d, _ := s.startReady(c, atlona.Config{})
	c.Check(d.Do("atlona.route", "", nil), ErrorMatches, `unknown atlona command "atlona.route"`)
}
