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

package discovery_test

import (
	"sync"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/benchrig/benchd/discovery"
	"github.com/benchrig/benchd/serialport"
	"github.com/benchrig/benchd/testutil"
)

func Test(t *testing.T) { TestingT(t) }

type discoverySuite struct {
	testutil.BaseTest

	mu    sync.Mutex
	ports []serialport.Info
	fakes map[string]*serialport.FakePort
}

var _ = Suite(&discoverySuite{})

func (s *discoverySuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	s.ports = nil
	s.fakes = make(map[string]*serialport.FakePort)

	s.AddCleanup(serialport.MockList(func() ([]serialport.Info, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make([]serialport.Info, len(s.ports))
		copy(out, s.ports)
		return out, nil
	}))
	s.AddCleanup(serialport.MockOpen(func(path string, baud int) (serialport.Port, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		port := serialport.NewFakePort()
		s.fakes[path] = port
		return port, nil
	}))
}

func (s *discoverySuite) addPort(info serialport.Info) {
	s.mu.Lock()
	s.ports = append(s.ports, info)
	s.mu.Unlock()
}

func (s *discoverySuite) removePort(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, info := range s.ports {
		if info.Path == path {
			s.ports = append(s.ports[:i], s.ports[i+1:]...)
			return
		}
	}
}

func (s *discoverySuite) lastFake(path string) *serialport.FakePort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fakes[path]
}

// answerIdentify scripts firmware: on seeing "identify" it replies with
// the given lines on whatever fake port currently backs the path.
func (s *discoverySuite) answerIdentify(path string, lines ...string) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			port := s.lastFake(path)
			if port == nil {
				select {
				case <-done:
					return
				case <-time.After(time.Millisecond):
					continue
				}
			}
			select {
			case <-done:
				return
			case got := <-port.HostLines():
				if got == "identify" {
					for _, line := range lines {
						port.FeedLine(line)
					}
				}
			case <-time.After(time.Millisecond):
			}
		}
	}()
	return func() { close(done) }
}

func boolPtr(b bool) *bool { return &b }

type eventLog struct {
	mu          sync.Mutex
	identified  []discovery.Identified
	lost        []string
	identifying []string
}

func (l *eventLog) callbacks() discovery.Callbacks {
	return discovery.Callbacks{
		Identifying: func(path string) {
			l.mu.Lock()
			l.identifying = append(l.identifying, path)
			l.mu.Unlock()
		},
		Identified: func(info discovery.Identified) {
			l.mu.Lock()
			l.identified = append(l.identified, info)
			l.mu.Unlock()
		},
		Lost: func(id string) {
			l.mu.Lock()
			l.lost = append(l.lost, id)
			l.mu.Unlock()
		},
	}
}

func (l *eventLog) waitIdentified(c *C, n int) []discovery.Identified {
	for i := 0; i < 500; i++ {
		l.mu.Lock()
		if len(l.identified) >= n {
			out := make([]discovery.Identified, len(l.identified))
			copy(out, l.identified)
			l.mu.Unlock()
			return out
		}
		l.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.Fatalf("timed out waiting for %d identified events", n)
	return nil
}

func (l *eventLog) waitLost(c *C, n int) []string {
	for i := 0; i < 500; i++ {
		l.mu.Lock()
		if len(l.lost) >= n {
			out := make([]string, len(l.lost))
			copy(out, l.lost)
			l.mu.Unlock()
			return out
		}
		l.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.Fatalf("timed out waiting for %d lost events", n)
	return nil
}

func (s *discoverySuite) TestTokenMatchReleasesFD(c *C) {
	s.addPort(serialport.Info{Path: "/dev/ttyUSB0", IsUSB: true, VendorID: "2341", ProductID: "8036"})
	stop := s.answerIdentify("/dev/ttyUSB0", "debug: booted", "MS")
	defer stop()

	events := &eventLog{}
	svc := discovery.New(discovery.Options{
		Matchers: []discovery.Matcher{
			{Kind: "ps2-keyboard", IdentificationString: "KB"},
			{Kind: "ps2-mouse", IdentificationString: "MS", VendorID: "2341", ProductID: "8036"},
		},
		Identify: discovery.IdentifyConfig{
			Timeout: 5 * time.Second,
		},
		RescanInterval: 20 * time.Millisecond,
		Callbacks:      events.callbacks(),
	})
	c.Assert(svc.Start(), IsNil)
	defer svc.Stop()

	identified := events.waitIdentified(c, 1)
	c.Assert(identified, HasLen, 1)
	c.Check(identified[0].Kind, Equals, "ps2-mouse")
	c.Check(identified[0].Path, Equals, "/dev/ttyUSB0")
	c.Check(identified[0].VendorID, Equals, "2341")
	c.Check(identified[0].KeptOpen, Equals, false)

	// the probe FD was released before the event surfaced
	c.Check(s.lastFake("/dev/ttyUSB0").Closed(), Equals, true)
	c.Check(events.identifying, testutil.Contains, "/dev/ttyUSB0")
}

func (s *discoverySuite) TestClaimedPortsAreNotReprobed(c *C) {
	s.addPort(serialport.Info{Path: "/dev/ttyUSB0", IsUSB: true})
	stop := s.answerIdentify("/dev/ttyUSB0", "FP")
	defer stop()

	events := &eventLog{}
	svc := discovery.New(discovery.Options{
		Matchers:       []discovery.Matcher{{Kind: "front-panel", IdentificationString: "FP"}},
		RescanInterval: 10 * time.Millisecond,
		Callbacks:      events.callbacks(),
	})
	c.Assert(svc.Start(), IsNil)
	defer svc.Stop()

	events.waitIdentified(c, 1)
	// let several rescans pass; still exactly one claim
	time.Sleep(100 * time.Millisecond)
	events.mu.Lock()
	defer events.mu.Unlock()
	c.Check(events.identified, HasLen, 1)
}

func (s *discoverySuite) TestDeviceLostOnDisappearance(c *C) {
	s.addPort(serialport.Info{Path: "/dev/ttyUSB0", IsUSB: true})
	stop := s.answerIdentify("/dev/ttyUSB0", "AC")
	defer stop()

	events := &eventLog{}
	svc := discovery.New(discovery.Options{
		Matchers:       []discovery.Matcher{{Kind: "atlona", IdentificationString: "AC"}},
		RescanInterval: 10 * time.Millisecond,
		Callbacks:      events.callbacks(),
	})
	c.Assert(svc.Start(), IsNil)
	defer svc.Stop()

	identified := events.waitIdentified(c, 1)
	s.removePort("/dev/ttyUSB0")
	lost := events.waitLost(c, 1)
	c.Check(lost, DeepEquals, []string{identified[0].DeviceID})
}

func (s *discoverySuite) TestStaticShortcutSkipsProbe(c *C) {
	s.addPort(serialport.Info{Path: "/dev/ttyACM2", IsUSB: true, VendorID: "0403", ProductID: "6001"})

	events := &eventLog{}
	svc := discovery.New(discovery.Options{
		Matchers: []discovery.Matcher{
			{Kind: "power-meter", VendorID: "0403", ProductID: "6001", IdentifyRequired: boolPtr(false)},
		},
		RescanInterval: 10 * time.Millisecond,
		Callbacks:      events.callbacks(),
	})
	c.Assert(svc.Start(), IsNil)
	defer svc.Stop()

	identified := events.waitIdentified(c, 1)
	c.Check(identified[0].Kind, Equals, "power-meter")
	// no probe happened: no port was ever opened, no identifying event
	c.Check(s.lastFake("/dev/ttyACM2"), IsNil)
	events.mu.Lock()
	c.Check(events.identifying, HasLen, 0)
	events.mu.Unlock()
}

func (s *discoverySuite) TestStaticFallbackScoring(c *C) {
	s.addPort(serialport.Info{Path: "/dev/ttyUSB3", IsUSB: true, SerialNumber: "SN42"})

	events := &eventLog{}
	svc := discovery.New(discovery.Options{
		Matchers: []discovery.Matcher{
			// declared first but weaker (pathRegex only, score 1)
			{Kind: "weak", PathRegex: "ttyUSB", IdentifyRequired: boolPtr(false)},
			// serial-number constraint scores 3
			{Kind: "strong", SerialNumber: "SN42", IdentifyRequired: boolPtr(false)},
		},
		RescanInterval: 10 * time.Millisecond,
		Callbacks:      events.callbacks(),
	})
	c.Assert(svc.Start(), IsNil)
	defer svc.Stop()

	identified := events.waitIdentified(c, 1)
	c.Check(identified[0].Kind, Equals, "strong")
}

func (s *discoverySuite) TestKeepOpenOnStatic(c *C) {
	s.addPort(serialport.Info{Path: "/dev/ttyS9", VendorID: "1a86", ProductID: "7523"})

	events := &eventLog{}
	svc := discovery.New(discovery.Options{
		Matchers: []discovery.Matcher{
			{Kind: "printer", VendorID: "1a86", ProductID: "7523", IdentifyRequired: boolPtr(false), KeepOpenOnStatic: true},
		},
		RescanInterval: 10 * time.Millisecond,
		Callbacks:      events.callbacks(),
	})
	c.Assert(svc.Start(), IsNil)

	identified := events.waitIdentified(c, 1)
	c.Check(identified[0].KeptOpen, Equals, true)
	port := svc.ClaimedPort(identified[0].DeviceID)
	c.Assert(port, NotNil)

	c.Assert(svc.Stop(), IsNil)
	c.Check(s.lastFake("/dev/ttyS9").Closed(), Equals, true)
}

func (s *discoverySuite) TestMalformedMatcherRejectedAtStart(c *C) {
	svc := discovery.New(discovery.Options{
		Matchers: []discovery.Matcher{{Kind: "bad", PathRegex: "["}},
	})
	c.Check(svc.Start(), ErrorMatches, `cannot start discovery: cannot compile pathRegex of matcher "bad": .*`)

	svc = discovery.New(discovery.Options{
		Matchers: []discovery.Matcher{{Kind: "empty", IdentifyRequired: boolPtr(false)}},
	})
	c.Check(svc.Start(), ErrorMatches, `.*neither an identification string nor static constraints`)
}

func (s *discoverySuite) TestUnmatchedTokenFallsBackToStatic(c *C) {
	s.addPort(serialport.Info{Path: "/dev/ttyUSB5", IsUSB: true, VendorID: "dead"})
	stop := s.answerIdentify("/dev/ttyUSB5", "ZZ")
	defer stop()

	events := &eventLog{}
	svc := discovery.New(discovery.Options{
		Matchers: []discovery.Matcher{
			{Kind: "probed", IdentificationString: "MS"},
			{Kind: "fallback", VendorID: "dead", IdentifyRequired: boolPtr(false)},
		},
		Identify:       discovery.IdentifyConfig{Timeout: 100 * time.Millisecond, Retries: 1},
		RescanInterval: 10 * time.Millisecond,
		Callbacks:      events.callbacks(),
	})
	c.Assert(svc.Start(), IsNil)
	defer svc.Stop()

	identified := events.waitIdentified(c, 1)
	c.Check(identified[0].Kind, Equals, "fallback")
}
