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

package logger_test

import (
	"fmt"
	"os"
	"regexp"
	"time"

	. "gopkg.in/check.v1"

	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/testutil"
)

var _ = Suite(&HubSuite{})

type HubSuite struct {
	testutil.BaseTest
}

func (s *HubSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	_, restore := logger.MockLogger()
	s.AddCleanup(restore)
	s.AddCleanup(logger.MockTime(func() time.Time {
		return time.Unix(100, 500*int64(time.Millisecond))
	}))
}

func (s *HubSuite) TestLogfRecordsEntry(c *C) {
	h := logger.NewHub(&logger.HubOptions{Capacity: 10, SnapshotSize: 10})
	h.Infof("discovery", "scan found %d ports", 3)

	history := h.History()
	c.Assert(history, HasLen, 1)
	c.Check(history[0].Level, Equals, "info")
	c.Check(history[0].Channel, Equals, "discovery")
	c.Check(history[0].Message, Equals, "scan found 3 ports")
	c.Check(history[0].TS, Equals, float64(100500))
}

func (s *HubSuite) TestRingBounded(c *C) {
	h := logger.NewHub(&logger.HubOptions{Capacity: 3, SnapshotSize: 10})
	for i := 0; i < 5; i++ {
		h.Infof("bus", "entry %d", i)
	}

	history := h.History()
	c.Assert(history, HasLen, 3)
	c.Check(history[0].Message, Equals, "entry 2")
	c.Check(history[2].Message, Equals, "entry 4")
}

func (s *HubSuite) TestSnapshotSizeCapsHistory(c *C) {
	h := logger.NewHub(&logger.HubOptions{Capacity: 10, SnapshotSize: 2})
	for i := 0; i < 5; i++ {
		h.Infof("bus", "entry %d", i)
	}

	history := h.History()
	c.Assert(history, HasLen, 2)
	c.Check(history[0].Message, Equals, "entry 3")
	c.Check(history[1].Message, Equals, "entry 4")
}

func (s *HubSuite) TestLevelFloor(c *C) {
	h := logger.NewHub(&logger.HubOptions{Capacity: 10, SnapshotSize: 10, MinLevel: logger.LevelWarn})
	h.Debugf("ws", "dropped")
	h.Infof("ws", "dropped")
	h.Warnf("ws", "kept")
	h.Errorf("ws", "kept too")

	history := h.History()
	c.Assert(history, HasLen, 2)
	c.Check(history[0].Message, Equals, "kept")
	c.Check(history[1].Message, Equals, "kept too")
}

func (s *HubSuite) TestChannelAllowlist(c *C) {
	h := logger.NewHub(&logger.HubOptions{
		Capacity: 10, SnapshotSize: 10,
		Allowlist: []string{"discovery", "device.ps2-mouse"},
	})
	h.Infof("discovery", "kept")
	h.Infof("sheets", "dropped")
	h.Infof("device.ps2-mouse", "kept")

	history := h.History()
	c.Assert(history, HasLen, 2)
	c.Check(history[0].Channel, Equals, "discovery")
	c.Check(history[1].Channel, Equals, "device.ps2-mouse")
}

func (s *HubSuite) TestRedaction(c *C) {
	h := logger.NewHub(&logger.HubOptions{
		Capacity: 10, SnapshotSize: 10,
		Redact: regexp.MustCompile(`token=\S+`),
	})
	h.Infof("sheets", "auth with token=abc123 ok")

	history := h.History()
	c.Assert(history, HasLen, 1)
	c.Check(history[0].Message, Equals, "auth with [redacted] ok")
}

func (s *HubSuite) TestAppendRejectsUnknownLevel(c *C) {
	h := logger.NewHub(&logger.HubOptions{Capacity: 10, SnapshotSize: 10})
	c.Check(h.Append(logger.Entry{Level: "shouting", Channel: "sidecar", Message: "x"}), Equals, false)
	c.Check(h.Append(logger.Entry{Level: "warn", Channel: "sidecar", Message: "x"}), Equals, true)
	c.Check(h.History(), HasLen, 1)
}

func (s *HubSuite) TestSubscribeReceivesLiveEntries(c *C) {
	h := logger.NewHub(&logger.HubOptions{Capacity: 10, SnapshotSize: 10})
	ch, cancel := h.Subscribe(4)
	defer cancel()

	h.Warnf("device.atlona", "reconnecting")

	select {
	case e := <-ch:
		c.Check(e.Level, Equals, "warn")
		c.Check(e.Message, Equals, "reconnecting")
	case <-time.After(time.Second):
		c.Fatal("timeout waiting for live entry")
	}
}

func (s *HubSuite) TestSubscribeDropsWhenFull(c *C) {
	h := logger.NewHub(&logger.HubOptions{Capacity: 10, SnapshotSize: 10})
	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Infof("bus", "first")
	h.Infof("bus", "second")

	// only the first fits the buffer, the hub must not have blocked
	c.Check(h.History(), HasLen, 2)
	e := <-ch
	c.Check(e.Message, Equals, "first")
	select {
	case e := <-ch:
		c.Fatalf("unexpected extra entry %q", e.Message)
	default:
	}
}

func (s *HubSuite) TestCancelTwiceSafe(c *C) {
	h := logger.NewHub(&logger.HubOptions{Capacity: 10, SnapshotSize: 10})
	_, cancel := h.Subscribe(1)
	cancel()
	cancel()
}

func (s *HubSuite) TestHubOptionsFromEnv(c *C) {
	for _, kv := range [][2]string{
		{"CLIENT_LOGS_CAPACITY", "7"},
		{"CLIENT_LOGS_SNAPSHOT", "3"},
		{"LOG_CHANNEL_ALLOWLIST", "discovery,ws"},
		{"LOG_LEVEL_MIN", "warn"},
		{"LOG_REDACT_PATTERN", `secret=\S+`},
	} {
		os.Setenv(kv[0], kv[1])
		s.AddCleanup(func(key string) func() {
			return func() { os.Unsetenv(key) }
		}(kv[0]))
	}

	opts := logger.HubOptionsFromEnv()
	c.Check(opts.Capacity, Equals, 7)
	c.Check(opts.SnapshotSize, Equals, 3)
	c.Check(opts.Allowlist, DeepEquals, []string{"discovery", "ws"})
	c.Check(opts.MinLevel, Equals, logger.LevelWarn)
	c.Check(opts.Redact, NotNil)
	c.Check(opts.Redact.String(), Equals, `secret=\S+`)
}

func (s *HubSuite) TestParseLevel(c *C) {
	for i, name := range []string{"debug", "info", "warn", "error", "fatal"} {
		lvl, err := logger.ParseLevel(name)
		c.Assert(err, IsNil)
		c.Check(int(lvl), Equals, i)
		c.Check(lvl.String(), Equals, name)
	}
	_, err := logger.ParseLevel("verbose")
	c.Check(err, ErrorMatches, `unknown log level "verbose"`)
	c.Check(fmt.Sprintf("%s", logger.Level(9)), Equals, "level-9")
}
