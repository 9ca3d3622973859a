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

package serialport

import (
	"io"
	"strings"
	"sync"
	"time"
)

// FakePort is an in-memory Port for driver and discovery tests. Bytes
// injected with Feed become readable on the host side; host writes are
// captured and also surfaced as whole lines on a channel.
type FakePort struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool

	readBuf     []byte
	readTimeout time.Duration

	written   []byte
	lineAcc   []byte
	hostLines chan string
}

// NewFakePort creates an open fake port.
func NewFakePort() *FakePort {
	f := &FakePort{hostLines: make(chan string, 128)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Feed injects device-to-host bytes.
func (f *FakePort) Feed(data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.readBuf = append(f.readBuf, data...)
	f.cond.Broadcast()
}

// FeedLine injects a device-to-host line with a trailing newline.
func (f *FakePort) FeedLine(line string) {
	f.Feed(line + "\n")
}

// Read blocks until data, close or read-timeout expiry; on expiry it
// returns (0, nil) like the real port.
func (f *FakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readTimeout > 0 {
		timer := time.AfterFunc(f.readTimeout, func() {
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
		})
		defer timer.Stop()
		expired := time.Now().Add(f.readTimeout)
		for len(f.readBuf) == 0 && !f.closed && time.Now().Before(expired) {
			f.cond.Wait()
		}
	} else {
		for len(f.readBuf) == 0 && !f.closed {
			f.cond.Wait()
		}
	}

	if len(f.readBuf) == 0 {
		if f.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, f.readBuf)
	f.readBuf = f.readBuf[n:]
	return n, nil
}

// Write captures host-to-device bytes and publishes completed lines.
func (f *FakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	f.written = append(f.written, p...)
	for _, b := range p {
		if b == '\n' {
			line := strings.TrimSuffix(string(f.lineAcc), "\r")
			f.lineAcc = nil
			select {
			case f.hostLines <- line:
			default:
			}
		} else {
			f.lineAcc = append(f.lineAcc, b)
		}
	}
	return len(p), nil
}

// Close unblocks pending reads with io.EOF.
func (f *FakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.cond.Broadcast()
	return nil
}

// Closed reports whether Close has been called.
func (f *FakePort) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SetReadTimeout bounds blocking reads.
func (f *FakePort) SetReadTimeout(t time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readTimeout = t
	return nil
}

// Written returns everything the host has written so far.
func (f *FakePort) Written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.written)
}

// HostLines streams completed lines written by the host.
func (f *FakePort) HostLines() <-chan string {
	return f.hostLines
}

// ExpectLine waits for the next host-written line, up to the timeout.
func (f *FakePort) ExpectLine(timeout time.Duration) (string, bool) {
	select {
	case line := <-f.hostLines:
		return line, true
	case <-time.After(timeout):
		return "", false
	}
}
