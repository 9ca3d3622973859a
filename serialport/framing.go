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
	"fmt"
	"io"
	"strings"
	"sync"
)

// EOL is the line ending written to device firmware.
type EOL string

const (
	EOLLF   EOL = "\n"
	EOLCRLF EOL = "\r\n"
	EOLCR   EOL = "\r"
)

// ParseEOL maps a config name ("lf", "crlf", "cr") to its EOL.
func ParseEOL(name string) (EOL, error) {
	switch name {
	case "", "lf":
		return EOLLF, nil
	case "crlf":
		return EOLCRLF, nil
	case "cr":
		return EOLCR, nil
	}
	return EOLLF, fmt.Errorf("cannot use line ending %q (try lf, crlf or cr)", name)
}

// A Chain serializes writes to a port so that lines from concurrent
// producers (movement ticks, queued operations, handshakes) never
// interleave bytes mid-line.
type Chain struct {
	mu  sync.Mutex
	w   io.Writer
	eol EOL
}

// NewChain wraps the writer; all port writes must go through it.
func NewChain(w io.Writer, eol EOL) *Chain {
	if eol == "" {
		eol = EOLLF
	}
	return &Chain{w: w, eol: eol}
}

// WriteLine writes line plus the configured ending as one unit.
func (c *Chain) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.w, line+string(c.eol)); err != nil {
		return fmt.Errorf("cannot write to port: %v", err)
	}
	return nil
}

// WriteRaw writes raw bytes as one unit.
func (c *Chain) WriteRaw(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(p); err != nil {
		return fmt.Errorf("cannot write to port: %v", err)
	}
	return nil
}

// A LineReader pumps a port into a channel of trimmed lines on a
// dedicated goroutine. The channel closes on read error or Close; Err
// reports the terminal error, io.EOF included.
type LineReader struct {
	lines chan string

	mu  sync.Mutex
	err error
}

// NewLineReader starts reading lines from the port. Both \n and \r\n
// terminated input are accepted; the terminator is stripped.
func NewLineReader(port Port) *LineReader {
	r := &LineReader{lines: make(chan string, 64)}
	go r.pump(port)
	return r
}

func (r *LineReader) pump(port Port) {
	defer close(r.lines)
	buf := make([]byte, 512)
	var acc strings.Builder
	for {
		n, err := port.Read(buf)
		if n > 0 {
			for _, b := range buf[:n] {
				switch b {
				case '\n':
					r.lines <- strings.TrimSuffix(acc.String(), "\r")
					acc.Reset()
				default:
					acc.WriteByte(b)
				}
			}
		}
		if err != nil {
			r.setErr(err)
			return
		}
	}
}

func (r *LineReader) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Lines is the stream of received lines; it closes on terminal error.
func (r *LineReader) Lines() <-chan string {
	return r.lines
}

// Err returns the terminal read error once Lines has closed.
func (r *LineReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// A ByteReader pumps raw chunks for byte-oriented devices (the receipt
// printer has no line discipline on its input stream).
type ByteReader struct {
	chunks chan []byte

	mu  sync.Mutex
	err error
}

// NewByteReader starts reading raw chunks from the port.
func NewByteReader(port Port) *ByteReader {
	r := &ByteReader{chunks: make(chan []byte, 64)}
	go r.pump(port)
	return r
}

func (r *ByteReader) pump(port Port) {
	defer close(r.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.chunks <- chunk
		}
		if err != nil {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			return
		}
	}
}

// Chunks is the stream of received chunks; it closes on terminal error.
func (r *ByteReader) Chunks() <-chan []byte {
	return r.chunks
}

// Err returns the terminal read error once Chunks has closed.
func (r *ByteReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
