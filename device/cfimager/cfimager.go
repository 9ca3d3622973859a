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

// Package cfimager drives the CF-card imager board. Unlike the other
// devices its protocol is request/response: every operation sends one
// command and consumes the board's reply lines (OK/ERR, ENTRY listings,
// base64 DATA streams) before the next operation may run. Card images
// move through a local staging directory on the bench controller.
package cfimager

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benchrig/benchd/device"
	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/osutil"
	"github.com/benchrig/benchd/state"
	"github.com/benchrig/benchd/strutil"
)

// Entry is one directory entry on the card.
type Entry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Dir  bool   `json:"dir"`
}

// Config tunes the driver.
type Config struct {
	// StagingDir holds card images on the controller side.
	StagingDir string
	// ReplyTimeout bounds the wait for each reply line.
	ReplyTimeout time.Duration
	Device       device.Config
}

// Slice is the cfImager state slice.
type Slice struct {
	device.SliceCore
	Cwd           string  `json:"cwd"`
	Entries       []Entry `json:"entries"`
	SearchResults []Entry `json:"searchResults,omitempty"`
	DiskFreeBytes uint64  `json:"diskFreeBytes"`
}

// Core implements device.Slice.
func (s *Slice) Core() *device.SliceCore { return &s.SliceCore }

// Driver owns the imager engine.
type Driver struct {
	cfg     Config
	engine  *device.Engine
	adapter *device.Adapter

	lines chan string

	mu       sync.Mutex
	cwd      string
	entries  []Entry
	results  []Entry
	diskFree uint64
}

// New builds and starts the driver.
func New(store *state.Store, cfg Config) (*Driver, error) {
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), "benchd-cfimager")
	}
	if err := os.MkdirAll(cfg.StagingDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create staging dir: %v", err)
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 5 * time.Second
	}
	if cfg.Device.Name == "" {
		cfg.Device.Name = "cfImager"
	}
	if cfg.Device.Kind == "" {
		cfg.Device.Kind = "cf-imager"
	}
	if cfg.Device.Token == "" {
		cfg.Device.Token = "CF"
	}
	d := &Driver{
		cfg:   cfg,
		lines: make(chan string, 256),
		cwd:   "/",
	}
	d.adapter = device.NewAdapter(store, cfg.Device.Name, &Slice{}, cfg.Device.HistoryLimit, func(ev device.Event, sl device.Slice) {
		d.fillSlice(sl.(*Slice))
	})
	d.engine = device.NewEngine(cfg.Device, d, d.adapter.Handle)
	d.engine.Start()
	return d, nil
}

// Engine exposes the underlying engine for attach/detach wiring.
func (d *Driver) Engine() *device.Engine { return d.engine }

// Stop terminates the driver.
func (d *Driver) Stop() error {
	return d.engine.Stop()
}

// StagingDir returns the controller-side image staging directory.
func (d *Driver) StagingDir() string {
	return d.cfg.StagingDir
}

func (d *Driver) fillSlice(sl *Slice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sl.Cwd = d.cwd
	sl.Entries = append([]Entry(nil), d.entries...)
	sl.SearchResults = append([]Entry(nil), d.results...)
	sl.DiskFreeBytes = d.diskFree
}

// ConnectionReady samples the staging disk and drops any stale reply
// lines left over from a previous session.
func (d *Driver) ConnectionReady() {
	d.drain()
	d.sampleDiskFree()
}

func (d *Driver) drain() {
	for {
		select {
		case <-d.lines:
		default:
			return
		}
	}
}

func (d *Driver) sampleDiskFree() {
	free, err := osutil.DiskFreeBytes(d.cfg.StagingDir)
	if err != nil {
		logger.Noticef("cfImager: cannot stat staging dir: %v", err)
		return
	}
	d.mu.Lock()
	d.diskFree = free
	d.mu.Unlock()
	logger.Debugf("cfImager: staging disk free %s", strutil.SizeToStr(int64(free)))
	d.adapter.Update(func(sl device.Slice) { d.fillSlice(sl.(*Slice)) })
}

// HandleLine feeds board replies to the executing operation.
func (d *Driver) HandleLine(line string) {
	select {
	case d.lines <- line:
	default:
		logger.Noticef("cfImager: dropping unexpected reply %q", line)
	}
}

// recv waits for the next reply line, honoring cancellation and the
// reply timeout.
func (d *Driver) recv(ctx *device.OpContext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	deadline := time.NewTimer(d.cfg.ReplyTimeout)
	defer deadline.Stop()
	select {
	case line := <-d.lines:
		return line, nil
	case <-deadline.C:
		return "", device.Recoverablef("no reply within %v", d.cfg.ReplyTimeout)
	case <-ctx.Context().Done():
		return "", ctx.Err()
	}
}

// recvOK consumes one reply and requires it to be OK.
func (d *Driver) recvOK(ctx *device.OpContext) error {
	line, err := d.recv(ctx)
	if err != nil {
		return err
	}
	if strings.HasPrefix(line, "ERR") {
		return device.Protocolf("board error: %s", strings.TrimSpace(strings.TrimPrefix(line, "ERR")))
	}
	if line != "OK" {
		return device.Protocolf("unexpected reply %q", line)
	}
	return nil
}

// recvEntries consumes ENTRY lines until DONE.
func (d *Driver) recvEntries(ctx *device.OpContext) ([]Entry, error) {
	var entries []Entry
	for {
		line, err := d.recv(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case line == "DONE":
			return entries, nil
		case strings.HasPrefix(line, "ERR"):
			return nil, device.Protocolf("board error: %s", strings.TrimSpace(strings.TrimPrefix(line, "ERR")))
		case strings.HasPrefix(line, "ENTRY "):
			entry, err := parseEntry(line)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		default:
			logger.Debugf("cfImager: skipping reply %q", line)
		}
	}
}

// parseEntry parses "ENTRY <dir|file> <size> <name>"; names may
// contain spaces.
func parseEntry(line string) (Entry, error) {
	parts := strings.SplitN(line, " ", 4)
	if len(parts) != 4 {
		return Entry{}, device.Protocolf("malformed entry %q", line)
	}
	size, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Entry{}, device.Protocolf("malformed entry size in %q", line)
	}
	return Entry{
		Name: parts[3],
		Size: size,
		Dir:  parts[1] == "dir",
	}, nil
}

var commandKinds = map[string]bool{
	"cfimager.changeDir":    true,
	"cfimager.createFolder": true,
	"cfimager.rename":       true,
	"cfimager.move":         true,
	"cfimager.delete":       true,
	"cfimager.readImage":    true,
	"cfimager.writeImage":   true,
	"cfimager.search":       true,
}

// Do routes an imager command into the operation queue.
func (d *Driver) Do(kind, requestedBy string, payload json.RawMessage) error {
	if !commandKinds[kind] {
		return fmt.Errorf("unknown cfimager command %q", kind)
	}
	return d.engine.Submit(device.NewOperation(kind, requestedBy, payload))
}

// Exec runs queued imager operations.
func (d *Driver) Exec(ctx *device.OpContext, op *device.Operation) (err error) {
	d.drain()
	defer d.sampleDiskFree()

	switch op.Kind {
	case "cfimager.changeDir":
		return d.changeDir(ctx, op)
	case "cfimager.createFolder":
		return d.simplePathOp(ctx, op, "MKDIR")
	case "cfimager.delete":
		return d.simplePathOp(ctx, op, "DELETE")
	case "cfimager.rename":
		return d.twoPathOp(ctx, op, "RENAME")
	case "cfimager.move":
		return d.twoPathOp(ctx, op, "MOVE")
	case "cfimager.readImage":
		return d.readImage(ctx, op)
	case "cfimager.writeImage":
		return d.writeImage(ctx, op)
	case "cfimager.search":
		return d.search(ctx, op)
	}
	return fmt.Errorf("unknown cfimager operation %q", op.Kind)
}

func pathOf(op *device.Operation) (string, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := op.UnmarshalPayload(&p); err != nil {
		return "", fmt.Errorf("cannot parse payload: %v", err)
	}
	if p.Path == "" {
		return "", fmt.Errorf("cannot %s without a path", op.Kind)
	}
	return p.Path, nil
}

func (d *Driver) changeDir(ctx *device.OpContext, op *device.Operation) error {
	path, err := pathOf(op)
	if err != nil {
		return err
	}
	if err := ctx.WriteLine("CD " + path); err != nil {
		return err
	}
	entries, err := d.recvEntries(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.cwd = path
	d.entries = entries
	d.mu.Unlock()
	d.adapter.Update(func(sl device.Slice) { d.fillSlice(sl.(*Slice)) })
	return nil
}

func (d *Driver) simplePathOp(ctx *device.OpContext, op *device.Operation, cmd string) error {
	path, err := pathOf(op)
	if err != nil {
		return err
	}
	if err := ctx.WriteLine(cmd + " " + path); err != nil {
		return err
	}
	return d.recvOK(ctx)
}

func (d *Driver) twoPathOp(ctx *device.OpContext, op *device.Operation, cmd string) error {
	var p struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := op.UnmarshalPayload(&p); err != nil {
		return fmt.Errorf("cannot parse payload: %v", err)
	}
	if p.From == "" || p.To == "" {
		return fmt.Errorf("cannot %s without from and to", op.Kind)
	}
	if err := ctx.WriteLine(fmt.Sprintf("%s %s %s", cmd, p.From, p.To)); err != nil {
		return err
	}
	return d.recvOK(ctx)
}

// readImage streams a card file into the staging directory.
func (d *Driver) readImage(ctx *device.OpContext, op *device.Operation) error {
	path, err := pathOf(op)
	if err != nil {
		return err
	}
	if err := ctx.WriteLine("READ " + path); err != nil {
		return err
	}

	dst := filepath.Join(d.cfg.StagingDir, filepath.Base(path))
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("cannot create staging file: %v", err)
	}
	defer f.Close()

	for {
		line, err := d.recv(ctx)
		if err != nil {
			os.Remove(dst)
			return err
		}
		switch {
		case line == "DONE":
			return f.Sync()
		case strings.HasPrefix(line, "ERR"):
			os.Remove(dst)
			return device.Protocolf("board error: %s", strings.TrimSpace(strings.TrimPrefix(line, "ERR")))
		case strings.HasPrefix(line, "DATA "):
			chunk, err := base64.StdEncoding.DecodeString(line[len("DATA "):])
			if err != nil {
				os.Remove(dst)
				return device.Protocolf("malformed data chunk: %v", err)
			}
			if _, err := f.Write(chunk); err != nil {
				os.Remove(dst)
				return fmt.Errorf("cannot write staging file: %v", err)
			}
		default:
			logger.Debugf("cfImager: skipping reply %q", line)
		}
	}
}

// writeChunkSize is the raw chunk size for image uploads; base64
// expands it by 4/3 which keeps each DATA line comfortably under the
// board's 8 KiB line buffer.
const writeChunkSize = 3072

// writeImage streams a staging file onto the card.
func (d *Driver) writeImage(ctx *device.OpContext, op *device.Operation) error {
	var p struct {
		Name string `json:"name"`
	}
	if err := op.UnmarshalPayload(&p); err != nil {
		return fmt.Errorf("cannot parse payload: %v", err)
	}
	if p.Name == "" || p.Name != filepath.Base(p.Name) {
		return fmt.Errorf("cannot write image: name must be a bare staging file name")
	}

	src := filepath.Join(d.cfg.StagingDir, p.Name)
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("cannot open staging file: %v", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("cannot stat staging file: %v", err)
	}

	if err := ctx.WriteLine(fmt.Sprintf("WRITE %s %d", p.Name, fi.Size())); err != nil {
		return err
	}
	if err := d.recvOK(ctx); err != nil {
		return err
	}

	buf := make([]byte, writeChunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if err := ctx.WriteLine("DATA " + base64.StdEncoding.EncodeToString(buf[:n])); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("cannot read staging file: %v", rerr)
		}
	}
	if err := ctx.WriteLine("END"); err != nil {
		return err
	}
	line, err := d.recv(ctx)
	if err != nil {
		return err
	}
	if line != "DONE" && line != "OK" {
		return device.Protocolf("unexpected reply %q", line)
	}
	return nil
}

func (d *Driver) search(ctx *device.OpContext, op *device.Operation) error {
	var p struct {
		Pattern string `json:"pattern"`
	}
	if err := op.UnmarshalPayload(&p); err != nil {
		return fmt.Errorf("cannot parse payload: %v", err)
	}
	if p.Pattern == "" {
		return fmt.Errorf("cannot search without a pattern")
	}
	if err := ctx.WriteLine("FIND " + p.Pattern); err != nil {
		return err
	}
	results, err := d.recvEntries(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.results = results
	d.mu.Unlock()
	d.adapter.Update(func(sl device.Slice) { d.fillSlice(sl.(*Slice)) })
	return nil
}
