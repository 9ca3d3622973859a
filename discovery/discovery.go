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

// Package discovery enumerates USB-serial ports on a rescan interval,
// classifies them against a matcher list (token-first active probing
// with a static fallback) and arbitrates port ownership: a probe FD is
// always released before the owning driver is told about the device.
package discovery

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/serialport"
	"github.com/benchrig/benchd/strutil"
)

// Identified describes a claimed device.
type Identified struct {
	DeviceID  string
	Kind      string
	Path      string
	VendorID  string
	ProductID string
	BaudRate  int
	// KeptOpen is true when discovery retains the FD (static match
	// with keepOpenOnStatic); the path must then not be reopened.
	KeptOpen bool
}

// Callbacks receive discovery events; they run on the rescan goroutine
// and must not block. Nil callbacks are skipped.
type Callbacks struct {
	Identifying func(path string)
	Identified  func(info Identified)
	Lost        func(deviceID string)
	Error       func(path string, err error)
}

// IdentifyConfig tunes the active probe.
type IdentifyConfig struct {
	DefaultBaudRate int
	Timeout         time.Duration
	Retries         int
	LineEnding      serialport.EOL
}

// Options configure the service.
type Options struct {
	Matchers       []Matcher
	Identify       IdentifyConfig
	RescanInterval time.Duration
	Callbacks      Callbacks
}

type claim struct {
	id   string
	kind string
	path string
	port serialport.Port // non-nil only for keepOpenOnStatic claims
}

// Service is the discovery arbiter.
type Service struct {
	opts Options

	mu      sync.Mutex
	claims  map[string]*claim // by path
	started bool

	tomb *tomb.Tomb
}

// New creates an unstarted service.
func New(opts Options) *Service {
	if opts.Identify.DefaultBaudRate == 0 {
		opts.Identify.DefaultBaudRate = 115200
	}
	if opts.Identify.Timeout == 0 {
		opts.Identify.Timeout = 5 * time.Second
	}
	if opts.Identify.Retries == 0 {
		opts.Identify.Retries = 2
	}
	if opts.Identify.LineEnding == "" {
		opts.Identify.LineEnding = serialport.EOLLF
	}
	if opts.RescanInterval == 0 {
		opts.RescanInterval = 2 * time.Second
	}
	return &Service{
		opts:   opts,
		claims: make(map[string]*claim),
	}
}

// Start validates the matchers and kicks off the rescan loop; the
// initial scan runs asynchronously. Start is idempotent.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	for i := range s.opts.Matchers {
		if err := s.opts.Matchers[i].validate(); err != nil {
			return fmt.Errorf("cannot start discovery: %v", err)
		}
	}
	s.started = true
	kinds := make([]string, 0, len(s.opts.Matchers))
	for i := range s.opts.Matchers {
		kinds = append(kinds, s.opts.Matchers[i].Kind)
	}
	logger.Noticef("discovery: watching for %s", strutil.Quoted(kinds))
	s.tomb = new(tomb.Tomb)
	s.tomb.Go(s.loop)
	return nil
}

// Stop cancels the rescan loop and closes all discovery-owned ports.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	t := s.tomb
	s.mu.Unlock()

	t.Kill(nil)
	err := t.Wait()

	s.mu.Lock()
	for path, cl := range s.claims {
		if cl.port != nil {
			cl.port.Close()
		}
		delete(s.claims, path)
	}
	s.mu.Unlock()
	return err
}

func (s *Service) loop() error {
	// initial scan, then rescans on the interval
	s.scan()
	ticker := time.NewTicker(s.opts.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.tomb.Dying():
			return nil
		case <-ticker.C:
			s.scan()
		}
	}
}

func (s *Service) scan() {
	ports, err := serialport.List()
	if err != nil {
		logger.Debugf("discovery: %v", err)
		return
	}

	present := make(map[string]serialport.Info, len(ports))
	for _, info := range ports {
		present[info.Path] = info
	}

	// claimed paths that disappeared
	s.mu.Lock()
	var lost []*claim
	for path, cl := range s.claims {
		if _, ok := present[path]; !ok {
			delete(s.claims, path)
			lost = append(lost, cl)
		}
	}
	s.mu.Unlock()
	for _, cl := range lost {
		if cl.port != nil {
			cl.port.Close()
		}
		logger.Noticef("discovery: device %s (%s) lost from %s", cl.id, cl.kind, cl.path)
		s.emitLost(cl.id)
	}

	// probe only unclaimed paths
	for _, info := range ports {
		if s.tomb != nil && !s.tomb.Alive() {
			return
		}
		s.mu.Lock()
		_, claimed := s.claims[info.Path]
		s.mu.Unlock()
		if claimed {
			continue
		}
		s.classify(info)
	}
}

func (s *Service) classify(info serialport.Info) {
	var eligible []*Matcher
	for i := range s.opts.Matchers {
		m := &s.opts.Matchers[i]
		if m.constraintsPass(info) {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return
	}

	// exact-static shortcut: skip probing entirely
	for _, m := range eligible {
		if m.staticShortcut(info) {
			s.claimStatic(info, pickStatic(eligible))
			return
		}
	}

	var actives []*Matcher
	var statics []*Matcher
	for _, m := range eligible {
		if m.active() {
			actives = append(actives, m)
		} else {
			statics = append(statics, m)
		}
	}

	if len(actives) > 0 {
		if matched := s.probe(info, actives); matched != nil {
			s.claimActive(info, matched)
			return
		}
	}
	if best := pickStatic(statics); best != nil {
		s.claimStatic(info, best)
	}
}

// pickStatic scores static matchers by constraint strength; ties break
// by declaration order, which the slice preserves.
func pickStatic(matchers []*Matcher) *Matcher {
	var best *Matcher
	bestScore := -1
	for _, m := range matchers {
		if m.active() {
			continue
		}
		if score := m.staticScore(); score > bestScore {
			best, bestScore = m, score
		}
	}
	return best
}

// probe opens the port, sends the identify line and waits for the
// first non-noise response, retrying per config. The probe FD is
// always closed before the caller surfaces the identification.
func (s *Service) probe(info serialport.Info, candidates []*Matcher) *Matcher {
	s.emitIdentifying(info.Path)

	strategy := retry.LimitCount(s.opts.Identify.Retries, retry.Regular{
		Delay: 100 * time.Millisecond,
		Total: time.Duration(s.opts.Identify.Retries) * (s.opts.Identify.Timeout + time.Second),
	})
	for a := retry.Start(strategy, nil); a.Next(); {
		token, err := s.probeOnce(info)
		if err != nil {
			logger.Debugf("discovery: probe of %s failed: %v", info.Path, err)
			continue
		}
		for _, m := range candidates {
			if strings.EqualFold(token, m.IdentificationString) {
				return m
			}
		}
		logger.Debugf("discovery: %s answered unmatched token %q", info.Path, token)
	}
	return nil
}

func (s *Service) probeOnce(info serialport.Info) (token string, err error) {
	port, err := serialport.Open(info.Path, s.opts.Identify.DefaultBaudRate)
	if err != nil {
		return "", err
	}
	defer port.Close()
	port.SetReadTimeout(200 * time.Millisecond)

	chain := serialport.NewChain(port, s.opts.Identify.LineEnding)
	if err := chain.WriteLine("identify"); err != nil {
		return "", err
	}

	reader := serialport.NewLineReader(port)
	deadline := time.After(s.opts.Identify.Timeout)
	for {
		select {
		case line, ok := <-reader.Lines():
			if !ok {
				return "", fmt.Errorf("port closed during identify: %v", reader.Err())
			}
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "debug:") {
				continue
			}
			return line, nil
		case <-deadline:
			return "", fmt.Errorf("no identify response within %v", s.opts.Identify.Timeout)
		case <-s.tomb.Dying():
			return "", fmt.Errorf("discovery stopping")
		}
	}
}

func (s *Service) claimActive(info serialport.Info, m *Matcher) {
	cl := &claim{
		id:   deviceID(m.Kind),
		kind: m.Kind,
		path: info.Path,
	}
	s.mu.Lock()
	s.claims[info.Path] = cl
	s.mu.Unlock()

	logger.Noticef("discovery: identified %s at %s as %s", cl.id, info.Path, m.Kind)
	s.emitIdentified(Identified{
		DeviceID:  cl.id,
		Kind:      m.Kind,
		Path:      info.Path,
		VendorID:  info.VendorID,
		ProductID: info.ProductID,
		BaudRate:  matcherBaud(m, s.opts.Identify.DefaultBaudRate),
	})
}

func (s *Service) claimStatic(info serialport.Info, m *Matcher) {
	if m == nil {
		return
	}
	cl := &claim{
		id:   deviceID(m.Kind),
		kind: m.Kind,
		path: info.Path,
	}
	baud := matcherBaud(m, s.opts.Identify.DefaultBaudRate)
	if m.KeepOpenOnStatic {
		port, err := serialport.Open(info.Path, baud)
		if err != nil {
			logger.Debugf("discovery: cannot keep %s open: %v", info.Path, err)
			s.emitError(info.Path, err)
			return
		}
		cl.port = port
	}
	s.mu.Lock()
	s.claims[info.Path] = cl
	s.mu.Unlock()

	logger.Noticef("discovery: statically matched %s at %s as %s", cl.id, info.Path, m.Kind)
	s.emitIdentified(Identified{
		DeviceID:  cl.id,
		Kind:      m.Kind,
		Path:      info.Path,
		VendorID:  info.VendorID,
		ProductID: info.ProductID,
		BaudRate:  baud,
		KeptOpen:  cl.port != nil,
	})
}

// ClaimedPort returns the retained port of a keepOpenOnStatic claim.
func (s *Service) ClaimedPort(deviceID string) serialport.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cl := range s.claims {
		if cl.id == deviceID {
			return cl.port
		}
	}
	return nil
}

func matcherBaud(m *Matcher, dflt int) int {
	if m.BaudRate > 0 {
		return m.BaudRate
	}
	return dflt
}

func deviceID(kind string) string {
	return kind + "-" + uuid.NewString()[:8]
}

func (s *Service) emitIdentifying(path string) {
	if s.opts.Callbacks.Identifying != nil {
		s.opts.Callbacks.Identifying(path)
	}
}

func (s *Service) emitIdentified(info Identified) {
	if s.opts.Callbacks.Identified != nil {
		s.opts.Callbacks.Identified(info)
	}
}

func (s *Service) emitLost(id string) {
	if s.opts.Callbacks.Lost != nil {
		s.opts.Callbacks.Lost(id)
	}
}

func (s *Service) emitError(path string, err error) {
	if s.opts.Callbacks.Error != nil {
		s.opts.Callbacks.Error(path, err)
	}
}
