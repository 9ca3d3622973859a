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

package discovery

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/benchrig/benchd/serialport"
)

// A Matcher is a declarative rule describing how to recognize one
// device class on a serial port.
type Matcher struct {
	// Kind names the device class, e.g. "ps2-mouse".
	Kind string `yaml:"kind"`
	// IdentificationString is the token the firmware answers to the
	// "identify" probe, e.g. "MS".
	IdentificationString string `yaml:"identificationString,omitempty"`
	VendorID             string `yaml:"vendorId,omitempty"`
	ProductID            string `yaml:"productId,omitempty"`
	SerialNumber         string `yaml:"serialNumber,omitempty"`
	PathRegex            string `yaml:"pathRegex,omitempty"`
	BaudRate             int    `yaml:"baudRate,omitempty"`
	// IdentifyRequired defaults to true; nil means unset.
	IdentifyRequired *bool `yaml:"identifyRequired,omitempty"`
	// KeepOpenOnStatic lets discovery retain the FD after a static
	// claim instead of handing the path to a driver.
	KeepOpenOnStatic bool `yaml:"keepOpenOnStatic,omitempty"`

	pathRe *regexp.Regexp
}

// identifyRequired resolves the tri-state flag with its true default.
func (m *Matcher) identifyRequired() bool {
	return m.IdentifyRequired == nil || *m.IdentifyRequired
}

// active reports whether the matcher participates in token probing.
func (m *Matcher) active() bool {
	return m.identifyRequired() && m.IdentificationString != ""
}

func (m *Matcher) validate() error {
	if m.Kind == "" {
		return fmt.Errorf("cannot use matcher without a kind")
	}
	if m.PathRegex != "" {
		re, err := regexp.Compile(m.PathRegex)
		if err != nil {
			return fmt.Errorf("cannot compile pathRegex of matcher %q: %v", m.Kind, err)
		}
		m.pathRe = re
	}
	if !m.active() && m.VendorID == "" && m.ProductID == "" && m.SerialNumber == "" && m.PathRegex == "" {
		return fmt.Errorf("matcher %q has neither an identification string nor static constraints", m.Kind)
	}
	return nil
}

// constraintsPass checks the optional static filters against the port.
func (m *Matcher) constraintsPass(info serialport.Info) bool {
	if m.VendorID != "" && !strings.EqualFold(m.VendorID, info.VendorID) {
		return false
	}
	if m.ProductID != "" && !strings.EqualFold(m.ProductID, info.ProductID) {
		return false
	}
	if m.SerialNumber != "" && m.SerialNumber != info.SerialNumber {
		return false
	}
	if m.pathRe != nil && !m.pathRe.MatchString(info.Path) {
		return false
	}
	return true
}

// staticScore ranks a static matcher by constraint strength.
func (m *Matcher) staticScore() int {
	score := 0
	if m.SerialNumber != "" {
		score += 3
	}
	if m.VendorID != "" {
		score += 2
	}
	if m.ProductID != "" {
		score += 2
	}
	if m.PathRegex != "" {
		score++
	}
	return score
}

// staticShortcut reports whether the matcher claims the port without
// probing: a serial-number hit, or a full vid+pid hit, on a matcher
// that does not require identification.
func (m *Matcher) staticShortcut(info serialport.Info) bool {
	if m.identifyRequired() {
		return false
	}
	if m.SerialNumber != "" && m.SerialNumber == info.SerialNumber {
		return true
	}
	return m.VendorID != "" && m.ProductID != "" &&
		strings.EqualFold(m.VendorID, info.VendorID) &&
		strings.EqualFold(m.ProductID, info.ProductID)
}
