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

// Package serialport abstracts USB-serial port access for discovery and
// the device drivers: enumeration with USB metadata, line-oriented
// framing with configurable line endings, and a write chain that keeps
// bytes from different producers from interleaving mid-line.
package serialport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is the device-facing handle. The real implementation is a
// go.bug.st serial port; tests substitute a FakePort.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	// SetReadTimeout bounds blocking reads; on expiry Read returns
	// (0, nil).
	SetReadTimeout(t time.Duration) error
}

// Info describes an enumerated port.
type Info struct {
	Path         string
	IsUSB        bool
	VendorID     string
	ProductID    string
	SerialNumber string
}

var openPort = func(path string, baud int) (Port, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("cannot open serial port %s: %v", path, err)
	}
	return port, nil
}

// Open opens the port exclusively at the given baud rate. A port
// already held by another opener fails loudly.
func Open(path string, baud int) (Port, error) {
	return openPort(path, baud)
}

// MockOpen replaces the port opener for tests.
func MockOpen(f func(path string, baud int) (Port, error)) (restore func()) {
	old := openPort
	openPort = f
	return func() {
		openPort = old
	}
}

var listPorts = func() ([]Info, error) {
	detailed, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("cannot enumerate serial ports: %v", err)
	}
	out := make([]Info, 0, len(detailed))
	for _, p := range detailed {
		out = append(out, Info{
			Path:         p.Name,
			IsUSB:        p.IsUSB,
			VendorID:     p.VID,
			ProductID:    p.PID,
			SerialNumber: p.SerialNumber,
		})
	}
	return out, nil
}

// List enumerates the serial ports present on the system.
func List() ([]Info, error) {
	return listPorts()
}

// MockList replaces the port enumerator for tests.
func MockList(f func() ([]Info, error)) (restore func()) {
	old := listPorts
	listPorts = f
	return func() {
		listPorts = old
	}
}
