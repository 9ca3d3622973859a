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

package device

import (
	"errors"
	"fmt"
)

// ErrorKind classifies driver errors.
type ErrorKind int

const (
	// KindRecoverable errors trigger reconnect or retry.
	KindRecoverable ErrorKind = iota
	// KindFatal errors terminate the affected driver.
	KindFatal
	// KindCancelled is an operation outcome, not a system error; it
	// carries a reason string.
	KindCancelled
	// KindProtocol means the device returned an unexpected token or
	// malformed line; it triggers reconnect.
	KindProtocol
	// KindQueueFull rejects an operation at submission.
	KindQueueFull
)

func (k ErrorKind) String() string {
	switch k {
	case KindRecoverable:
		return "recoverable"
	case KindFatal:
		return "fatal"
	case KindCancelled:
		return "cancelled"
	case KindProtocol:
		return "protocol"
	case KindQueueFull:
		return "queue-full"
	}
	return fmt.Sprintf("error-kind-%d", int(k))
}

// Error is the taxonomy-carrying driver error.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cancelledf builds a cancelled outcome with the given reason.
func Cancelledf(format string, v ...interface{}) *Error {
	return &Error{Kind: KindCancelled, Reason: fmt.Sprintf(format, v...)}
}

// Protocolf builds a protocol error.
func Protocolf(format string, v ...interface{}) *Error {
	return &Error{Kind: KindProtocol, Err: fmt.Errorf(format, v...)}
}

// Recoverablef builds a recoverable error.
func Recoverablef(format string, v ...interface{}) *Error {
	return &Error{Kind: KindRecoverable, Err: fmt.Errorf(format, v...)}
}

// Fatalf builds a fatal error.
func Fatalf(format string, v ...interface{}) *Error {
	return &Error{Kind: KindFatal, Err: fmt.Errorf(format, v...)}
}

// QueueFullError rejects a submission past the queue depth bound.
func QueueFullError(depth int) *Error {
	return &Error{Kind: KindQueueFull, Reason: fmt.Sprintf("queue depth %d reached", depth)}
}

// KindOf extracts the error kind; plain errors map to recoverable.
func KindOf(err error) ErrorKind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return KindRecoverable
}

// CancelReason returns the reason of a cancelled outcome, if any.
func CancelReason(err error) (string, bool) {
	var derr *Error
	if errors.As(err, &derr) && derr.Kind == KindCancelled {
		return derr.Reason, true
	}
	return "", false
}
