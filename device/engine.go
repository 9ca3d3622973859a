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

// Package device implements the generic driver engine shared by all
// bench devices: a connect/identify/ready/error lifecycle over one
// owned serial port, a bounded FIFO operation queue with cooperative
// cancellation, backoff-based reconnection and byte-level write
// serialization.
package device

import (
	"context"
	"strings"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/serialport"
)

// BackoffConfig tunes reconnection delays.
type BackoffConfig struct {
	Base time.Duration
	Max  time.Duration
	// MaxAttempts of 0 retries indefinitely; otherwise exhaustion is
	// fatal for the driver.
	MaxAttempts int
}

// Delay computes min(base * 2^(attempt-1), max) for attempt >= 1.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Config describes one driver instance.
type Config struct {
	// Name is the state slice / log channel name, e.g. "ps2Mouse".
	Name string
	// Kind is the matcher kind, e.g. "ps2-mouse".
	Kind string
	// Token is the expected identify response; empty skips the
	// handshake (static, pre-trusted devices).
	Token           string
	LineEnding      serialport.EOL
	IdentifyTimeout time.Duration
	QueueMaxDepth   int
	HistoryLimit    int
	Backoff         BackoffConfig
}

// Protocol is the device-specific part of a driver. Implementations
// may additionally satisfy LineHandler or ByteHandler for inbound
// traffic and ReadyHook/DownHook for connection lifecycle.
type Protocol interface {
	// Exec runs one queued operation; all writes and sleeps must go
	// through ctx so cancellation checkpoints apply.
	Exec(ctx *OpContext, op *Operation) error
}

// LineHandler receives inbound firmware lines while ready.
type LineHandler interface {
	HandleLine(line string)
}

// ByteHandler receives raw inbound chunks while ready; devices with it
// are byte-oriented and must not configure an identify token.
type ByteHandler interface {
	HandleBytes(chunk []byte)
}

// ReadyHook runs after the driver reaches the ready phase.
type ReadyHook interface {
	ConnectionReady()
}

// DownHook runs after the open port is torn down, with the reason.
type DownHook interface {
	ConnectionDown(reason string)
}

type attachment struct {
	deviceID string
	path     string
	baud     int
	port     serialport.Port
}

// Engine runs the lifecycle state machine for one device.
type Engine struct {
	cfg   Config
	proto Protocol
	emitf func(Event)

	tomb     *tomb.Tomb
	attachCh chan attachment
	queue    *opQueue

	mu            sync.Mutex
	phase         Phase
	deviceID      string
	chain         *serialport.Chain
	current       *Operation
	gateReason    string
	closingReason string
	sessionCancel context.CancelFunc
}

// NewEngine builds an engine; emit receives every driver event and may
// be nil. Call Start before attaching.
func NewEngine(cfg Config, proto Protocol, emit func(Event)) *Engine {
	if cfg.IdentifyTimeout <= 0 {
		cfg.IdentifyTimeout = 5 * time.Second
	}
	if cfg.LineEnding == "" {
		cfg.LineEnding = serialport.EOLLF
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &Engine{
		cfg:      cfg,
		proto:    proto,
		emitf:    emit,
		attachCh: make(chan attachment, 1),
		queue:    newOpQueue(cfg.QueueMaxDepth),
		phase:    PhaseDisconnected,
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Start launches the engine goroutine.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tomb != nil {
		return
	}
	e.tomb = new(tomb.Tomb)
	e.tomb.Go(e.run)
}

// Stop terminates the engine, cancelling queued and active operations
// with reason "shutdown".
func (e *Engine) Stop() error {
	e.mu.Lock()
	t := e.tomb
	e.closingReason = "shutdown"
	cancel := e.sessionCancel
	e.mu.Unlock()
	if t == nil {
		return nil
	}
	e.CancelAll("shutdown")
	if cancel != nil {
		cancel()
	}
	t.Kill(nil)
	return t.Wait()
}

// Attach points the engine at an identified device path; the engine
// opens the port itself (discovery released the probe FD).
func (e *Engine) Attach(deviceID, path string, baud int) {
	e.push(attachment{deviceID: deviceID, path: path, baud: baud})
}

// AttachPort hands the engine an already open port (keepOpenOnStatic
// claims). On reconnect the engine reopens path itself.
func (e *Engine) AttachPort(deviceID, path string, baud int, port serialport.Port) {
	e.push(attachment{deviceID: deviceID, path: path, baud: baud, port: port})
}

func (e *Engine) push(att attachment) {
	for {
		select {
		case e.attachCh <- att:
			return
		default:
			// replace a stale pending attachment
			select {
			case <-e.attachCh:
			default:
			}
		}
	}
}

// Detach tears the session down after the device disappeared; queued
// and active operations cancel with reason "device-lost".
func (e *Engine) Detach() {
	e.mu.Lock()
	e.closingReason = "device-lost"
	cancel := e.sessionCancel
	e.mu.Unlock()
	e.CancelAll("device-lost")
	if cancel != nil {
		cancel()
	}
}

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// QueueDepth returns the number of queued operations.
func (e *Engine) QueueDepth() int {
	return e.queue.Depth()
}

// Busy reports whether an operation is executing.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Gate makes every new submission resolve immediately as cancelled
// with the given reason, and cancels everything pending.
func (e *Engine) Gate(reason string) {
	e.mu.Lock()
	e.gateReason = reason
	e.mu.Unlock()
	e.CancelAll(reason)
}

// Ungate lifts a Gate.
func (e *Engine) Ungate() {
	e.mu.Lock()
	e.gateReason = ""
	e.mu.Unlock()
}

// Submit places an operation on the queue. Past the depth bound the
// operation resolves immediately as failed with queue-full; under an
// active gate it resolves immediately as cancelled.
func (e *Engine) Submit(op *Operation) error {
	e.mu.Lock()
	gate := e.gateReason
	e.mu.Unlock()
	if gate != "" {
		op.Cancel(gate)
		e.finishOp(op, Cancelledf("%s", gate))
		return nil
	}
	if err := e.queue.Push(op); err != nil {
		op.finish(err)
		return err
	}
	e.emit(OperationEvent{Op: op.info(), Outcome: OutcomeQueued, Depth: e.queue.Depth(), Busy: e.Busy()})
	return nil
}

// CancelAll purges the queue and requests cancellation of the active
// operation with the given reason.
func (e *Engine) CancelAll(reason string) {
	for _, op := range e.queue.Purge() {
		op.Cancel(reason)
		e.finishOp(op, Cancelledf("%s", reason))
	}
	e.mu.Lock()
	current := e.current
	e.mu.Unlock()
	if current != nil {
		current.Cancel(reason)
	}
}

// WriteLine writes one line through the serial write chain.
func (e *Engine) WriteLine(line string) error {
	e.mu.Lock()
	chain := e.chain
	e.mu.Unlock()
	if chain == nil {
		return Recoverablef("port is not open")
	}
	return chain.WriteLine(line)
}

// WriteRaw writes raw bytes through the serial write chain.
func (e *Engine) WriteRaw(p []byte) error {
	e.mu.Lock()
	chain := e.chain
	e.mu.Unlock()
	if chain == nil {
		return Recoverablef("port is not open")
	}
	return chain.WriteRaw(p)
}

func (e *Engine) emit(ev Event) {
	if e.emitf != nil {
		e.emitf(ev)
	}
}

func (e *Engine) setPhase(phase Phase, message string) {
	e.mu.Lock()
	changed := e.phase != phase || message != ""
	e.phase = phase
	e.mu.Unlock()
	if changed {
		e.emit(PhaseEvent{Phase: phase, Message: message})
	}
}

func (e *Engine) run() error {
	for {
		select {
		case <-e.tomb.Dying():
			e.setPhase(PhaseDisconnected, "")
			return nil
		case att := <-e.attachCh:
			e.session(att)
		}
	}
}

func (e *Engine) session(att attachment) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := context.AfterFunc(e.tomb.Context(context.Background()), cancel)
	defer stop()

	e.mu.Lock()
	e.deviceID = att.deviceID
	e.closingReason = ""
	e.sessionCancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.sessionCancel = nil
		e.mu.Unlock()
	}()

	attempt := 0
	for ctx.Err() == nil {
		attempt++
		e.setPhase(PhaseConnecting, "")

		port := att.port
		att.port = nil // reconnects reopen the path themselves
		if port == nil {
			p, err := serialport.Open(att.path, att.baud)
			if err != nil {
				if !e.backoffWait(ctx, attempt, Recoverablef("%v", err)) {
					return
				}
				continue
			}
			port = p
		}

		if err := e.connect(ctx, att, port); err != nil {
			port.Close()
			if !e.backoffWait(ctx, attempt, err) {
				return
			}
			continue
		}
		// connect only returns nil after a completed session; the
		// next iteration reconnects from scratch
		attempt = 0
		if ctx.Err() == nil {
			// wire error mid-ready: reconnect after base delay
			if !e.backoffWait(ctx, 1, Recoverablef("connection lost")) {
				return
			}
		}
	}
	e.setPhase(PhaseDisconnected, "")
	e.emit(LostEvent{})
}

// connect drives one open port through identify and the ready loop.
// It returns nil when the ready loop ended (wire error or session
// cancellation) after a successful identify, and the identify error
// otherwise.
func (e *Engine) connect(ctx context.Context, att attachment, port serialport.Port) error {
	port.SetReadTimeout(200 * time.Millisecond)
	chain := serialport.NewChain(port, e.cfg.LineEnding)

	if bh, ok := e.proto.(ByteHandler); ok {
		e.setChain(chain)
		e.readyLoop(ctx, att, port, nil, bh)
		e.teardown(port)
		return nil
	}

	reader := serialport.NewLineReader(port)
	defer func() {
		// unblock the reader pump once the port is closed
		go func() {
			for range reader.Lines() {
			}
		}()
	}()

	if e.cfg.Token != "" {
		e.setPhase(PhaseIdentifying, "")
		if err := e.handshake(ctx, chain, reader); err != nil {
			return err
		}
	}

	e.setChain(chain)
	e.readyLoop(ctx, att, port, reader, nil)
	e.teardown(port)
	return nil
}

func (e *Engine) handshake(ctx context.Context, chain *serialport.Chain, reader *serialport.LineReader) error {
	if err := chain.WriteLine("identify"); err != nil {
		return Recoverablef("cannot send identify: %v", err)
	}
	deadline := time.NewTimer(e.cfg.IdentifyTimeout)
	defer deadline.Stop()
	for {
		select {
		case line, ok := <-reader.Lines():
			if !ok {
				return Recoverablef("port closed during identify: %v", reader.Err())
			}
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "debug:") || strings.HasPrefix(line, "done:") {
				continue
			}
			if !strings.EqualFold(line, e.cfg.Token) {
				return Protocolf("unexpected identify token %q (want %q)", line, e.cfg.Token)
			}
			if err := chain.WriteLine("identify_complete"); err != nil {
				return Recoverablef("cannot complete identify: %v", err)
			}
			return nil
		case <-deadline.C:
			return Protocolf("no identify response within %v", e.cfg.IdentifyTimeout)
		case <-ctx.Done():
			return Cancelledf("%s", e.closeReason())
		}
	}
}

// readyLoop pumps inbound traffic and runs the operation executor
// until the wire fails or the session is cancelled.
func (e *Engine) readyLoop(ctx context.Context, att attachment, port serialport.Port, lines *serialport.LineReader, bytes ByteHandler) {
	e.emit(IdentifiedEvent{DeviceID: att.deviceID, Path: att.path, BaudRate: att.baud})
	e.setPhase(PhaseReady, "")
	if hook, ok := e.proto.(ReadyHook); ok {
		hook.ConnectionReady()
	}

	rctx, rcancel := context.WithCancel(ctx)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		e.opLoop(rctx)
	}()

	var wireErr error
	if bytes != nil {
		reader := serialport.NewByteReader(port)
		defer func() {
			go func() {
				for range reader.Chunks() {
				}
			}()
		}()
	byteLoop:
		for {
			select {
			case chunk, ok := <-reader.Chunks():
				if !ok {
					wireErr = reader.Err()
					break byteLoop
				}
				bytes.HandleBytes(chunk)
			case <-rctx.Done():
				break byteLoop
			}
		}
	} else {
		handler, _ := e.proto.(LineHandler)
	lineLoop:
		for {
			select {
			case line, ok := <-lines.Lines():
				if !ok {
					wireErr = lines.Err()
					break lineLoop
				}
				if handler != nil {
					handler.HandleLine(line)
				}
			case <-rctx.Done():
				break lineLoop
			}
		}
	}

	rcancel()
	<-runnerDone

	if ctx.Err() == nil && wireErr != nil {
		logger.Debugf("%s: wire error: %v", e.cfg.Name, wireErr)
		e.emit(WireErrorEvent{Err: wireErr})
	}
	if hook, ok := e.proto.(DownHook); ok {
		hook.ConnectionDown(e.closeReason())
	}
}

func (e *Engine) teardown(port serialport.Port) {
	e.setChain(nil)
	port.Close()
}

func (e *Engine) setChain(chain *serialport.Chain) {
	e.mu.Lock()
	e.chain = chain
	e.mu.Unlock()
}

func (e *Engine) closeReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closingReason != "" {
		return e.closingReason
	}
	return "connection-closed"
}

// backoffWait publishes the error phase and sleeps the backoff delay.
// It returns false when reconnecting must stop (fatal exhaustion or
// session end).
func (e *Engine) backoffWait(ctx context.Context, attempt int, cause error) bool {
	if ctx.Err() != nil {
		return false
	}
	if e.cfg.Backoff.MaxAttempts > 0 && attempt >= e.cfg.Backoff.MaxAttempts {
		logger.Noticef("%s: giving up after %d attempts: %v", e.cfg.Name, attempt, cause)
		e.mu.Lock()
		e.phase = PhaseError
		e.mu.Unlock()
		e.emit(PhaseEvent{Phase: PhaseError, Message: cause.Error(), Fatal: true})
		return false
	}
	e.mu.Lock()
	e.phase = PhaseError
	e.mu.Unlock()
	e.emit(PhaseEvent{Phase: PhaseError, Message: cause.Error()})

	delay := e.cfg.Backoff.Delay(attempt)
	logger.Debugf("%s: reconnecting in %v (attempt %d): %v", e.cfg.Name, delay, attempt, cause)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) opLoop(ctx context.Context) {
	for {
		op := e.queue.Pop(ctx)
		if op == nil {
			return
		}
		if reason, cancelled := op.CancelRequested(); cancelled {
			e.finishOp(op, Cancelledf("%s", reason))
			continue
		}

		e.mu.Lock()
		e.current = op
		e.mu.Unlock()

		info := op.info()
		info.StartedAt = time.Now().UnixMilli()
		info.Outcome = OutcomeStarted
		e.emit(OperationEvent{Op: info, Outcome: OutcomeStarted, Depth: e.queue.Depth(), Busy: true})

		err := e.execOp(ctx, op)

		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()

		e.finishOp(op, err)
	}
}

func (e *Engine) execOp(ctx context.Context, op *Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Recoverablef("operation %s panicked: %v", op.Kind, r)
			logger.Noticef("%s: %v", e.cfg.Name, err)
		}
	}()
	opctx := &OpContext{engine: e, op: op, ctx: ctx}
	return e.proto.Exec(opctx, op)
}

// finishOp resolves the operation and emits exactly one terminal event.
func (e *Engine) finishOp(op *Operation, err error) {
	if !op.finish(err) {
		return
	}
	info := op.info()
	info.FinishedAt = time.Now().UnixMilli()
	switch {
	case err == nil:
		info.Outcome = OutcomeCompleted
	case KindOf(err) == KindCancelled:
		info.Outcome = OutcomeCancelled
		info.Error = err.Error()
	default:
		info.Outcome = OutcomeFailed
		info.Error = err.Error()
	}
	e.emit(OperationEvent{Op: info, Outcome: info.Outcome, Depth: e.queue.Depth(), Busy: e.Busy()})
}

// OpContext carries the cancellation checkpoints of an executing
// operation.
type OpContext struct {
	engine *Engine
	op     *Operation
	ctx    context.Context
}

// Err reports a pending cancellation; cooperative code checks it
// before every write and at each sleep step.
func (c *OpContext) Err() error {
	if reason, cancelled := c.op.CancelRequested(); cancelled {
		return Cancelledf("%s", reason)
	}
	if c.ctx.Err() != nil {
		return Cancelledf("%s", c.engine.closeReason())
	}
	return nil
}

// Context exposes the session context for blocking calls.
func (c *OpContext) Context() context.Context {
	return c.ctx
}

// sleepQuantum bounds how long a cancelled operation can keep
// sleeping before it notices.
const sleepQuantum = 25 * time.Millisecond

// Sleep waits for d in cancellation-checked quanta of at most 25ms.
func (c *OpContext) Sleep(d time.Duration) error {
	for d > 0 {
		if err := c.Err(); err != nil {
			return err
		}
		quantum := d
		if quantum > sleepQuantum {
			quantum = sleepQuantum
		}
		time.Sleep(quantum)
		d -= quantum
	}
	return c.Err()
}

// WriteLine checks for cancellation and writes one line.
func (c *OpContext) WriteLine(line string) error {
	if err := c.Err(); err != nil {
		return err
	}
	return c.engine.WriteLine(line)
}
