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

package sheets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/tomb.v2"

	"github.com/benchrig/benchd/logger"
)

// Request is one unit of spreadsheet work, run on a pool worker with a
// per-task deadline.
type Request func(ctx context.Context, cl *Client) (interface{}, error)

// PoolConfig tunes one worker pool.
type PoolConfig struct {
	Size       int
	MaxPending int
	Timeout    time.Duration
}

// PoolStats is a point-in-time snapshot of pool activity.
type PoolStats struct {
	Size      int   `json:"size"`
	Pending   int   `json:"pending"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timedOut"`
}

var errPoolClosed = errors.New("sheets pool is closed")

type result struct {
	value interface{}
	err   error
}

type task struct {
	id   string
	fn   Request
	done chan result
}

// pool runs Size workers over a bounded task channel. Every worker
// builds its own client on startup (the init broadcast carrying
// credentials and the dry-run flag).
type pool struct {
	name string
	cfg  PoolConfig
	host Config

	tomb  *tomb.Tomb
	tasks chan *task

	mu        sync.Mutex
	active    int
	completed int64
	failed    int64
	timedOut  int64
}

func newPool(name string, cfg PoolConfig, host Config) *pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 32
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	p := &pool{
		name:  name,
		cfg:   cfg,
		host:  host,
		tomb:  new(tomb.Tomb),
		tasks: make(chan *task, cfg.MaxPending),
	}
	for i := 0; i < cfg.Size; i++ {
		p.tomb.Go(p.worker)
	}
	return p
}

func (p *pool) worker() error {
	ctx := p.tomb.Context(context.Background())
	cl, err := newClient(ctx, p.host)
	if err != nil {
		// the worker stays up; its tasks fail with the build error
		logger.Noticef("sheets: %s pool worker has no client: %v", p.name, err)
	}
	for {
		select {
		case <-p.tomb.Dying():
			return nil
		case t := <-p.tasks:
			p.runTask(ctx, cl, err, t)
		}
	}
}

func (p *pool) runTask(ctx context.Context, cl *Client, clientErr error, t *task) {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()

	var res result
	if clientErr != nil {
		res.err = fmt.Errorf("cannot run sheets task: %v", clientErr)
	} else {
		tctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		res.value, res.err = t.fn(tctx, cl)
		if res.err == nil && tctx.Err() != nil {
			res.err = tctx.Err()
		}
		timedOut := errors.Is(res.err, context.DeadlineExceeded)
		cancel()
		if timedOut {
			p.mu.Lock()
			p.timedOut++
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	p.active--
	if res.err != nil {
		p.failed++
	} else {
		p.completed++
	}
	p.mu.Unlock()

	t.done <- res
}

// submit queues a task; past MaxPending it fails immediately.
func (p *pool) submit(fn Request) (*task, error) {
	t := &task{
		id:   uuid.NewString(),
		fn:   fn,
		done: make(chan result, 1),
	}
	select {
	case <-p.tomb.Dying():
		return nil, errPoolClosed
	default:
	}
	select {
	case p.tasks <- t:
		return t, nil
	default:
		return nil, fmt.Errorf("cannot queue sheets task: %d pending (cap %d)", len(p.tasks), p.cfg.MaxPending)
	}
}

// exec runs fn on the pool and waits for its result.
func (p *pool) exec(ctx context.Context, fn Request) (interface{}, error) {
	t, err := p.submit(fn)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-t.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.tomb.Dying():
		return nil, errPoolClosed
	}
}

func (p *pool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Size:      p.cfg.Size,
		Pending:   len(p.tasks),
		Active:    p.active,
		Completed: p.completed,
		Failed:    p.failed,
		TimedOut:  p.timedOut,
	}
}

// close stops the workers; queued-but-unstarted tasks are dropped.
func (p *pool) close() error {
	p.tomb.Kill(nil)
	return p.tomb.Wait()
}
