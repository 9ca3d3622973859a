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
	"context"
	"sync"
)

// opQueue is the bounded FIFO behind a driver. Push past the depth
// bound fails with queue-full; Pop blocks until an operation or
// context cancellation.
type opQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	ops  []*Operation
	max  int
}

func newOpQueue(max int) *opQueue {
	if max <= 0 {
		max = 32
	}
	q := &opQueue{max: max}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *opQueue) Push(op *Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) >= q.max {
		return QueueFullError(q.max)
	}
	q.ops = append(q.ops, op)
	q.cond.Broadcast()
	return nil
}

// Pop returns the next operation, or nil once ctx is done.
func (q *opQueue) Pop(ctx context.Context) *Operation {
	// wake the cond wait when the context ends
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ops) == 0 {
		if ctx.Err() != nil {
			return nil
		}
		q.cond.Wait()
	}
	if ctx.Err() != nil {
		return nil
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	return op
}

// Purge empties the queue and returns the removed operations.
func (q *opQueue) Purge() []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := q.ops
	q.ops = nil
	return removed
}

func (q *opQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}
