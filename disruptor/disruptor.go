/*
 * Copyright 2023 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package disruptor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Disruptor owns a ring buffer and its consumer groups.
// Disruptor 持有环形缓冲区及其消费者组
type Disruptor[T any] struct {
	ring     *RingBuffer[T]
	pools    []*WorkerPool[T]
	started  atomic.Bool
	halted   atomic.Bool
	haltOnce sync.Once
	// drainPoll is how often Shutdown checks whether consumers caught up.
	drainPoll time.Duration
}

func New[T any](ring *RingBuffer[T]) *Disruptor[T] {
	return &Disruptor[T]{ring: ring, drainPoll: time.Millisecond}
}

func (d *Disruptor[T]) RingBuffer() *RingBuffer[T] {
	return d.ring
}

// HandleEventsWithWorkerPool adds a consumer group of workers that run stages
// in order for every slot. Must be called before Start.
func (d *Disruptor[T]) HandleEventsWithWorkerPool(workers int, stages []Stage[T], exceptionHandler ExceptionHandler[T]) *WorkerPool[T] {
	if workers < 1 {
		workers = 1
	}
	p := newWorkerPool(d.ring, workers, stages, exceptionHandler)
	d.ring.AddGatingSequences(p.Sequences()...)
	d.pools = append(d.pools, p)
	return p
}

// Start launches every worker.
func (d *Disruptor[T]) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	for _, p := range d.pools {
		p.start()
	}
	return nil
}

func (d *Disruptor[T]) IsStarted() bool {
	return d.started.Load() && !d.halted.Load()
}

// Drained reports whether every consumer group released everything up to the cursor.
func (d *Disruptor[T]) Drained() bool {
	cursor := d.ring.Cursor()
	for _, p := range d.pools {
		if p.MinimumSequence() < cursor {
			return false
		}
	}
	return true
}

// Shutdown waits until consumers processed every published slot, then halts
// the workers. When ctx ends first the workers are halted anyway and ctx's
// error is returned. Safe to call more than once.
func (d *Disruptor[T]) Shutdown(ctx context.Context) error {
	var err error
	if d.started.Load() {
		ticker := time.NewTicker(d.drainPoll)
		defer ticker.Stop()
	loop:
		for !d.Drained() {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				break loop
			case <-ticker.C:
			}
		}
	}
	d.Halt()
	return err
}

// Halt stops the workers without draining.
func (d *Disruptor[T]) Halt() {
	d.haltOnce.Do(func() {
		d.halted.Store(true)
		for _, p := range d.pools {
			p.halt()
		}
	})
}
