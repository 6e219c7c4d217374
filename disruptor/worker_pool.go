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
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rulego/cep/api/types"
)

// EventHandler handles the slot at seq.
type EventHandler[T any] func(seq int64, slot *T) error

// Stage is one step of the per-slot pipeline run by a worker.
// Stage 工作者对每个槽位依次执行的处理阶段
type Stage[T any] struct {
	Name    string
	Handler EventHandler[T]
	// Always runs the stage even after an earlier stage failed, for cleanup such as slot reset.
	Always bool
}

// ExceptionHandler receives stage errors and panics. The sequence is still
// released afterwards, so one bad slot never stalls the ring.
type ExceptionHandler[T any] interface {
	HandleEventException(err error, seq int64, slot *T)
}

// LogExceptionHandler logs the failing sequence and slot.
type LogExceptionHandler[T any] struct {
	Logger types.Logger
}

func (h LogExceptionHandler[T]) HandleEventException(err error, seq int64, slot *T) {
	logger := h.Logger
	if logger == nil {
		logger = types.DefaultLogger()
	}
	logger.Printf("disruptor: exception processing sequence=%d slot=%+v err=%v", seq, slot, err)
}

// WorkerPool is a consumer group whose workers share one work sequence.
// Each published slot is processed by exactly one worker of the pool.
//
// WorkerPool 共享工作序号的消费者组，每个已发布槽位只被组内一个工作者处理。
type WorkerPool[T any] struct {
	ring         *RingBuffer[T]
	workSequence *Sequence
	workers      []*workProcessor[T]
	wg           sync.WaitGroup
	started      atomic.Bool
}

func newWorkerPool[T any](ring *RingBuffer[T], count int, stages []Stage[T], exceptionHandler ExceptionHandler[T]) *WorkerPool[T] {
	if exceptionHandler == nil {
		exceptionHandler = LogExceptionHandler[T]{}
	}
	p := &WorkerPool[T]{
		ring:         ring,
		workSequence: NewSequence(InitialSequence),
	}
	barrier := ring.NewBarrier()
	for i := 0; i < count; i++ {
		p.workers = append(p.workers, &workProcessor[T]{
			id:               i,
			sequence:         NewSequence(InitialSequence),
			ring:             ring,
			barrier:          barrier,
			workSequence:     p.workSequence,
			stages:           stages,
			exceptionHandler: exceptionHandler,
		})
	}
	return p
}

// Sequences returns the worker sequences plus the shared work sequence.
func (p *WorkerPool[T]) Sequences() []*Sequence {
	seqs := make([]*Sequence, 0, len(p.workers)+1)
	for _, w := range p.workers {
		seqs = append(seqs, w.sequence)
	}
	return append(seqs, p.workSequence)
}

// MinimumSequence is the highest sequence every worker has released.
func (p *WorkerPool[T]) MinimumSequence() int64 {
	return minimumSequence(p.Sequences(), p.ring.Cursor())
}

func (p *WorkerPool[T]) Size() int {
	return len(p.workers)
}

func (p *WorkerPool[T]) start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range p.workers {
		w.running.Store(true)
		p.wg.Add(1)
		go func(w *workProcessor[T]) {
			defer p.wg.Done()
			w.run()
		}(w)
	}
}

// halt alerts every worker and waits for them to return.
func (p *WorkerPool[T]) halt() {
	for _, w := range p.workers {
		w.running.Store(false)
	}
	if len(p.workers) > 0 {
		p.workers[0].barrier.Alert()
	}
	p.wg.Wait()
}

type workProcessor[T any] struct {
	id               int
	sequence         *Sequence
	ring             *RingBuffer[T]
	barrier          *SequenceBarrier
	workSequence     *Sequence
	stages           []Stage[T]
	exceptionHandler ExceptionHandler[T]
	running          atomic.Bool
}

func (w *workProcessor[T]) run() {
	processed := true
	cachedAvailable := int64(math.MinInt64)
	next := w.sequence.Get()
	for {
		if processed {
			processed = false
			for {
				next = w.workSequence.Get() + 1
				w.sequence.Set(next - 1)
				if w.workSequence.CompareAndSet(next-1, next) {
					break
				}
			}
		}
		if cachedAvailable >= next {
			w.process(next)
			processed = true
			continue
		}
		available, err := w.barrier.WaitFor(next)
		if err != nil {
			if !w.running.Load() {
				return
			}
			continue
		}
		cachedAvailable = available
		if available < next {
			// claimed by a producer but not yet published
			runtime.Gosched()
		}
	}
}

func (w *workProcessor[T]) process(seq int64) {
	slot := w.ring.SlotAt(seq)
	failed := false
	for _, stage := range w.stages {
		if failed && !stage.Always {
			continue
		}
		if err := w.runStage(stage, seq, slot); err != nil {
			failed = true
			w.exceptionHandler.HandleEventException(err, seq, slot)
		}
	}
}

func (w *workProcessor[T]) runStage(stage Stage[T], seq int64, slot *T) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("stage %s panic: %v", stage.Name, e)
		}
	}()
	return stage.Handler(seq, slot)
}
