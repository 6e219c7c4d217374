/*
 * Copyright 2024 The RuleGo Authors.
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

// Package pool provides a bounded goroutine pool used to publish results off the dispatch path.
//
// Package pool 提供有界协程池，用于在分发路径之外发布结果。
//
// Workers are reused in FILO order, following valyala/fasthttp workerpool.go:
// the most recently idle worker takes the next task so its stack stays hot.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"
)

var (
	// ErrSaturated 所有工作者都忙且已达到上限
	ErrSaturated = errors.New("worker pool saturated")
	// ErrStopped 工作池已停止
	ErrStopped = errors.New("worker pool stopped")
)

// WorkerPool runs submitted functions on at most MaxWorkers goroutines.
// Submit never blocks: when every worker is busy it returns ErrSaturated
// and the caller decides what to do with the task.
type WorkerPool struct {
	maxWorkers int
	maxIdle    time.Duration
	onPanic    func(v interface{})
	lock       sync.Mutex
	workers    int
	busy       int
	stopped    bool
	ready      []*workerChan
	stopCh     chan struct{}
	inflight   sync.WaitGroup
	chanPool   sync.Pool
	startOnce  sync.Once
}

type workerChan struct {
	lastUseTime time.Time
	ch          chan func()
}

// Option 工作池选项
type Option func(*WorkerPool)

// WithMaxIdle sets how long an idle worker lives. Default 10s.
func WithMaxIdle(d time.Duration) Option {
	return func(wp *WorkerPool) {
		wp.maxIdle = d
	}
}

// WithPanicHandler is called with the recovered value when a task panics.
func WithPanicHandler(fn func(v interface{})) Option {
	return func(wp *WorkerPool) {
		wp.onPanic = fn
	}
}

// New creates a started pool. maxWorkers <= 0 means runtime.NumCPU()*4.
func New(maxWorkers int, opts ...Option) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU() * 4
	}
	wp := &WorkerPool{maxWorkers: maxWorkers, maxIdle: 10 * time.Second}
	for _, opt := range opts {
		opt(wp)
	}
	if wp.maxIdle <= 0 {
		wp.maxIdle = 10 * time.Second
	}
	wp.start()
	return wp
}

func (wp *WorkerPool) start() {
	wp.startOnce.Do(func() {
		wp.stopCh = make(chan struct{})
		wp.chanPool.New = func() interface{} {
			return &workerChan{ch: make(chan func(), workerChanCap)}
		}
		stopCh := wp.stopCh
		go func() {
			ticker := time.NewTicker(wp.maxIdle)
			defer ticker.Stop()
			var scratch []*workerChan
			for {
				select {
				case <-stopCh:
					return
				case <-ticker.C:
					wp.clean(&scratch)
				}
			}
		}()
	})
}

// Submit hands fn to an idle worker or a new one.
func (wp *WorkerPool) Submit(fn func()) error {
	ch, err := wp.getCh()
	if err != nil {
		return err
	}
	ch.ch <- fn
	return nil
}

// Busy is the number of tasks currently running.
func (wp *WorkerPool) Busy() int {
	wp.lock.Lock()
	defer wp.lock.Unlock()
	return wp.busy
}

// Workers is the number of live worker goroutines.
func (wp *WorkerPool) Workers() int {
	wp.lock.Lock()
	defer wp.lock.Unlock()
	return wp.workers
}

// Stop rejects new tasks, releases idle workers and waits for running
// tasks until ctx ends.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.lock.Lock()
	if wp.stopped {
		wp.lock.Unlock()
		return nil
	}
	wp.stopped = true
	close(wp.stopCh)
	ready := wp.ready
	for i := range ready {
		ready[i].ch <- nil
		ready[i] = nil
	}
	wp.ready = ready[:0]
	wp.lock.Unlock()

	done := make(chan struct{})
	go func() {
		wp.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clean stops workers idle for longer than maxIdle. ready is sorted by lastUseTime.
func (wp *WorkerPool) clean(scratch *[]*workerChan) {
	criticalTime := time.Now().Add(-wp.maxIdle)

	wp.lock.Lock()
	ready := wp.ready
	n := len(ready)
	l, r := 0, n-1
	for l <= r {
		mid := (l + r) / 2
		if criticalTime.After(ready[mid].lastUseTime) {
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	if r == -1 {
		wp.lock.Unlock()
		return
	}
	*scratch = append((*scratch)[:0], ready[:r+1]...)
	m := copy(ready, ready[r+1:])
	for i := m; i < n; i++ {
		ready[i] = nil
	}
	wp.ready = ready[:m]
	wp.lock.Unlock()

	tmp := *scratch
	for i := range tmp {
		tmp[i].ch <- nil
		tmp[i] = nil
	}
}

var workerChanCap = func() int {
	// a blocking channel hands the task straight to the worker when there is only one P
	if runtime.GOMAXPROCS(0) == 1 {
		return 0
	}
	return 1
}()

func (wp *WorkerPool) getCh() (*workerChan, error) {
	var ch *workerChan
	create := false

	wp.lock.Lock()
	if wp.stopped {
		wp.lock.Unlock()
		return nil, ErrStopped
	}
	n := len(wp.ready) - 1
	if n < 0 {
		if wp.workers >= wp.maxWorkers {
			wp.lock.Unlock()
			return nil, ErrSaturated
		}
		create = true
		wp.workers++
	} else {
		ch = wp.ready[n]
		wp.ready[n] = nil
		wp.ready = wp.ready[:n]
	}
	wp.busy++
	wp.inflight.Add(1)
	wp.lock.Unlock()

	if create {
		vch := wp.chanPool.Get()
		ch = vch.(*workerChan)
		go func() {
			wp.workerFunc(ch)
			wp.chanPool.Put(vch)
		}()
	}
	return ch, nil
}

func (wp *WorkerPool) release(ch *workerChan) bool {
	ch.lastUseTime = time.Now()
	wp.lock.Lock()
	defer wp.lock.Unlock()
	wp.busy--
	wp.inflight.Done()
	if wp.stopped {
		return false
	}
	wp.ready = append(wp.ready, ch)
	return true
}

func (wp *WorkerPool) run(fn func()) {
	defer func() {
		if v := recover(); v != nil && wp.onPanic != nil {
			wp.onPanic(v)
		}
	}()
	fn()
}

func (wp *WorkerPool) workerFunc(ch *workerChan) {
	for fn := range ch.ch {
		if fn == nil {
			break
		}
		wp.run(fn)
		if !wp.release(ch) {
			break
		}
	}
	wp.lock.Lock()
	wp.workers--
	wp.lock.Unlock()
}
