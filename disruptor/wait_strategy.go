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
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// WaitStrategy decides how a consumer waits for a sequence to become available.
// WaitStrategy 消费者等待序号可用的策略
type WaitStrategy interface {
	// WaitFor blocks until cursor reaches seq or the barrier is alerted.
	// It returns the cursor value observed, which may be greater than seq.
	WaitFor(seq int64, cursor *Sequence, barrier *SequenceBarrier) (int64, error)
	// SignalAllWhenBlocking wakes consumers parked by the strategy.
	SignalAllWhenBlocking()
}

// ParseWaitStrategy accepts blocking, yielding, busy-spin and sleeping,
// case-insensitive, with '_' or '-' separators.
func ParseWaitStrategy(s string) (WaitStrategy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "blocking":
		return NewBlockingWaitStrategy(), nil
	case "yielding":
		return NewYieldingWaitStrategy(), nil
	case "busy-spin", "busyspin":
		return NewBusySpinWaitStrategy(), nil
	case "", "sleeping":
		return NewSleepingWaitStrategy(), nil
	default:
		return nil, fmt.Errorf("unknown wait strategy %q", s)
	}
}

// BlockingWaitStrategy parks consumers on a condition variable.
// Lowest CPU use, highest wake-up latency.
type BlockingWaitStrategy struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func NewBlockingWaitStrategy() *BlockingWaitStrategy {
	w := &BlockingWaitStrategy{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *BlockingWaitStrategy) WaitFor(seq int64, cursor *Sequence, barrier *SequenceBarrier) (int64, error) {
	if v := cursor.Get(); v >= seq {
		return v, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for cursor.Get() < seq {
		if err := barrier.CheckAlert(); err != nil {
			return InitialSequence, err
		}
		w.cond.Wait()
	}
	return cursor.Get(), nil
}

func (w *BlockingWaitStrategy) SignalAllWhenBlocking() {
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

// YieldingWaitStrategy spins briefly then yields the processor.
type YieldingWaitStrategy struct {
	spinTries int
}

func NewYieldingWaitStrategy() *YieldingWaitStrategy {
	return &YieldingWaitStrategy{spinTries: 100}
}

func (w *YieldingWaitStrategy) WaitFor(seq int64, cursor *Sequence, barrier *SequenceBarrier) (int64, error) {
	counter := w.spinTries
	for {
		if v := cursor.Get(); v >= seq {
			return v, nil
		}
		if err := barrier.CheckAlert(); err != nil {
			return InitialSequence, err
		}
		if counter == 0 {
			runtime.Gosched()
		} else {
			counter--
		}
	}
}

func (w *YieldingWaitStrategy) SignalAllWhenBlocking() {}

// BusySpinWaitStrategy never gives up the processor.
type BusySpinWaitStrategy struct{}

func NewBusySpinWaitStrategy() *BusySpinWaitStrategy {
	return &BusySpinWaitStrategy{}
}

func (w *BusySpinWaitStrategy) WaitFor(seq int64, cursor *Sequence, barrier *SequenceBarrier) (int64, error) {
	for {
		if v := cursor.Get(); v >= seq {
			return v, nil
		}
		if err := barrier.CheckAlert(); err != nil {
			return InitialSequence, err
		}
	}
}

func (w *BusySpinWaitStrategy) SignalAllWhenBlocking() {}

// SleepingWaitStrategy spins, then yields, then sleeps between checks.
type SleepingWaitStrategy struct {
	retries int
	sleep   time.Duration
}

func NewSleepingWaitStrategy() *SleepingWaitStrategy {
	return &SleepingWaitStrategy{retries: 200, sleep: 50 * time.Microsecond}
}

func (w *SleepingWaitStrategy) WaitFor(seq int64, cursor *Sequence, barrier *SequenceBarrier) (int64, error) {
	counter := w.retries
	for {
		if v := cursor.Get(); v >= seq {
			return v, nil
		}
		if err := barrier.CheckAlert(); err != nil {
			return InitialSequence, err
		}
		switch {
		case counter > 100:
			counter--
		case counter > 0:
			counter--
			runtime.Gosched()
		default:
			time.Sleep(w.sleep)
		}
	}
}

func (w *SleepingWaitStrategy) SignalAllWhenBlocking() {}

// SequenceBarrier gates a consumer on the producer cursor.
type SequenceBarrier struct {
	sequencer Sequencer
	wait      WaitStrategy
	alerted   atomic.Bool
}

func newSequenceBarrier(sequencer Sequencer, wait WaitStrategy) *SequenceBarrier {
	return &SequenceBarrier{sequencer: sequencer, wait: wait}
}

// WaitFor returns the highest sequence that is safe to consume. It may be lower
// than seq when a multi-producer claim is still being filled.
func (b *SequenceBarrier) WaitFor(seq int64) (int64, error) {
	if err := b.CheckAlert(); err != nil {
		return InitialSequence, err
	}
	available, err := b.wait.WaitFor(seq, b.sequencer.Cursor(), b)
	if err != nil {
		return InitialSequence, err
	}
	if available < seq {
		return available, nil
	}
	return b.sequencer.HighestPublishedSequence(seq, available), nil
}

func (b *SequenceBarrier) Alert() {
	b.alerted.Store(true)
	b.wait.SignalAllWhenBlocking()
}

func (b *SequenceBarrier) ClearAlert() {
	b.alerted.Store(false)
}

func (b *SequenceBarrier) IsAlerted() bool {
	return b.alerted.Load()
}

func (b *SequenceBarrier) CheckAlert() error {
	if b.alerted.Load() {
		return ErrAlerted
	}
	return nil
}
