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
	"math/bits"
	"runtime"
	"sync/atomic"
	"time"
)

// Sequencer coordinates producers claiming slots against the gating
// sequences of consumers.
// Sequencer 协调生产者申请槽位与消费者门控序号
type Sequencer interface {
	Capacity() int64
	// Cursor is the highest published sequence for a single producer and the
	// highest claimed sequence for a multi producer.
	Cursor() *Sequence
	// Next claims the next sequence, waiting while the ring is full until ctx ends.
	Next(ctx context.Context) (int64, error)
	// TryNext claims the next sequence or fails with ErrInsufficientCapacity.
	TryNext() (int64, error)
	Publish(seq int64)
	IsAvailable(seq int64) bool
	// HighestPublishedSequence returns the highest sequence in [low, available]
	// such that every sequence up to it is published, or low-1.
	HighestPublishedSequence(low, available int64) int64
	AddGatingSequences(seqs ...*Sequence)
	MinimumGatingSequence() int64
	RemainingCapacity() int64
}

type gatingSet struct {
	seqs atomic.Pointer[[]*Sequence]
}

func (g *gatingSet) add(seqs ...*Sequence) {
	for {
		old := g.seqs.Load()
		var next []*Sequence
		if old != nil {
			next = append(next, *old...)
		}
		next = append(next, seqs...)
		if g.seqs.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (g *gatingSet) min(fallback int64) int64 {
	p := g.seqs.Load()
	if p == nil {
		return fallback
	}
	return minimumSequence(*p, fallback)
}

// claimBackoff is how a producer waits for consumers to free a slot.
func claimBackoff(attempt int) {
	switch {
	case attempt < 64:
	case attempt < 256:
		runtime.Gosched()
	default:
		time.Sleep(10 * time.Microsecond)
	}
}

// SingleProducerSequencer must only be used from one goroutine at a time.
type SingleProducerSequencer struct {
	capacity     int64
	wait         WaitStrategy
	cursor       *Sequence
	gating       gatingSet
	nextValue    int64
	cachedGating int64
}

func NewSingleProducerSequencer(capacity int64, wait WaitStrategy) *SingleProducerSequencer {
	return &SingleProducerSequencer{
		capacity:     capacity,
		wait:         wait,
		cursor:       NewSequence(InitialSequence),
		nextValue:    InitialSequence,
		cachedGating: InitialSequence,
	}
}

func (s *SingleProducerSequencer) Capacity() int64 {
	return s.capacity
}

func (s *SingleProducerSequencer) Cursor() *Sequence {
	return s.cursor
}

func (s *SingleProducerSequencer) Next(ctx context.Context) (int64, error) {
	next := s.nextValue + 1
	wrapPoint := next - s.capacity
	if wrapPoint > s.cachedGating || s.cachedGating > s.nextValue {
		var min int64
		for attempt := 0; ; attempt++ {
			min = s.gating.min(s.nextValue)
			if wrapPoint <= min {
				break
			}
			if err := ctx.Err(); err != nil {
				return InitialSequence, err
			}
			claimBackoff(attempt)
		}
		s.cachedGating = min
	}
	s.nextValue = next
	return next, nil
}

func (s *SingleProducerSequencer) TryNext() (int64, error) {
	next := s.nextValue + 1
	if next-s.capacity > s.gating.min(s.nextValue) {
		return InitialSequence, ErrInsufficientCapacity
	}
	s.nextValue = next
	return next, nil
}

func (s *SingleProducerSequencer) Publish(seq int64) {
	s.cursor.Set(seq)
	s.wait.SignalAllWhenBlocking()
}

func (s *SingleProducerSequencer) IsAvailable(seq int64) bool {
	return seq <= s.cursor.Get()
}

func (s *SingleProducerSequencer) HighestPublishedSequence(low, available int64) int64 {
	return available
}

func (s *SingleProducerSequencer) AddGatingSequences(seqs ...*Sequence) {
	s.gating.add(seqs...)
}

func (s *SingleProducerSequencer) MinimumGatingSequence() int64 {
	return s.gating.min(s.cursor.Get())
}

func (s *SingleProducerSequencer) RemainingCapacity() int64 {
	produced := s.cursor.Get()
	return s.capacity - (produced - s.gating.min(produced))
}

// MultiProducerSequencer claims with CAS on the cursor and tracks publication
// per slot, so consumers never see sequence n before n-1 is published.
type MultiProducerSequencer struct {
	capacity    int64
	mask        int64
	shift       uint
	wait        WaitStrategy
	cursor      *Sequence
	gating      gatingSet
	gatingCache *Sequence
	// available holds, per slot, the lap number of the last published sequence.
	available []atomic.Int32
}

func NewMultiProducerSequencer(capacity int64, wait WaitStrategy) *MultiProducerSequencer {
	s := &MultiProducerSequencer{
		capacity:    capacity,
		mask:        capacity - 1,
		shift:       uint(bits.TrailingZeros64(uint64(capacity))),
		wait:        wait,
		cursor:      NewSequence(InitialSequence),
		gatingCache: NewSequence(InitialSequence),
		available:   make([]atomic.Int32, capacity),
	}
	for i := range s.available {
		s.available[i].Store(-1)
	}
	return s
}

func (s *MultiProducerSequencer) Capacity() int64 {
	return s.capacity
}

func (s *MultiProducerSequencer) Cursor() *Sequence {
	return s.cursor
}

func (s *MultiProducerSequencer) Next(ctx context.Context) (int64, error) {
	for attempt := 0; ; {
		current := s.cursor.Get()
		next := current + 1
		wrapPoint := next - s.capacity
		cachedGating := s.gatingCache.Get()
		if wrapPoint > cachedGating || cachedGating > current {
			gating := s.gating.min(current)
			if wrapPoint > gating {
				if err := ctx.Err(); err != nil {
					return InitialSequence, err
				}
				claimBackoff(attempt)
				attempt++
				continue
			}
			s.gatingCache.Set(gating)
		} else if s.cursor.CompareAndSet(current, next) {
			return next, nil
		}
	}
}

func (s *MultiProducerSequencer) TryNext() (int64, error) {
	for {
		current := s.cursor.Get()
		next := current + 1
		if next-s.capacity > s.gating.min(current) {
			return InitialSequence, ErrInsufficientCapacity
		}
		if s.cursor.CompareAndSet(current, next) {
			return next, nil
		}
	}
}

func (s *MultiProducerSequencer) Publish(seq int64) {
	s.available[seq&s.mask].Store(int32(seq >> s.shift))
	s.wait.SignalAllWhenBlocking()
}

func (s *MultiProducerSequencer) IsAvailable(seq int64) bool {
	return s.available[seq&s.mask].Load() == int32(seq>>s.shift)
}

func (s *MultiProducerSequencer) HighestPublishedSequence(low, available int64) int64 {
	for seq := low; seq <= available; seq++ {
		if !s.IsAvailable(seq) {
			return seq - 1
		}
	}
	return available
}

func (s *MultiProducerSequencer) AddGatingSequences(seqs ...*Sequence) {
	s.gating.add(seqs...)
}

func (s *MultiProducerSequencer) MinimumGatingSequence() int64 {
	return s.gating.min(s.cursor.Get())
}

func (s *MultiProducerSequencer) RemainingCapacity() int64 {
	claimed := s.cursor.Get()
	return s.capacity - (claimed - s.gating.min(claimed))
}
