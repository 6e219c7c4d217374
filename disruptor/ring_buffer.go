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
	"errors"
	"fmt"
	"time"
)

// RingOption configures a RingBuffer.
type RingOption func(*ringOptions)

type ringOptions struct {
	producerType ProducerType
	wait         WaitStrategy
	claimTimeout time.Duration
}

func WithProducerType(p ProducerType) RingOption {
	return func(o *ringOptions) {
		o.producerType = p
	}
}

func WithWaitStrategy(w WaitStrategy) RingOption {
	return func(o *ringOptions) {
		o.wait = w
	}
}

// WithClaimTimeout bounds ClaimContext. A claim that waits longer fails with ErrRingFull.
func WithClaimTimeout(d time.Duration) RingOption {
	return func(o *ringOptions) {
		o.claimTimeout = d
	}
}

// RingBuffer is a fixed arena of slots addressed by sequence.
// Slots are allocated once and reused; producers overwrite them in place.
//
// RingBuffer 按序号寻址的固定槽位数组，槽位只分配一次并循环复用。
type RingBuffer[T any] struct {
	entries      []T
	mask         int64
	sequencer    Sequencer
	wait         WaitStrategy
	producerType ProducerType
	claimTimeout time.Duration
}

// NewRingBuffer allocates capacity slots. factory may be nil, in which case
// slots start as zero values.
func NewRingBuffer[T any](capacity int, factory func() T, opts ...RingOption) (*RingBuffer[T], error) {
	if capacity < 1 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	o := ringOptions{producerType: ProducerSingle}
	for _, opt := range opts {
		opt(&o)
	}
	if o.wait == nil {
		o.wait = NewSleepingWaitStrategy()
	}
	rb := &RingBuffer[T]{
		entries:      make([]T, capacity),
		mask:         int64(capacity - 1),
		wait:         o.wait,
		producerType: o.producerType,
		claimTimeout: o.claimTimeout,
	}
	if factory != nil {
		for i := range rb.entries {
			rb.entries[i] = factory()
		}
	}
	if o.producerType == ProducerMulti {
		rb.sequencer = NewMultiProducerSequencer(int64(capacity), o.wait)
	} else {
		rb.sequencer = NewSingleProducerSequencer(int64(capacity), o.wait)
	}
	return rb, nil
}

func (rb *RingBuffer[T]) Capacity() int64 {
	return int64(len(rb.entries))
}

func (rb *RingBuffer[T]) ProducerType() ProducerType {
	return rb.producerType
}

// Claim reserves the next sequence, blocking while the ring is full.
func (rb *RingBuffer[T]) Claim() int64 {
	seq, _ := rb.sequencer.Next(context.Background())
	return seq
}

// ClaimContext reserves the next sequence, giving up when ctx ends or the
// claim timeout elapses (ErrRingFull).
func (rb *RingBuffer[T]) ClaimContext(ctx context.Context) (int64, error) {
	if rb.claimTimeout <= 0 {
		return rb.sequencer.Next(ctx)
	}
	claimCtx, cancel := context.WithTimeout(ctx, rb.claimTimeout)
	defer cancel()
	seq, err := rb.sequencer.Next(claimCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return InitialSequence, ErrRingFull
	}
	return seq, err
}

// TryClaim reserves the next sequence or fails with ErrInsufficientCapacity.
func (rb *RingBuffer[T]) TryClaim() (int64, error) {
	return rb.sequencer.TryNext()
}

// SlotAt returns the slot for seq. Only the claimer may write it before Publish.
func (rb *RingBuffer[T]) SlotAt(seq int64) *T {
	return &rb.entries[seq&rb.mask]
}

// Publish makes seq visible to consumers.
func (rb *RingBuffer[T]) Publish(seq int64) {
	rb.sequencer.Publish(seq)
}

// PublishEvent claims a slot, lets fill write it and publishes it. The slot is
// published even when fill panics, in which case ErrFillPanic is returned.
func (rb *RingBuffer[T]) PublishEvent(ctx context.Context, fill func(seq int64, slot *T)) (seq int64, err error) {
	seq, err = rb.ClaimContext(ctx)
	if err != nil {
		return InitialSequence, err
	}
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("%w: sequence=%d: %v", ErrFillPanic, seq, e)
		}
		rb.sequencer.Publish(seq)
	}()
	fill(seq, rb.SlotAt(seq))
	return seq, nil
}

// Cursor is the highest published (single) or claimed (multi) sequence.
func (rb *RingBuffer[T]) Cursor() int64 {
	return rb.sequencer.Cursor().Get()
}

func (rb *RingBuffer[T]) RemainingCapacity() int64 {
	return rb.sequencer.RemainingCapacity()
}

func (rb *RingBuffer[T]) MinimumGatingSequence() int64 {
	return rb.sequencer.MinimumGatingSequence()
}

// AddGatingSequences registers consumer sequences producers must not lap.
// Call before publishing starts.
func (rb *RingBuffer[T]) AddGatingSequences(seqs ...*Sequence) {
	rb.sequencer.AddGatingSequences(seqs...)
}

// NewBarrier creates a consumer barrier on the producer cursor.
func (rb *RingBuffer[T]) NewBarrier() *SequenceBarrier {
	return newSequenceBarrier(rb.sequencer, rb.wait)
}

