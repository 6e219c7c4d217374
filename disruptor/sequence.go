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

// Package disruptor provides a bounded, pre-allocated ring buffer with
// sequence-based claim/publish coordination and worker-pool consumers.
//
// Producers claim a sequence, fill the slot at that sequence and publish it.
// Consumers in a WorkerPool share a work sequence so that every published
// slot is handled by exactly one worker. Producers never overwrite a slot that
// the slowest consumer has not yet released.
//
// Package disruptor 提供预分配的有界环形缓冲区，基于序号的申请/发布协调，
// 以及工作池消费者。每个已发布的槽位只由工作池中的一个工作者处理，
// 生产者不会覆盖最慢消费者尚未释放的槽位。
package disruptor

import (
	"math"
	"sync/atomic"
)

// InitialSequence is the value of a sequence before anything was claimed or consumed.
const InitialSequence int64 = -1

// Sequence is a padded atomic counter. The padding keeps hot sequences of
// different goroutines on separate cache lines.
type Sequence struct {
	_     [7]int64
	value atomic.Int64
	_     [7]int64
}

func NewSequence(initial int64) *Sequence {
	s := &Sequence{}
	s.value.Store(initial)
	return s
}

func (s *Sequence) Get() int64 {
	return s.value.Load()
}

func (s *Sequence) Set(v int64) {
	s.value.Store(v)
}

func (s *Sequence) CompareAndSet(old, new int64) bool {
	return s.value.CompareAndSwap(old, new)
}

func (s *Sequence) AddAndGet(delta int64) int64 {
	return s.value.Add(delta)
}

// minimumSequence returns the smallest value among seqs, or fallback when seqs is empty.
func minimumSequence(seqs []*Sequence, fallback int64) int64 {
	min := int64(math.MaxInt64)
	for _, s := range seqs {
		if v := s.Get(); v < min {
			min = v
		}
	}
	if min == math.MaxInt64 {
		return fallback
	}
	return min
}
