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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidCapacity ring capacity is not a power of two
	ErrInvalidCapacity = errors.New("ring capacity must be a power of two")
	// ErrInsufficientCapacity the ring is full and the caller asked not to wait
	ErrInsufficientCapacity = errors.New("insufficient ring capacity")
	// ErrRingFull no slot became free within the claim timeout
	ErrRingFull = errors.New("ring full")
	// ErrAlerted a consumer barrier was alerted while waiting
	ErrAlerted = errors.New("barrier alerted")
	// ErrAlreadyStarted the disruptor was started twice
	ErrAlreadyStarted = errors.New("disruptor already started")
	// ErrFillPanic a slot fill function panicked, the slot was still published
	ErrFillPanic = errors.New("slot fill panicked")
)

// ProducerType selects the claim strategy.
type ProducerType int

const (
	// ProducerSingle only one goroutine claims and publishes at a time.
	ProducerSingle ProducerType = iota
	// ProducerMulti any number of goroutines may claim and publish concurrently.
	ProducerMulti
)

func (p ProducerType) String() string {
	if p == ProducerMulti {
		return "multi"
	}
	return "single"
}

// ParseProducerType accepts single/multi in any case.
func ParseProducerType(s string) (ProducerType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "single":
		return ProducerSingle, nil
	case "multi":
		return ProducerMulti, nil
	default:
		return ProducerSingle, fmt.Errorf("unknown producer type %q", s)
	}
}
