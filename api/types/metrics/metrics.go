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

// Package metrics holds the dispatch counters of the engine.
package metrics

import (
	"sync/atomic"
)

// DispatchMetrics holds counters for fan-out and event processing.
// DispatchMetrics 分发与事件处理计数器
type DispatchMetrics struct {
	Published     int64 // slots published by fan-out
	PublishFailed int64 // per-rule publish failures during fan-out
	Processed     int64 // events delivered to a rule runtime
	Malformed     int64 // events skipped for a nil payload or missing rule id
	RuleNotFound  int64 // events dropped because the rule is absent
	InvalidRule   int64 // events dropped because the rule failed to build
	SendFailed    int64 // runtime send failures
	Results       int64 // results emitted by runtimes
}

// NewDispatchMetrics creates a new instance of DispatchMetrics.
func NewDispatchMetrics() *DispatchMetrics {
	return &DispatchMetrics{}
}

func (m *DispatchMetrics) IncrementPublished() {
	atomic.AddInt64(&m.Published, 1)
}

func (m *DispatchMetrics) IncrementPublishFailed() {
	atomic.AddInt64(&m.PublishFailed, 1)
}

func (m *DispatchMetrics) IncrementProcessed() {
	atomic.AddInt64(&m.Processed, 1)
}

func (m *DispatchMetrics) IncrementMalformed() {
	atomic.AddInt64(&m.Malformed, 1)
}

func (m *DispatchMetrics) IncrementRuleNotFound() {
	atomic.AddInt64(&m.RuleNotFound, 1)
}

func (m *DispatchMetrics) IncrementInvalidRule() {
	atomic.AddInt64(&m.InvalidRule, 1)
}

func (m *DispatchMetrics) IncrementSendFailed() {
	atomic.AddInt64(&m.SendFailed, 1)
}

func (m *DispatchMetrics) IncrementResults() {
	atomic.AddInt64(&m.Results, 1)
}

// Get returns a consistent-enough snapshot of the counters.
func (m *DispatchMetrics) Get() DispatchMetrics {
	return DispatchMetrics{
		Published:     atomic.LoadInt64(&m.Published),
		PublishFailed: atomic.LoadInt64(&m.PublishFailed),
		Processed:     atomic.LoadInt64(&m.Processed),
		Malformed:     atomic.LoadInt64(&m.Malformed),
		RuleNotFound:  atomic.LoadInt64(&m.RuleNotFound),
		InvalidRule:   atomic.LoadInt64(&m.InvalidRule),
		SendFailed:    atomic.LoadInt64(&m.SendFailed),
		Results:       atomic.LoadInt64(&m.Results),
	}
}

func (m *DispatchMetrics) Reset() {
	atomic.StoreInt64(&m.Published, 0)
	atomic.StoreInt64(&m.PublishFailed, 0)
	atomic.StoreInt64(&m.Processed, 0)
	atomic.StoreInt64(&m.Malformed, 0)
	atomic.StoreInt64(&m.RuleNotFound, 0)
	atomic.StoreInt64(&m.InvalidRule, 0)
	atomic.StoreInt64(&m.SendFailed, 0)
	atomic.StoreInt64(&m.Results, 0)
}
