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

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/api/types/metrics"
	"github.com/rulego/cep/disruptor"
	"github.com/rulego/cep/event"
	"github.com/rulego/cep/utils/runtime"
)

// FanOutOption configures a FanOut.
type FanOutOption func(*FanOut)

func WithEventKind(kind string) FanOutOption {
	return func(f *FanOut) {
		f.kind = kind
	}
}

// WithDedupe dispatches a message once per distinct rule id even when the
// directory lists a rule twice.
func WithDedupe(dedupe bool) FanOutOption {
	return func(f *FanOut) {
		f.dedupe = dedupe
	}
}

func WithFanOutLogger(logger types.Logger) FanOutOption {
	return func(f *FanOut) {
		f.logger = logger
	}
}

func WithFanOutMetrics(m *metrics.DispatchMetrics) FanOutOption {
	return func(f *FanOut) {
		f.metrics = m
	}
}

// WithIdGenerator replaces the uuid message id generator.
func WithIdGenerator(fn func() string) FanOutOption {
	return func(f *FanOut) {
		f.newId = fn
	}
}

// FanOut publishes one ring slot per active rule for every inbound message.
// FanOut 为每条入站消息按每条启用规则发布一个槽位
type FanOut struct {
	directory types.RuleDirectory
	ring      *disruptor.RingBuffer[event.Event]
	kind      string
	dedupe    bool
	logger    types.Logger
	metrics   *metrics.DispatchMetrics
	newId     func() string
	// producerMu serializes producers when the ring has a single-producer sequencer
	producerMu sync.Mutex
	// stopCtx ends when Stop is called, releasing producers waiting for a slot
	stopCtx context.Context
	stop    context.CancelFunc
}

func NewFanOut(directory types.RuleDirectory, ring *disruptor.RingBuffer[event.Event], opts ...FanOutOption) *FanOut {
	f := &FanOut{
		directory: directory,
		ring:      ring,
		kind:      types.DefaultEventKind,
		dedupe:    true,
		logger:    types.DefaultLogger(),
		metrics:   metrics.NewDispatchMetrics(),
		newId:     newMsgId,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.stopCtx, f.stop = context.WithCancel(context.Background())
	return f
}

// Stop rejects further messages with ErrRuntimeStopped and releases producers
// blocked on a full ring. Slots already published are left to the consumers.
func (f *FanOut) Stop() {
	f.stop()
}

func (f *FanOut) Stopped() bool {
	return f.stopCtx.Err() != nil
}

func newMsgId() string {
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return id.String()
}

// OnMessage dispatches raw to every active rule. Per-rule failures are logged
// and skipped. An error is returned only when the active rules cannot be
// listed or the fan-out is stopped, so transports do not acknowledge a
// message that reached no rule.
func (f *FanOut) OnMessage(ctx context.Context, raw []byte) error {
	if f.Stopped() {
		return types.ErrRuntimeStopped
	}
	rules, err := f.directory.ListActive(ctx)
	if err != nil {
		f.logger.Printf("fan-out: list active rules failed: %v", err)
		return fmt.Errorf("list active rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}
	msgId := f.newId()
	ts := time.Now().UnixMilli()

	if f.ring.ProducerType() == disruptor.ProducerSingle {
		f.producerMu.Lock()
		defer f.producerMu.Unlock()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(f.stopCtx, cancel)()

	failed := false
	var seen map[int64]struct{}
	if f.dedupe {
		seen = make(map[int64]struct{}, len(rules))
	}
	for _, rule := range rules {
		if seen != nil {
			if _, ok := seen[rule.Id]; ok {
				continue
			}
			seen[rule.Id] = struct{}{}
		}
		if err := f.publish(ctx, raw, rule.Id, msgId, ts); err != nil {
			failed = true
			f.metrics.IncrementPublishFailed()
			f.logger.Printf("fan-out: publish msg %s to rule %d failed: %v", msgId, rule.Id, err)
			continue
		}
		f.metrics.IncrementPublished()
	}
	if failed && f.Stopped() {
		// unacknowledged, the transport redelivers it
		return types.ErrRuntimeStopped
	}
	return nil
}

// Handler adapts OnMessage to a listener message handler.
func (f *FanOut) Handler() types.MessageHandler {
	return f.OnMessage
}

func (f *FanOut) publish(ctx context.Context, raw []byte, ruleId int64, msgId string, ts int64) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("panic: %v\n%s", e, runtime.Stack())
		}
	}()
	_, err = f.ring.PublishEvent(ctx, func(seq int64, slot *event.Event) {
		slot.Fill(raw, ruleId, msgId, f.kind, ts)
	})
	return err
}
