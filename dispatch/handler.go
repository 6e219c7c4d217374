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

// Package dispatch connects inbound messages to rule runtimes through the ring:
// FanOut writes one slot per active rule, Handler processes slots on the ring's workers.
//
// Package dispatch 通过环形缓冲区连接入站消息与规则运行时。
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/api/types/metrics"
	"github.com/rulego/cep/disruptor"
	"github.com/rulego/cep/engine"
	"github.com/rulego/cep/event"
)

// Handler processes one slot: validate, resolve the rule runtime, send.
// Failures are logged and the worker moves on to the next slot.
type Handler struct {
	ctx     context.Context
	cache   *engine.RuntimeCache
	logger  types.Logger
	metrics *metrics.DispatchMetrics
}

func NewHandler(cache *engine.RuntimeCache, logger types.Logger, m *metrics.DispatchMetrics) *Handler {
	if m == nil {
		m = metrics.NewDispatchMetrics()
	}
	return &Handler{ctx: context.Background(), cache: cache, logger: types.NewLogger(logger), metrics: m}
}

// OnEvent delivers the slot at seq to its rule runtime. The returned error is
// already logged and only reported for callers that want to classify it.
func (h *Handler) OnEvent(ctx context.Context, seq int64, ev *event.Event) error {
	if !ev.Valid() {
		h.metrics.IncrementMalformed()
		h.logger.Printf("dispatch: skip malformed event sequence=%d %s", seq, ev)
		return fmt.Errorf("%w: sequence %d", types.ErrMalformedEvent, seq)
	}
	handle, err := h.cache.GetOrCreate(ctx, ev.RuleId)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrRuleNotFound):
			h.metrics.IncrementRuleNotFound()
			h.logger.Printf("dispatch: rule %d not found, drop msg %s", ev.RuleId, ev.MsgId)
		case errors.Is(err, types.ErrInvalidRuleDefinition):
			h.metrics.IncrementInvalidRule()
			h.logger.Printf("dispatch: invalid rule definition, drop msg %s: %v", ev.MsgId, err)
		default:
			h.logger.Printf("dispatch: resolve rule %d runtime for msg %s failed: %v", ev.RuleId, ev.MsgId, err)
		}
		return err
	}
	msg := types.Msg{Id: ev.MsgId, Kind: ev.Kind, Payload: ev.Payload, Ts: ev.Timestamp}
	err = handle.Send(ctx, msg)
	if errors.Is(err, types.ErrRuntimeStopped) {
		// evicted or invalidated between lookup and send, resolve once more
		h.cache.Evict(handle)
		if handle, err = h.cache.GetOrCreate(ctx, ev.RuleId); err == nil {
			err = handle.Send(ctx, msg)
		}
	}
	if err != nil {
		h.metrics.IncrementSendFailed()
		h.logger.Printf("dispatch: engine send failure rule=%d msg=%s: %v", ev.RuleId, ev.MsgId, err)
		return fmt.Errorf("%w: rule %d: %v", types.ErrEngineSendFailure, ev.RuleId, err)
	}
	h.metrics.IncrementProcessed()
	return nil
}

// Stages is the worker pipeline: dispatch, then reset. Reset always runs so a
// slot never carries data into its next use.
func (h *Handler) Stages() []disruptor.Stage[event.Event] {
	return []disruptor.Stage[event.Event]{
		{
			Name: "dispatch",
			Handler: func(seq int64, ev *event.Event) error {
				_ = h.OnEvent(h.ctx, seq, ev)
				return nil
			},
		},
		{
			Name:   "reset",
			Always: true,
			Handler: func(seq int64, ev *event.Event) error {
				ev.Reset()
				return nil
			},
		},
	}
}
