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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/api/types/metrics"
	"github.com/rulego/cep/engine"
	"github.com/rulego/cep/event"
	"github.com/rulego/cep/test"
)

func newHandler(dir types.RuleDirectory, ev *test.FakeEvaluator) (*Handler, *engine.RuntimeCache, *test.RecordingLogger, *metrics.DispatchMetrics) {
	logger := &test.RecordingLogger{}
	m := metrics.NewDispatchMetrics()
	cache := engine.NewRuntimeCache(dir, test.NewFakeRegistry(ev), engine.WithLogger(logger), engine.WithMetrics(m))
	return NewHandler(cache, logger, m), cache, logger, m
}

func TestOnEventDeliversToRuntime(t *testing.T) {
	dir := test.NewStaticDirectory(types.Rule{Id: 1, Content: "r1", Active: true})
	ev := &test.FakeEvaluator{}
	h, cache, _, m := newHandler(dir, ev)
	defer cache.Stop()

	var slot event.Event
	slot.Fill([]byte("hello"), 1, "m1", "message", 123)
	require.Nil(t, h.OnEvent(context.Background(), 0, &slot))

	msgs := ev.Instances()[0].Msgs()
	require.Len(t, msgs, 1)
	assert.Equal(t, types.Msg{Id: "m1", Kind: "message", Payload: []byte("hello"), Ts: 123}, msgs[0])
	assert.Equal(t, int64(1), m.Get().Processed)
}

func TestOnEventMalformedLogsOnce(t *testing.T) {
	dir := test.NewStaticDirectory(types.Rule{Id: 1, Content: "r1", Active: true})
	ev := &test.FakeEvaluator{}
	h, cache, logger, m := newHandler(dir, ev)
	defer cache.Stop()

	slot := event.Event{RuleId: 1, HasRuleId: true, MsgId: "m1"}
	err := h.OnEvent(context.Background(), 5, &slot)
	assert.True(t, errors.Is(err, types.ErrMalformedEvent))
	assert.Equal(t, 1, logger.Count("malformed"))
	assert.Equal(t, 1, len(logger.Lines()))
	assert.Equal(t, int64(0), ev.Builds())

	slot = event.Event{Payload: []byte("x")}
	err = h.OnEvent(context.Background(), 6, &slot)
	assert.True(t, errors.Is(err, types.ErrMalformedEvent))
	assert.Equal(t, int64(2), m.Get().Malformed)
	assert.Equal(t, int64(0), dir.Lookups())
}

func TestOnEventRuleFailures(t *testing.T) {
	dir := test.NewStaticDirectory(types.Rule{Id: 2, Content: "invalid(", Active: true})
	h, cache, logger, m := newHandler(dir, &test.FakeEvaluator{})
	defer cache.Stop()

	var slot event.Event
	slot.Fill([]byte("x"), 1, "m1", "message", 1)
	assert.True(t, errors.Is(h.OnEvent(context.Background(), 0, &slot), types.ErrRuleNotFound))
	assert.Equal(t, 1, logger.Count("rule 1 not found"))

	slot.Fill([]byte("x"), 2, "m2", "message", 1)
	assert.True(t, errors.Is(h.OnEvent(context.Background(), 1, &slot), types.ErrInvalidRuleDefinition))
	assert.Equal(t, 1, logger.Count("invalid rule definition"))

	s := m.Get()
	assert.Equal(t, int64(1), s.RuleNotFound)
	assert.Equal(t, int64(1), s.InvalidRule)
}

func TestOnEventSendFailure(t *testing.T) {
	dir := test.NewStaticDirectory(types.Rule{Id: 3, Content: "r3", Active: true})
	h, cache, logger, m := newHandler(dir, &test.FakeEvaluator{SendErr: errors.New("engine closed")})
	defer cache.Stop()

	var slot event.Event
	slot.Fill([]byte("x"), 3, "m3", "message", 1)
	err := h.OnEvent(context.Background(), 0, &slot)
	assert.True(t, errors.Is(err, types.ErrEngineSendFailure))
	assert.Equal(t, 1, logger.Count("engine send failure rule=3 msg=m3"))
	assert.Equal(t, int64(1), m.Get().SendFailed)
}

func TestOnEventRebuildsStoppedRuntime(t *testing.T) {
	dir := test.NewStaticDirectory(types.Rule{Id: 4, Content: "r4", Active: true})
	ev := &test.FakeEvaluator{SendErr: types.ErrRuntimeStopped}
	h, cache, _, m := newHandler(dir, ev)
	defer cache.Stop()

	stale, err := cache.GetOrCreate(context.Background(), 4)
	require.Nil(t, err)
	ev.SendErr = nil

	var slot event.Event
	slot.Fill([]byte("x"), 4, "m4", "message", 1)
	require.Nil(t, h.OnEvent(context.Background(), 0, &slot))

	assert.Equal(t, int64(2), ev.Builds())
	assert.True(t, ev.Instances()[0].Stopped())
	assert.Len(t, ev.Instances()[1].Msgs(), 1)
	current, ok := cache.Get(4)
	require.True(t, ok)
	assert.NotSame(t, stale, current)
	assert.Equal(t, int64(1), m.Get().Processed)
	assert.Equal(t, int64(0), m.Get().SendFailed)
}

func TestStagesResetSlot(t *testing.T) {
	dir := test.NewStaticDirectory()
	h, cache, _, _ := newHandler(dir, &test.FakeEvaluator{})
	defer cache.Stop()

	var slot event.Event
	slot.Fill([]byte("x"), 9, "m9", "message", 1)
	stages := h.Stages()
	require.Len(t, stages, 2)
	for _, st := range stages {
		assert.Nil(t, st.Handler(0, &slot))
	}
	assert.True(t, stages[1].Always)
	assert.Equal(t, event.Event{}, slot)
}
