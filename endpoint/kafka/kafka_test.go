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

package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/rulego/cep/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGroup struct {
	mu       sync.Mutex
	msgs     chan *sarama.ConsumerMessage
	errs     chan error
	marked   []int64
	sessions int
	paused   bool
	closed   bool
	// consumeErr fails every session before it starts
	consumeErr error
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{msgs: make(chan *sarama.ConsumerMessage, 16), errs: make(chan error)}
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return sarama.ErrClosedConsumerGroup
	}
	g.sessions++
	consumeErr := g.consumeErr
	g.mu.Unlock()
	if consumeErr != nil {
		return consumeErr
	}
	sess := &fakeSession{ctx: ctx, group: g}
	if err := handler.Setup(sess); err != nil {
		return err
	}
	defer handler.Cleanup(sess)
	return handler.ConsumeClaim(sess, &fakeClaim{msgs: g.msgs})
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.errs)
	}
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}

func (g *fakeGroup) PauseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
}

func (g *fakeGroup) ResumeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = false
}

func (g *fakeGroup) Marked() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.marked...)
}

func (g *fakeGroup) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions
}

type fakeSession struct {
	ctx   context.Context
	group *fakeGroup
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.group.mu.Lock()
	defer s.group.mu.Unlock()
	s.group.marked = append(s.group.marked, msg.Offset)
}

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "events" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func newTestListener(t *testing.T, group *fakeGroup, handler types.MessageHandler) *Listener {
	l, err := NewListener("", Config{
		Brokers:       []string{"127.0.0.1:9092"},
		Topics:        []string{"events"},
		GroupId:       "cep",
		InitialOffset: "oldest",
		RetryBackoff:  10 * time.Millisecond,
	}, handler, types.DiscardLogger{})
	require.Nil(t, err)
	l.WithGroupFactory(func(brokers []string, groupId string, config *sarama.Config) (sarama.ConsumerGroup, error) {
		assert.Equal(t, "cep", groupId)
		assert.Equal(t, sarama.OffsetOldest, config.Consumer.Offsets.Initial)
		return group, nil
	})
	return l
}

func TestNewFromMap(t *testing.T) {
	l, err := New("", map[string]interface{}{"brokers": "a:9092,b:9092", "topics": "events", "groupId": "g"}, nil, nil)
	require.Nil(t, err)
	assert.Equal(t, "kafka:g", l.Id())
	assert.Equal(t, []string{"a:9092", "b:9092"}, l.(*Listener).Config.Brokers)

	_, err = New("", map[string]interface{}{"topics": "events"}, nil, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidConfig))
}

func TestMarkAfterHandlerSucceeds(t *testing.T) {
	group := newFakeGroup()
	l := newTestListener(t, group, func(ctx context.Context, payload []byte) error {
		if string(payload) == "bad" {
			return errors.New("directory down")
		}
		return nil
	})
	require.Nil(t, l.Start())
	assert.True(t, l.IsRunning())

	group.msgs <- &sarama.ConsumerMessage{Topic: "events", Offset: 1, Value: []byte("ok")}
	group.msgs <- &sarama.ConsumerMessage{Topic: "events", Offset: 2, Value: []byte("bad")}
	group.msgs <- &sarama.ConsumerMessage{Topic: "events", Offset: 3, Value: []byte("ok")}

	// the failure ends the session; the next session goes on with the queue
	assert.Eventually(t, func() bool { return len(group.Marked()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 3}, group.Marked())
	assert.True(t, group.Sessions() >= 2)

	require.Nil(t, l.Stop())
	assert.False(t, l.IsRunning())
}

func TestPauseResume(t *testing.T) {
	group := newFakeGroup()
	l := newTestListener(t, group, func(context.Context, []byte) error { return nil })
	assert.NotNil(t, l.Pause())
	require.Nil(t, l.Start())
	require.Nil(t, l.Pause())
	assert.True(t, group.paused)
	assert.True(t, l.IsPaused())
	require.Nil(t, l.Resume())
	assert.False(t, group.paused)
	require.Nil(t, l.Stop())
}

func TestClosedGroupStopsRunning(t *testing.T) {
	group := newFakeGroup()
	group.Close()
	l := newTestListener(t, group, nil)
	require.Nil(t, l.Start())
	assert.Eventually(t, func() bool { return !l.IsRunning() }, time.Second, 5*time.Millisecond)
}

func TestRepeatedConsumeFailuresStopRunning(t *testing.T) {
	group := newFakeGroup()
	group.consumeErr = sarama.ErrOutOfBrokers
	l := newTestListener(t, group, nil)
	l.Config.MaxConsumeFailures = 3
	require.Nil(t, l.Start())
	assert.Eventually(t, func() bool { return !l.IsRunning() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, group.Sessions())
	require.Nil(t, l.Stop())
}

func TestHandlerFailuresKeepRunning(t *testing.T) {
	group := newFakeGroup()
	l := newTestListener(t, group, func(context.Context, []byte) error { return errors.New("rejected") })
	l.Config.MaxConsumeFailures = 2
	require.Nil(t, l.Start())
	for i := int64(1); i <= 4; i++ {
		group.msgs <- &sarama.ConsumerMessage{Topic: "events", Offset: i, Value: []byte("x")}
	}
	assert.Eventually(t, func() bool { return group.Sessions() >= 5 }, time.Second, 5*time.Millisecond)
	assert.True(t, l.IsRunning())
	assert.Equal(t, 0, len(group.Marked()))
	require.Nil(t, l.Stop())
}

func TestBadVersion(t *testing.T) {
	l := newTestListener(t, newFakeGroup(), nil)
	l.Config.Version = "x.y"
	assert.True(t, errors.Is(l.Start(), types.ErrInvalidConfig))
}
