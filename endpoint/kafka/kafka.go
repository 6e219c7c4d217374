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

// Package kafka is an inbound listener built on a sarama consumer group.
// An offset is marked only after the handler accepted the message; a failure
// ends the session so consumption resumes from the last marked offset.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/endpoint/base"
	"github.com/rulego/cep/utils/maps"
)

const Type = "kafka"

// Config Kafka监听器配置
type Config struct {
	// Brokers Kafka服务器地址列表
	Brokers []string
	Topics  []string
	// GroupId 消费者组ID
	GroupId string
	// InitialOffset is "newest" or "oldest". Default newest.
	InitialOffset string
	// Version of the kafka protocol, for example 2.8.0.
	Version string
	// RetryBackoff waits between sessions after a failure. Default 1s.
	RetryBackoff time.Duration
	// MaxConsumeFailures consecutive failed sessions, brokers unreachable for example,
	// after which the listener reports not running so the supervisor restarts it. Default 5.
	MaxConsumeFailures int
}

// errHandler marks sessions ended by a message the handler rejected.
var errHandler = errors.New("message handler failed")

// GroupFactory creates the consumer group. Replaced in tests.
type GroupFactory func(brokers []string, groupId string, config *sarama.Config) (sarama.ConsumerGroup, error)

// Listener Kafka监听器
type Listener struct {
	base.Listener
	Config   Config
	newGroup GroupFactory
	mu       sync.Mutex
	group    sarama.ConsumerGroup
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(id string, configuration map[string]interface{}, handler types.MessageHandler, logger types.Logger) (types.Listener, error) {
	var config Config
	if err := maps.Map2Struct(configuration, &config); err != nil {
		return nil, fmt.Errorf("%w: kafka listener %s: %v", types.ErrInvalidConfig, id, err)
	}
	return NewListener(id, config, handler, logger)
}

func NewListener(id string, config Config, handler types.MessageHandler, logger types.Logger) (*Listener, error) {
	if len(config.Brokers) == 0 || len(config.Topics) == 0 || config.GroupId == "" {
		return nil, fmt.Errorf("%w: kafka listener %s: brokers, topics and groupId are required", types.ErrInvalidConfig, id)
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}
	if config.MaxConsumeFailures <= 0 {
		config.MaxConsumeFailures = 5
	}
	if id == "" {
		id = Type + ":" + config.GroupId
	}
	l := &Listener{Config: config, newGroup: sarama.NewConsumerGroup}
	l.Init(id, handler, logger)
	return l, nil
}

// WithGroupFactory replaces how the consumer group is created.
func (l *Listener) WithGroupFactory(factory GroupFactory) *Listener {
	l.newGroup = factory
	return l
}

func (l *Listener) saramaConfig() (*sarama.Config, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.AutoCommit.Enable = true
	if strings.EqualFold(l.Config.InitialOffset, "oldest") {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		config.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	if l.Config.Version != "" {
		version, err := sarama.ParseKafkaVersion(l.Config.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: kafka version %s: %v", types.ErrInvalidConfig, l.Config.Version, err)
		}
		config.Version = version
	}
	return config, nil
}

func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.group != nil && l.Listener.IsRunning() {
		return nil
	}
	l.closeGroup()

	config, err := l.saramaConfig()
	if err != nil {
		return err
	}
	group, err := l.newGroup(l.Config.Brokers, l.Config.GroupId, config)
	if err != nil {
		return fmt.Errorf("listener %s: %w", l.Id(), err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.group, l.cancel, l.done = group, cancel, make(chan struct{})
	l.SetRunning(true)
	go l.consume(ctx, group, l.done)
	go l.logErrors(group)
	l.Logger.Printf("listener %s consuming %v as group %s", l.Id(), l.Config.Topics, l.Config.GroupId)
	return nil
}

func (l *Listener) consume(ctx context.Context, group sarama.ConsumerGroup, done chan struct{}) {
	defer close(done)
	handler := &groupHandler{listener: l}
	failures := 0
	for {
		err := group.Consume(ctx, l.Config.Topics, handler)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			l.SetRunning(false)
			return
		}
		switch {
		case err == nil || errors.Is(err, errHandler):
			failures = 0
		default:
			failures++
			if failures >= l.Config.MaxConsumeFailures {
				l.Logger.Printf("listener %s: consume failed %d times in a row, last: %v", l.Id(), failures, err)
				l.SetRunning(false)
				return
			}
		}
		if err != nil {
			l.Logger.Printf("listener %s: consume: %v", l.Id(), err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.Config.RetryBackoff):
		}
	}
}

func (l *Listener) logErrors(group sarama.ConsumerGroup) {
	for err := range group.Errors() {
		l.Logger.Printf("listener %s: %v", l.Id(), err)
	}
}

func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.closeGroup()
	l.SetRunning(false)
	return err
}

func (l *Listener) closeGroup() error {
	if l.group == nil {
		return nil
	}
	l.cancel()
	err := l.group.Close()
	<-l.done
	l.group = nil
	return err
}

func (l *Listener) Pause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.group == nil {
		return fmt.Errorf("listener %s: not started", l.Id())
	}
	l.group.PauseAll()
	l.SetPaused(true)
	return nil
}

func (l *Listener) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.group == nil {
		return fmt.Errorf("listener %s: not started", l.Id())
	}
	l.group.ResumeAll()
	l.SetPaused(false)
	return nil
}

type groupHandler struct {
	listener *Listener
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.listener.Handle(session.Context(), msg.Value); err != nil {
				return fmt.Errorf("%w: listener %s: %s/%d@%d: %w", errHandler, h.listener.Id(), msg.Topic, msg.Partition, msg.Offset, err)
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
