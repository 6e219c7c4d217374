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

package mqtt

import (
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// FakeToken is a completed token.
type FakeToken struct {
	Err error
}

func (t *FakeToken) Wait() bool                       { return true }
func (t *FakeToken) WaitTimeout(d time.Duration) bool { return true }
func (t *FakeToken) Error() error                     { return t.Err }

func (t *FakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// FakeMessage is an inbound message that records acknowledgement.
type FakeMessage struct {
	TopicName string
	Body      []byte
	mu        sync.Mutex
	acked     bool
}

func (m *FakeMessage) Duplicate() bool   { return false }
func (m *FakeMessage) Qos() byte         { return 1 }
func (m *FakeMessage) Retained() bool    { return false }
func (m *FakeMessage) Topic() string     { return m.TopicName }
func (m *FakeMessage) MessageID() uint16 { return 1 }
func (m *FakeMessage) Payload() []byte   { return m.Body }

func (m *FakeMessage) Ack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
}

func (m *FakeMessage) Acked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

// Published is one message sent through a FakeClient.
type Published struct {
	Topic   string
	Qos     byte
	Payload []byte
}

// FakeClient is an in-process paho.Client for tests of code built on Client.
type FakeClient struct {
	mu           sync.Mutex
	connected    bool
	handlers     map[string]paho.MessageHandler
	published    []Published
	SubscribeErr error
	PublishErr   error
}

var _ paho.Client = (*FakeClient)(nil)

func NewFakeClient() *FakeClient {
	return &FakeClient{connected: true, handlers: make(map[string]paho.MessageHandler)}
}

func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeClient) IsConnectionOpen() bool { return f.IsConnected() }

func (f *FakeClient) Connect() paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return &FakeToken{}
}

func (f *FakeClient) Disconnect(quiesce uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *FakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		return &FakeToken{Err: f.PublishErr}
	}
	b, _ := payload.([]byte)
	f.published = append(f.published, Published{Topic: topic, Qos: qos, Payload: b})
	return &FakeToken{}
}

func (f *FakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return &FakeToken{Err: f.SubscribeErr}
	}
	f.handlers[topic] = callback
	return &FakeToken{}
}

func (f *FakeClient) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	for topic, qos := range filters {
		f.Subscribe(topic, qos, callback)
	}
	return &FakeToken{}
}

func (f *FakeClient) Unsubscribe(topics ...string) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return &FakeToken{}
}

func (f *FakeClient) AddRoute(topic string, callback paho.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = callback
}

func (f *FakeClient) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

// Deliver calls the handler subscribed to topic. Returns false when nothing is subscribed.
func (f *FakeClient) Deliver(msg *FakeMessage) bool {
	f.mu.Lock()
	h, ok := f.handlers[msg.TopicName]
	f.mu.Unlock()
	if !ok {
		return false
	}
	h(f, msg)
	return true
}

func (f *FakeClient) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

func (f *FakeClient) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Published(nil), f.published...)
}
