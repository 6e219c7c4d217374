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

// Package mqtt is an inbound listener that subscribes to MQTT topics and hands
// each message to the fan-out. Messages are acknowledged only after the handler
// succeeds.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/endpoint/base"
	"github.com/rulego/cep/utils/maps"
	"github.com/rulego/cep/utils/mqtt"
)

const Type = "mqtt"

// Config MQTT监听器配置
type Config struct {
	Server   string
	Username string
	Password string
	ClientID string
	// Topics 订阅主题，支持通配符
	Topics []string
	// Qos 订阅服务质量，默认1
	Qos                  byte
	CleanSession         bool
	MaxReconnectInterval time.Duration
	ConnectTimeout       time.Duration
	CAFile               string
	CertFile             string
	CertKeyFile          string
}

// Dialer connects a client. Replaced in tests.
type Dialer func(ctx context.Context, config mqtt.Config) (*mqtt.Client, error)

// Listener MQTT监听器
type Listener struct {
	base.Listener
	Config Config
	dial   Dialer
	mu     sync.Mutex
	client *mqtt.Client
}

// New creates a listener from a configuration map.
func New(id string, configuration map[string]interface{}, handler types.MessageHandler, logger types.Logger) (types.Listener, error) {
	config := Config{Qos: 1}
	if err := maps.Map2Struct(configuration, &config); err != nil {
		return nil, fmt.Errorf("%w: mqtt listener %s: %v", types.ErrInvalidConfig, id, err)
	}
	return NewListener(id, config, handler, logger)
}

func NewListener(id string, config Config, handler types.MessageHandler, logger types.Logger) (*Listener, error) {
	if config.Server == "" {
		return nil, fmt.Errorf("%w: mqtt listener %s: server is empty", types.ErrInvalidConfig, id)
	}
	if len(config.Topics) == 0 {
		return nil, fmt.Errorf("%w: mqtt listener %s: no topics", types.ErrInvalidConfig, id)
	}
	if id == "" {
		id = Type + ":" + config.Server
	}
	l := &Listener{Config: config, dial: mqtt.NewClient}
	l.Init(id, handler, logger)
	return l, nil
}

// WithDialer replaces how the client is connected.
func (l *Listener) WithDialer(dial Dialer) *Listener {
	l.dial = dial
	return l
}

func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil && l.client.IsConnected() && l.Listener.IsRunning() {
		return nil
	}
	l.closeClient()

	timeout := l.Config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client, err := l.dial(ctx, mqtt.Config{
		Server:               l.Config.Server,
		Username:             l.Config.Username,
		Password:             l.Config.Password,
		ClientID:             l.Config.ClientID,
		CleanSession:         l.Config.CleanSession,
		MaxReconnectInterval: l.Config.MaxReconnectInterval,
		ConnectTimeout:       l.Config.ConnectTimeout,
		ManualAck:            true,
		CAFile:               l.Config.CAFile,
		CertFile:             l.Config.CertFile,
		CertKeyFile:          l.Config.CertKeyFile,
	})
	if err != nil {
		return fmt.Errorf("listener %s: %w", l.Id(), err)
	}
	l.client = client
	if err := l.subscribe(); err != nil {
		l.closeClient()
		return err
	}
	l.SetRunning(true)
	l.Logger.Printf("listener %s subscribed to %v on %s", l.Id(), l.Config.Topics, l.Config.Server)
	return nil
}

func (l *Listener) subscribe() error {
	for _, topic := range l.Config.Topics {
		err := l.client.Subscribe(mqtt.Subscription{Topic: topic, Qos: l.Config.Qos, Handle: l.onMessage})
		if err != nil {
			return fmt.Errorf("listener %s: subscribe %s: %w", l.Id(), topic, err)
		}
	}
	return nil
}

func (l *Listener) onMessage(msg paho.Message) {
	if err := l.Handle(context.Background(), msg.Payload()); err != nil {
		// not acknowledged, the broker redelivers it
		l.Logger.Printf("listener %s: topic %s: %v", l.Id(), msg.Topic(), err)
		return
	}
	msg.Ack()
}

func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeClient()
	l.SetRunning(false)
	return nil
}

func (l *Listener) closeClient() {
	if l.client != nil {
		l.client.Close()
		l.client = nil
	}
}

// Pause unsubscribes and keeps the connection.
func (l *Listener) Pause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return fmt.Errorf("listener %s: not started", l.Id())
	}
	var errs []error
	for _, topic := range l.Config.Topics {
		if err := l.client.Unsubscribe(topic); err != nil {
			errs = append(errs, err)
		}
	}
	l.SetPaused(true)
	return errors.Join(errs...)
}

func (l *Listener) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return fmt.Errorf("listener %s: not started", l.Id())
	}
	if err := l.subscribe(); err != nil {
		return err
	}
	l.SetPaused(false)
	return nil
}

// IsRunning is false once the connection is lost.
func (l *Listener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Listener.IsRunning() && l.client != nil && l.client.IsConnected()
}
