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

// Package mqtt wraps the paho client shared by the MQTT listener and the MQTT
// result sink: connection with retry, TLS, and subscriptions that survive reconnects.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gofrs/uuid/v5"
)

// Config MQTT客户端配置
type Config struct {
	// Server 服务器地址，例如 tcp://127.0.0.1:1883
	Server   string
	Username string
	Password string
	// ClientID defaults to cep/<uuid>
	ClientID     string
	CleanSession bool
	// MaxReconnectInterval 重连最大间隔，默认60秒
	MaxReconnectInterval time.Duration
	// ConnectTimeout bounds each connection attempt. Default 10s.
	ConnectTimeout time.Duration
	// ManualAck disables automatic acknowledgement of received messages.
	ManualAck   bool
	CAFile      string
	CertFile    string
	CertKeyFile string
}

func (c Config) Validate() error {
	if c.Server == "" {
		return errors.New("mqtt server is empty")
	}
	return nil
}

// Subscription is a topic filter and its message callback.
type Subscription struct {
	Topic  string
	Qos    byte
	Handle func(msg paho.Message)
}

// Client is a connected paho client with tracked subscriptions.
type Client struct {
	mu     sync.RWMutex
	client paho.Client
	subs   map[string]Subscription
}

// NewClient connects to conf.Server, retrying every 2 seconds until ctx ends.
func NewClient(ctx context.Context, conf Config) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	c := &Client{subs: make(map[string]Subscription)}

	opts := paho.NewClientOptions()
	opts.AddBroker(conf.Server)
	opts.SetUsername(conf.Username)
	opts.SetPassword(conf.Password)
	opts.SetCleanSession(conf.CleanSession)
	if conf.ClientID == "" {
		id, _ := uuid.NewV4()
		opts.SetClientID("cep/" + id.String()[:8])
	} else {
		opts.SetClientID(conf.ClientID)
	}
	if conf.MaxReconnectInterval <= 0 {
		conf.MaxReconnectInterval = 60 * time.Second
	}
	if conf.ConnectTimeout <= 0 {
		conf.ConnectTimeout = 10 * time.Second
	}
	opts.SetMaxReconnectInterval(conf.MaxReconnectInterval)
	opts.SetConnectTimeout(conf.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetAutoAckDisabled(conf.ManualAck)
	opts.SetOnConnectHandler(func(paho.Client) {
		c.resubscribe()
	})

	tlsConfig, err := newTLSConfig(conf.CAFile, conf.CertFile, conf.CertKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load mqtt certificates ca=%s cert=%s key=%s: %w", conf.CAFile, conf.CertFile, conf.CertKeyFile, err)
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	c.client = paho.NewClient(opts)

	for {
		token := c.client.Connect()
		if token.Wait() && token.Error() == nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect %s: %w", conf.Server, token.Error())
		case <-time.After(2 * time.Second):
		}
	}
}

// Wrap uses an already created paho client.
func Wrap(client paho.Client) *Client {
	return &Client{client: client, subs: make(map[string]Subscription)}
}

// Subscribe registers sub and subscribes now. The subscription is renewed after every reconnect.
func (c *Client) Subscribe(sub Subscription) error {
	if err := c.subscribe(sub); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[sub.Topic] = sub
	c.mu.Unlock()
	return nil
}

func (c *Client) subscribe(sub Subscription) error {
	token := c.client.Subscribe(sub.Topic, sub.Qos, func(_ paho.Client, msg paho.Message) {
		sub.Handle(msg)
	})
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if st, ok := token.(*paho.SubscribeToken); ok {
		// 128 is the broker's SUBACK failure code
		if code, ok := st.Result()[sub.Topic]; ok && code == 128 {
			return fmt.Errorf("subscribe %s rejected by broker", sub.Topic)
		}
	}
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	_, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if token := c.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (c *Client) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for k := range c.subs {
		out = append(out, k)
	}
	return out
}

func (c *Client) resubscribe() {
	c.mu.RLock()
	subs := make([]Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.RUnlock()
	for _, s := range subs {
		_ = c.subscribe(s)
	}
}

func (c *Client) Publish(topic string, qos byte, data []byte) error {
	if token := c.client.Publish(topic, qos, false, data); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close unsubscribes everything and disconnects.
func (c *Client) Close() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	c.subs = make(map[string]Subscription)
	c.mu.Unlock()
	if len(topics) > 0 {
		c.client.Unsubscribe(topics...).WaitTimeout(time.Second)
	}
	c.client.Disconnect(500)
}

func newTLSConfig(caFile, certFile, certKeyFile string) (*tls.Config, error) {
	if caFile == "" && certFile == "" && certKeyFile == "" {
		return nil, nil
	}
	tlsConfig := &tls.Config{}
	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = pool
	}
	if certFile != "" && certKeyFile != "" {
		kp, err := tls.LoadX509KeyPair(certFile, certKeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}
	return tlsConfig, nil
}
