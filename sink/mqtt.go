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

package sink

import (
	"context"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/utils/mqtt"
)

// MqttSinkConfig MQTT结果输出配置
type MqttSinkConfig struct {
	// Topic 发布主题，默认 processed-data
	Topic string
	Qos   byte
	// Encoding is "json" or "content".
	Encoding string
}

// MqttSink publishes results to an MQTT topic.
type MqttSink struct {
	client *mqtt.Client
	topic  string
	qos    byte
	encode Encoder
	owned  bool
}

// NewMqttSink connects a dedicated client.
func NewMqttSink(ctx context.Context, client mqtt.Config, config MqttSinkConfig) (*MqttSink, error) {
	c, err := mqtt.NewClient(ctx, client)
	if err != nil {
		return nil, err
	}
	s := NewMqttSinkWithClient(c, config)
	s.owned = true
	return s, nil
}

// NewMqttSinkWithClient publishes through a client shared with other components.
// Close does not disconnect a shared client.
func NewMqttSinkWithClient(client *mqtt.Client, config MqttSinkConfig) *MqttSink {
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	return &MqttSink{
		client: client,
		topic:  config.Topic,
		qos:    config.Qos,
		encode: EncoderByName(config.Encoding),
	}
}

func (s *MqttSink) Publish(ctx context.Context, result types.Result) error {
	data, err := s.encode(result)
	if err != nil {
		return err
	}
	return s.client.Publish(s.topic, s.qos, data)
}

func (s *MqttSink) Close() error {
	if s.owned {
		s.client.Close()
	}
	return nil
}
