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
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/rulego/cep/api/types"
)

// KafkaSinkConfig Kafka结果输出配置
type KafkaSinkConfig struct {
	// Brokers Kafka服务器地址列表
	Brokers []string
	// Topic 发布主题，默认 processed-data
	Topic string
	// RequiredAcks: 1 leader, -1 all. 0 keeps the default, leader.
	RequiredAcks int16
	Timeout      time.Duration
	Encoding     string
}

// KafkaSink publishes results with a sarama sync producer, keyed by rule id so
// the results of one rule stay in one partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	encode   Encoder
}

// NewKafkaSink connects a sync producer to config.Brokers.
func NewKafkaSink(config KafkaSinkConfig) (*KafkaSink, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	if config.RequiredAcks != 0 {
		saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(config.RequiredAcks)
	}
	if config.Timeout > 0 {
		saramaConfig.Producer.Timeout = config.Timeout
	}
	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, err
	}
	return NewKafkaSinkWithProducer(producer, config), nil
}

func NewKafkaSinkWithProducer(producer sarama.SyncProducer, config KafkaSinkConfig) *KafkaSink {
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	return &KafkaSink{producer: producer, topic: config.Topic, encode: EncoderByName(config.Encoding)}
}

func (s *KafkaSink) Publish(ctx context.Context, result types.Result) error {
	data, err := s.encode(result)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(result.RuleId, 10)),
		Value: sarama.ByteEncoder(data),
	}
	if result.MsgId != "" {
		msg.Headers = []sarama.RecordHeader{{Key: []byte("msgId"), Value: []byte(result.MsgId)}}
	}
	_, _, err = s.producer.SendMessage(msg)
	return err
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
