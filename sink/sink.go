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

// Package sink provides result sinks: where the output of rule runtimes goes.
//
// Package sink 提供规则运行结果的输出端：日志、函数、组合、异步、MQTT、Kafka、
// WebSocket 推送和 HTTP 回调。
package sink

import (
	"context"
	"errors"
	"io"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/utils/json"
)

// DefaultTopic is the topic results are published to when none is configured.
const DefaultTopic = "processed-data"

// Encoder turns a result into the bytes a transport sends.
type Encoder func(result types.Result) ([]byte, error)

// JSONEncoder encodes the whole result as JSON.
func JSONEncoder(result types.Result) ([]byte, error) {
	return json.Marshal(result)
}

// ContentEncoder sends only the result content.
func ContentEncoder(result types.Result) ([]byte, error) {
	return []byte(result.Content), nil
}

// EncoderByName returns the encoder for "json" or "content". Anything else is JSON.
func EncoderByName(name string) Encoder {
	if name == "content" {
		return ContentEncoder
	}
	return JSONEncoder
}

// LogSink writes every result to a logger.
type LogSink struct {
	Logger types.Logger
}

func (s LogSink) Publish(ctx context.Context, result types.Result) error {
	s.Logger.Printf("rule=%d msg=%s result=%s", result.RuleId, result.MsgId, result.Content)
	return nil
}

// FuncSink adapts a function to ResultSink.
type FuncSink func(ctx context.Context, result types.Result) error

func (f FuncSink) Publish(ctx context.Context, result types.Result) error {
	return f(ctx, result)
}

// MultiSink publishes to every sink and joins their errors.
type MultiSink []types.ResultSink

func (m MultiSink) Publish(ctx context.Context, result types.Result) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops results.
var Discard types.ResultSink = FuncSink(func(context.Context, types.Result) error { return nil })

// Close closes members that hold resources.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := Close(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes s when it implements io.Closer.
func Close(s types.ResultSink) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
