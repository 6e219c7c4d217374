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

package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/directory"
	"github.com/rulego/cep/sink"
	"github.com/rulego/cep/utils/maps"
	"github.com/rulego/cep/utils/mqtt"
)

// Closer releases what a builder opened.
type Closer func() error

// BuildDirectory opens the rule directory named by [directory].
// The returned closer stops watchers, pollers and connections.
func BuildDirectory(ctx context.Context, c Directory, logger types.Logger) (types.RuleDirectory, Closer, error) {
	var (
		dir   types.RuleDirectory
		closer Closer
	)
	switch strings.ToLower(c.Type) {
	case "", DirectoryMemory:
		dir, closer = directory.NewMemoryDirectory(), func() error { return nil }
	case DirectoryFile:
		fd, err := directory.NewFileDirectory(c.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		if c.Watch {
			if err := fd.Watch(0); err != nil {
				_ = fd.Close()
				return nil, nil, err
			}
		}
		dir, closer = fd, fd.Close
	case DirectorySql:
		sd, err := directory.OpenSql(directory.SqlConfig{
			DriverName:      c.Driver,
			Dsn:             c.Dsn,
			Table:           c.Table,
			PoolSize:        c.PoolSize,
			QueryTimeout:    c.QueryTimeout,
			RefreshInterval: c.RefreshInterval,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if c.EnsureSchema {
			if err := sd.EnsureSchema(ctx); err != nil {
				_ = sd.Close()
				return nil, nil, err
			}
		}
		dir, closer = sd, sd.Close
	default:
		return nil, nil, fmt.Errorf("%w: directory type %q", types.ErrInvalidConfig, c.Type)
	}
	if c.ContentTTL > 0 {
		cached := directory.NewCachedDirectory(dir, directory.WithContentTTL(c.ContentTTL), directory.WithListTTL(c.ListTTL))
		inner := closer
		dir, closer = cached, func() error {
			cached.Close()
			return inner()
		}
	}
	return dir, closer, nil
}

// BuildSink builds the result sinks listed in [sink] types. The websocket hub is
// returned separately so it can be mounted on the operator API, it is nil when
// websocket is not listed.
func BuildSink(ctx context.Context, c Config, logger types.Logger) (types.ResultSink, *sink.WebsocketHub, error) {
	var (
		sinks sink.MultiSink
		hub   *sink.WebsocketHub
	)
	logger = types.NewLogger(logger)
	fail := func(err error) (types.ResultSink, *sink.WebsocketHub, error) {
		_ = sinks.Close()
		return nil, nil, err
	}
	for _, t := range c.Sink.Types {
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "":
		case SinkLog:
			sinks = append(sinks, sink.LogSink{Logger: logger})
		case SinkMqtt:
			var clientConfig mqtt.Config
			var sinkConfig sink.MqttSinkConfig
			if err := decode(c.Sink.Mqtt, &clientConfig, &sinkConfig); err != nil {
				return fail(err)
			}
			s, err := sink.NewMqttSink(ctx, clientConfig, sinkConfig)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, s)
		case SinkKafka:
			var sinkConfig sink.KafkaSinkConfig
			if err := decode(c.Sink.Kafka, &sinkConfig); err != nil {
				return fail(err)
			}
			s, err := sink.NewKafkaSink(sinkConfig)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, s)
		case SinkHttp:
			var sinkConfig sink.HttpSinkConfig
			if err := decode(c.Sink.Http, &sinkConfig); err != nil {
				return fail(err)
			}
			s, err := sink.NewHttpSink(sinkConfig)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, s)
		case SinkWebsocket:
			hub = sink.NewWebsocketHub(logger)
			sinks = append(sinks, hub)
		default:
			return fail(fmt.Errorf("%w: sink type %q", types.ErrInvalidConfig, t))
		}
	}
	var out types.ResultSink = sinks
	if len(sinks) == 1 {
		out = sinks[0]
	} else if len(sinks) == 0 {
		out = sink.Discard
	}
	if c.Sink.AsyncWorkers > 0 {
		out = sink.NewAsyncSink(out, c.Sink.AsyncWorkers, c.Sink.Timeout, logger)
	}
	return out, hub, nil
}

func decode(m map[string]interface{}, outputs ...interface{}) error {
	if m == nil {
		return fmt.Errorf("%w: missing sink section", types.ErrInvalidConfig)
	}
	for _, out := range outputs {
		if err := maps.Map2Struct(m, out); err != nil {
			return fmt.Errorf("%w: %s", types.ErrInvalidConfig, err)
		}
	}
	return nil
}
