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

// Package base holds the state shared by every inbound listener: identity,
// the running and paused flags, and the guarded call into the message handler.
//
// Package base 监听器公共状态：标识、运行/暂停标志以及消息处理调用。
package base

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gofrs/uuid/v5"
	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/utils/runtime"
)

// Stats counts what a listener received.
type Stats struct {
	Received int64 `json:"received"`
	Failed   int64 `json:"failed"`
}

// Listener is embedded by transport listeners.
type Listener struct {
	id       string
	handler  types.MessageHandler
	Logger   types.Logger
	running  atomic.Bool
	paused   atomic.Bool
	received atomic.Int64
	failed   atomic.Int64
}

// Init sets the identity and the handler. An empty id gets a generated one.
func (l *Listener) Init(id string, handler types.MessageHandler, logger types.Logger) {
	if id == "" {
		v, _ := uuid.NewV4()
		id = v.String()
	}
	l.id = id
	l.handler = handler
	l.Logger = types.NewLogger(logger)
}

func (l *Listener) Id() string {
	return l.id
}

func (l *Listener) IsRunning() bool {
	return l.running.Load()
}

func (l *Listener) SetRunning(running bool) {
	l.running.Store(running)
	if !running {
		l.paused.Store(false)
	}
}

func (l *Listener) IsPaused() bool {
	return l.paused.Load()
}

func (l *Listener) SetPaused(paused bool) {
	l.paused.Store(paused)
}

func (l *Listener) Stats() Stats {
	return Stats{Received: l.received.Load(), Failed: l.failed.Load()}
}

// Handle passes payload to the handler. A panic in the handler is returned as an error.
func (l *Listener) Handle(ctx context.Context, payload []byte) (err error) {
	l.received.Add(1)
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("listener %s: handler panic: %v", l.id, e)
			l.Logger.Printf("%v\n%s", err, runtime.Stack())
		}
		if err != nil {
			l.failed.Add(1)
		}
	}()
	if l.handler == nil {
		return fmt.Errorf("listener %s: no message handler", l.id)
	}
	return l.handler(ctx, payload)
}
