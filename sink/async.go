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
	"errors"
	"sync/atomic"
	"time"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/utils/pool"
	"github.com/rulego/cep/utils/runtime"
)

// AsyncSink publishes on a bounded worker pool so slow transports do not hold
// dispatch workers. When every worker is busy the result is published on the
// caller's goroutine instead of being queued.
type AsyncSink struct {
	next     types.ResultSink
	pool     *pool.WorkerPool
	logger   types.Logger
	timeout  time.Duration
	fallback atomic.Int64
}

// NewAsyncSink wraps next. timeout bounds each publish, 0 means none.
func NewAsyncSink(next types.ResultSink, workers int, timeout time.Duration, logger types.Logger) *AsyncSink {
	s := &AsyncSink{next: next, timeout: timeout, logger: types.NewLogger(logger)}
	s.pool = pool.New(workers, pool.WithPanicHandler(func(v interface{}) {
		s.logger.Printf("async sink: publish panic: %v\n%s", v, runtime.Stack())
	}))
	return s
}

func (s *AsyncSink) Publish(ctx context.Context, result types.Result) error {
	err := s.pool.Submit(func() {
		pctx, cancel := s.context()
		defer cancel()
		if err := s.next.Publish(pctx, result); err != nil {
			s.logger.Printf("async sink: rule %d msg %s: %v", result.RuleId, result.MsgId, err)
		}
	})
	if errors.Is(err, pool.ErrSaturated) {
		s.fallback.Add(1)
		return s.next.Publish(ctx, result)
	}
	if errors.Is(err, pool.ErrStopped) {
		return types.ErrSinkClosed
	}
	return err
}

func (s *AsyncSink) context() (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(context.Background(), s.timeout)
	}
	return context.WithCancel(context.Background())
}

// Fallbacks counts results published synchronously because the pool was saturated.
func (s *AsyncSink) Fallbacks() int64 {
	return s.fallback.Load()
}

// Drain waits for in-flight publishes until ctx ends, then closes the wrapped sink.
func (s *AsyncSink) Drain(ctx context.Context) error {
	if err := s.pool.Stop(ctx); err != nil {
		return err
	}
	return Close(s.next)
}

func (s *AsyncSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Drain(ctx)
}
