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

// Package cep assembles the rule dispatch engine: inbound messages are fanned
// out to one ring slot per active rule, ring workers deliver each slot to the
// rule's cached runtime, and rule results go to a result sink. A supervisor
// keeps the inbound listeners running.
//
// Package cep 规则分发引擎：入站消息按启用规则扇出到环形缓冲区，工作者将其投递到
// 规则运行时，结果输出到结果端；监管器负责监听器的健康检查与重启。
//
// Usage:
//
//	directory := directory.NewMemoryDirectory(rules...)
//	e, err := cep.New(types.NewConfig(), directory, cep.WithResultSink(sink.LogSink{Logger: logger}))
//	if err != nil {
//		return err
//	}
//	_, _ = e.NewListener(endpoint.Definition{Type: "mqtt", Configuration: mqttConfig})
//	_ = e.Start()
//	defer e.Shutdown(ctx)
package cep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/api/types/metrics"
	"github.com/rulego/cep/dispatch"
	"github.com/rulego/cep/disruptor"
	"github.com/rulego/cep/endpoint"
	"github.com/rulego/cep/engine"
	"github.com/rulego/cep/evaluator"
	"github.com/rulego/cep/event"
	"github.com/rulego/cep/sink"
	"github.com/rulego/cep/supervisor"
)

// Option configures an Engine.
type Option func(*Engine) error

// WithResultSink sets where rule results go. Default logs them.
func WithResultSink(s types.ResultSink) Option {
	return func(e *Engine) error {
		e.sink = s
		return nil
	}
}

// WithEvaluators replaces the default js and expr evaluators.
func WithEvaluators(r types.EvaluatorRegistry) Option {
	return func(e *Engine) error {
		e.evaluators = r
		return nil
	}
}

// WithListeners registers listeners with the supervisor.
func WithListeners(listeners ...types.Listener) Option {
	return func(e *Engine) error {
		for _, l := range listeners {
			if err := e.supervisor.Register(l); err != nil {
				return err
			}
		}
		return nil
	}
}

// Engine 规则分发引擎
type Engine struct {
	config     types.Config
	logger     types.Logger
	directory  types.RuleDirectory
	evaluators types.EvaluatorRegistry
	sink       types.ResultSink
	metrics    *metrics.DispatchMetrics
	ring       *disruptor.RingBuffer[event.Event]
	disruptor  *disruptor.Disruptor[event.Event]
	cache      *engine.RuntimeCache
	handler    *dispatch.Handler
	fanOut     *dispatch.FanOut
	supervisor *supervisor.Supervisor

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds an engine. Only configuration errors are returned; nothing is started.
func New(config types.Config, directory types.RuleDirectory, opts ...Option) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if directory == nil {
		return nil, fmt.Errorf("%w: rule directory is nil", types.ErrInvalidConfig)
	}
	producer, err := disruptor.ParseProducerType(config.ProducerType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidConfig, err)
	}
	wait, err := disruptor.ParseWaitStrategy(config.WaitStrategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidConfig, err)
	}
	logger := types.NewLogger(config.Logger)
	e := &Engine{
		config:    config,
		logger:    logger,
		directory: directory,
		metrics:   metrics.NewDispatchMetrics(),
		supervisor: supervisor.New(
			supervisor.WithInterval(config.HealthCheckInterval),
			supervisor.WithMaxRestartAttempts(config.MaxRestartAttempts),
			supervisor.WithLogger(logger),
		),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.evaluators == nil {
		e.evaluators = evaluator.NewDefaultRegistry(config)
	}
	if e.sink == nil {
		e.sink = sink.LogSink{Logger: logger}
	}

	e.ring, err = disruptor.NewRingBuffer(config.RingCapacity, func() event.Event { return event.Event{} },
		disruptor.WithProducerType(producer),
		disruptor.WithWaitStrategy(wait),
		disruptor.WithClaimTimeout(config.ClaimTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidConfig, err)
	}
	e.cache = engine.NewRuntimeCache(directory, e.evaluators,
		engine.WithResultSink(e.sink),
		engine.WithLogger(logger),
		engine.WithMetrics(e.metrics),
		engine.WithDefaultLanguage(config.DefaultLanguage),
		engine.WithIdleTTL(config.RuntimeIdleTTL),
		engine.WithCallbacks(engine.Callbacks{
			OnCreated: func(ruleId int64) {
				logger.Printf("rule %d runtime created", ruleId)
			},
			OnRemoved: func(ruleId int64) {
				logger.Printf("rule %d runtime removed", ruleId)
			},
		}),
	)
	if notifier, ok := directory.(types.RuleChangeNotifier); ok {
		e.cache.Watch(notifier)
	}
	e.handler = dispatch.NewHandler(e.cache, logger, e.metrics)
	e.disruptor = disruptor.New(e.ring)
	e.disruptor.HandleEventsWithWorkerPool(config.WorkerCount, e.handler.Stages(), disruptor.LogExceptionHandler[event.Event]{Logger: logger})
	e.fanOut = dispatch.NewFanOut(directory, e.ring,
		dispatch.WithEventKind(config.EventKind),
		dispatch.WithDedupe(config.DedupeActiveRules),
		dispatch.WithFanOutLogger(logger),
		dispatch.WithFanOutMetrics(e.metrics),
	)
	return e, nil
}

// NewListener creates a listener from def, feeding the fan-out, and registers it.
func (e *Engine) NewListener(def endpoint.Definition) (types.Listener, error) {
	l, err := endpoint.Registry.New(def, e.fanOut.Handler(), e.logger)
	if err != nil {
		return nil, err
	}
	if err := e.supervisor.Register(l); err != nil {
		return nil, err
	}
	return l, nil
}

// Register adds a listener built elsewhere. It should deliver to Handler().
func (e *Engine) Register(listener types.Listener) error {
	return e.supervisor.Register(listener)
}

// Start starts the ring workers, then the supervisor, which starts the listeners.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return types.ErrRuntimeStopped
	}
	if e.started {
		return nil
	}
	if err := e.disruptor.Start(); err != nil {
		return err
	}
	if err := e.supervisor.Start(); err != nil {
		e.disruptor.Halt()
		return err
	}
	e.started = true
	return nil
}

// OnMessage fans raw out to every active rule. After Shutdown it fails with
// ErrRuntimeStopped.
func (e *Engine) OnMessage(ctx context.Context, raw []byte) error {
	return e.fanOut.OnMessage(ctx, raw)
}

// Handler is the message handler listeners deliver to.
func (e *Engine) Handler() types.MessageHandler {
	return e.fanOut.Handler()
}

// Shutdown stops the listeners, drains the ring and releases the runtimes.
// Calling it again returns nil.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	e.supervisor.Shutdown()
	e.supervisor.StopAll()
	e.fanOut.Stop()
	var errs []error
	if started {
		if err := e.disruptor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain ring: %w", err))
		}
	}
	e.cache.Stop()
	if err := sink.Close(e.sink); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Collector exports the dispatch counters and engine gauges to Prometheus.
func (e *Engine) Collector() *metrics.Collector {
	return metrics.NewCollector(e.metrics,
		metrics.Gauge{Name: "ring_remaining_capacity", Help: "Free ring slots.", Value: func() float64 {
			return float64(e.ring.RemainingCapacity())
		}},
		metrics.Gauge{Name: "rule_runtimes", Help: "Cached rule runtimes.", Value: func() float64 {
			return float64(e.cache.Len())
		}},
		metrics.Gauge{Name: "listeners_running", Help: "Listeners in state Running.", Value: func() float64 {
			return float64(e.supervisor.Count(supervisor.StateRunning))
		}},
		metrics.Gauge{Name: "listeners_disabled", Help: "Listeners disabled after repeated restart failures.", Value: func() float64 {
			return float64(e.supervisor.Count(supervisor.StateDisabled))
		}},
	)
}

func (e *Engine) Config() types.Config {
	return e.config
}

func (e *Engine) Supervisor() *supervisor.Supervisor {
	return e.supervisor
}

func (e *Engine) Cache() *engine.RuntimeCache {
	return e.cache
}

func (e *Engine) Metrics() *metrics.DispatchMetrics {
	return e.metrics
}

func (e *Engine) RingBuffer() *disruptor.RingBuffer[event.Event] {
	return e.ring
}

func (e *Engine) Directory() types.RuleDirectory {
	return e.directory
}

func (e *Engine) Health() supervisor.Health {
	return supervisor.HealthIndicator{Supervisor: e.supervisor}.Health()
}

// Languages lists the rule languages the engine can run.
func (e *Engine) Languages() string {
	if r, ok := e.evaluators.(*evaluator.Registry); ok {
		languages := r.Languages()
		sort.Strings(languages)
		return strings.Join(languages, ",")
	}
	return ""
}
