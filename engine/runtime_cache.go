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

// Package engine holds the rule runtime cache: one long-lived evaluation
// runtime per rule id, built lazily on first use and reused afterwards.
//
// Package engine 规则运行时缓存：每条规则一个长期存活的运行时，首次使用时懒加载构建并复用。
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/api/types/metrics"
)

// maxBuildAttempts bounds rebuilds when a rule keeps being invalidated while its runtime is built.
const maxBuildAttempts = 3

// Callbacks are invoked when runtimes enter or leave the cache.
type Callbacks struct {
	OnCreated func(ruleId int64)
	OnRemoved func(ruleId int64)
}

// RuntimeHandle is the cached evaluation runtime of one rule.
// RuntimeHandle 单条规则的运行时句柄
type RuntimeHandle struct {
	rule      types.Rule
	instance  types.Instance
	createdAt time.Time
	lastUsed  atomic.Int64
	stopped   atomic.Bool
	// mu serializes Send for instances that are not safe for concurrent use
	mu sync.Mutex
}

func newRuntimeHandle(rule types.Rule, instance types.Instance) *RuntimeHandle {
	h := &RuntimeHandle{rule: rule, instance: instance, createdAt: time.Now()}
	h.lastUsed.Store(h.createdAt.UnixNano())
	return h
}

func (h *RuntimeHandle) RuleId() int64 {
	return h.rule.Id
}

func (h *RuntimeHandle) Rule() types.Rule {
	return h.rule
}

func (h *RuntimeHandle) CreatedAt() time.Time {
	return h.createdAt
}

func (h *RuntimeHandle) LastUsed() time.Time {
	return time.Unix(0, h.lastUsed.Load())
}

func (h *RuntimeHandle) touch() {
	h.lastUsed.Store(time.Now().UnixNano())
}

// Send delivers msg to the rule runtime.
func (h *RuntimeHandle) Send(ctx context.Context, msg types.Msg) error {
	if h.stopped.Load() {
		return fmt.Errorf("%w: rule %d", types.ErrRuntimeStopped, h.rule.Id)
	}
	h.touch()
	if !h.instance.ConcurrentSafe() {
		h.mu.Lock()
		defer h.mu.Unlock()
	}
	return h.instance.Send(ctx, msg)
}

func (h *RuntimeHandle) stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.instance.Stop()
}

// Option configures a RuntimeCache.
type Option func(*RuntimeCache)

func WithResultSink(sink types.ResultSink) Option {
	return func(c *RuntimeCache) {
		c.sink = sink
	}
}

func WithLogger(logger types.Logger) Option {
	return func(c *RuntimeCache) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.DispatchMetrics) Option {
	return func(c *RuntimeCache) {
		c.metrics = m
	}
}

func WithDefaultLanguage(language string) Option {
	return func(c *RuntimeCache) {
		c.defaultLanguage = language
	}
}

// WithIdleTTL evicts runtimes unused for longer than ttl. Zero disables eviction.
func WithIdleTTL(ttl time.Duration) Option {
	return func(c *RuntimeCache) {
		c.idleTTL = ttl
	}
}

func WithCallbacks(callbacks Callbacks) Option {
	return func(c *RuntimeCache) {
		c.Callbacks = callbacks
	}
}

// RuntimeCache maps rule id to its live runtime. Construction for one id is
// single-flight: concurrent callers for the same id share one build, callers
// for different ids never wait on each other.
//
// RuntimeCache 规则ID到运行时的映射。同一ID的并发构建只执行一次，不同ID之间互不阻塞。
type RuntimeCache struct {
	entries    sync.Map
	group      singleflight.Group
	directory  types.RuleDirectory
	evaluators types.EvaluatorRegistry
	sink       types.ResultSink
	logger     types.Logger
	metrics    *metrics.DispatchMetrics

	defaultLanguage string
	idleTTL         time.Duration

	// mu guards generations and the check-then-store of a finished build
	mu          sync.Mutex
	generations map[int64]uint64
	closed      bool

	builds   atomic.Int64
	stopCh   chan struct{}
	stopOnce sync.Once

	Callbacks Callbacks
}

func NewRuntimeCache(directory types.RuleDirectory, evaluators types.EvaluatorRegistry, opts ...Option) *RuntimeCache {
	c := &RuntimeCache{
		directory:       directory,
		evaluators:      evaluators,
		logger:          types.DefaultLogger(),
		metrics:         metrics.NewDispatchMetrics(),
		defaultLanguage: types.LanguageJs,
		generations:     make(map[int64]uint64),
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.idleTTL > 0 {
		go c.evictIdle()
	}
	return c
}

// GetOrCreate returns the runtime of ruleId, building it on first use.
// Failed builds are not cached, the next call tries again.
func (c *RuntimeCache) GetOrCreate(ctx context.Context, ruleId int64) (*RuntimeHandle, error) {
	if v, ok := c.entries.Load(ruleId); ok {
		h := v.(*RuntimeHandle)
		// keeps the idle janitor off a handle a caller is about to use
		h.touch()
		return h, nil
	}
	v, err, _ := c.group.Do(strconv.FormatInt(ruleId, 10), func() (interface{}, error) {
		return c.create(context.WithoutCancel(ctx), ruleId)
	})
	if err != nil {
		return nil, err
	}
	return v.(*RuntimeHandle), nil
}

func (c *RuntimeCache) create(ctx context.Context, ruleId int64) (*RuntimeHandle, error) {
	for attempt := 0; attempt < maxBuildAttempts; attempt++ {
		if v, ok := c.entries.Load(ruleId); ok {
			return v.(*RuntimeHandle), nil
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: rule %d: cache stopped", types.ErrRuntimeStopped, ruleId)
		}
		gen := c.generations[ruleId]
		c.mu.Unlock()

		h, err := c.build(ctx, ruleId)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		current := !c.closed && c.generations[ruleId] == gen
		if current {
			c.entries.Store(ruleId, h)
		}
		c.mu.Unlock()
		if current {
			if c.Callbacks.OnCreated != nil {
				c.Callbacks.OnCreated(ruleId)
			}
			return h, nil
		}
		// invalidated while building
		h.stop()
	}
	return nil, fmt.Errorf("%w: rule %d kept changing during construction", types.ErrRuntimeStopped, ruleId)
}

func (c *RuntimeCache) build(ctx context.Context, ruleId int64) (*RuntimeHandle, error) {
	c.builds.Add(1)
	rule, ok, err := c.directory.GetContent(ctx, ruleId)
	if err != nil {
		return nil, fmt.Errorf("load rule %d: %w", ruleId, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", types.ErrRuleNotFound, ruleId)
	}
	language := rule.Language
	if language == "" {
		language = c.defaultLanguage
	}
	evaluator, ok := c.evaluators.Get(language)
	if !ok {
		return nil, fmt.Errorf("%w: rule %d: %w %q", types.ErrInvalidRuleDefinition, ruleId, types.ErrUnknownLanguage, language)
	}
	instance, err := evaluator.Build(ruleId, rule.Content, c.emitter(ruleId))
	if err != nil {
		return nil, fmt.Errorf("%w: rule %d: %v", types.ErrInvalidRuleDefinition, ruleId, err)
	}
	return newRuntimeHandle(rule, instance), nil
}

// emitter forwards results of ruleId to the result sink.
func (c *RuntimeCache) emitter(ruleId int64) types.EmitFunc {
	return func(result types.Result) {
		result.RuleId = ruleId
		if result.Ts == 0 {
			result.Ts = time.Now().UnixMilli()
		}
		c.metrics.IncrementResults()
		if c.sink == nil {
			return
		}
		if err := c.sink.Publish(context.Background(), result); err != nil {
			c.logger.Printf("rule %d: publish result of msg %s failed: %v", ruleId, result.MsgId, err)
		}
	}
}

// Get returns the cached runtime without building it.
func (c *RuntimeCache) Get(ruleId int64) (*RuntimeHandle, bool) {
	if v, ok := c.entries.Load(ruleId); ok {
		return v.(*RuntimeHandle), true
	}
	return nil, false
}

// Invalidate drops and stops the runtime of ruleId. A build of ruleId in
// flight at this moment is discarded and rebuilt.
func (c *RuntimeCache) Invalidate(ruleId int64) {
	c.mu.Lock()
	c.generations[ruleId]++
	v, ok := c.entries.LoadAndDelete(ruleId)
	c.mu.Unlock()
	if ok {
		v.(*RuntimeHandle).stop()
		if c.Callbacks.OnRemoved != nil {
			c.Callbacks.OnRemoved(ruleId)
		}
	}
}

// Evict drops h if it is still the cached runtime of its rule and stops it.
// The next GetOrCreate builds a fresh runtime from the current rule.
func (c *RuntimeCache) Evict(h *RuntimeHandle) bool {
	ruleId := h.RuleId()
	if !c.entries.CompareAndDelete(ruleId, h) {
		return false
	}
	h.stop()
	if c.Callbacks.OnRemoved != nil {
		c.Callbacks.OnRemoved(ruleId)
	}
	return true
}

// Watch invalidates runtimes whenever notifier reports a rule change.
func (c *RuntimeCache) Watch(notifier types.RuleChangeNotifier) {
	notifier.OnRuleChanged(c.Invalidate)
}

func (c *RuntimeCache) Len() int {
	n := 0
	c.entries.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}

// Builds counts construction attempts, including failed ones.
func (c *RuntimeCache) Builds() int64 {
	return c.builds.Load()
}

func (c *RuntimeCache) Range(f func(ruleId int64, handle *RuntimeHandle) bool) {
	c.entries.Range(func(key, value any) bool {
		return f(key.(int64), value.(*RuntimeHandle))
	})
}

// Stop stops every runtime. Later GetOrCreate calls fail.
func (c *RuntimeCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.entries.Range(func(key, value any) bool {
		c.entries.Delete(key)
		value.(*RuntimeHandle).stop()
		if c.Callbacks.OnRemoved != nil {
			c.Callbacks.OnRemoved(key.(int64))
		}
		return true
	})
}

func (c *RuntimeCache) evictIdle() {
	interval := c.idleTTL / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			deadline := time.Now().Add(-c.idleTTL)
			c.entries.Range(func(key, value any) bool {
				h := value.(*RuntimeHandle)
				if h.LastUsed().Before(deadline) && c.entries.CompareAndDelete(key, h) {
					h.stop()
					c.logger.Printf("rule %d: runtime evicted after %s idle", key.(int64), c.idleTTL)
					if c.Callbacks.OnRemoved != nil {
						c.Callbacks.OnRemoved(key.(int64))
					}
				}
				return true
			})
		}
	}
}
