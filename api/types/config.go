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

package types

import (
	"fmt"
	"strings"
	"time"
)

// Config 引擎配置
type Config struct {
	// RingCapacity number of pre-allocated ring slots, power of two. Default 1024.
	RingCapacity int
	// WorkerCount number of ring consumers. Default 4.
	WorkerCount int
	// ProducerType single or multi. Default single.
	ProducerType string
	// WaitStrategy blocking, yielding, busy-spin or sleeping. Default sleeping.
	WaitStrategy string
	// HealthCheckInterval 监听器健康检查周期，默认30秒
	HealthCheckInterval time.Duration
	// MaxRestartAttempts consecutive failed restarts before a listener is disabled. Default 3.
	MaxRestartAttempts int
	// RuntimeIdleTTL evicts rule runtimes not used for this long. 0 keeps them forever.
	RuntimeIdleTTL time.Duration
	// ClaimTimeout bounds how long fan-out waits for a free slot. 0 waits until the context ends.
	ClaimTimeout time.Duration
	// EventKind stamped on every slot.
	EventKind string
	// DedupeActiveRules dispatches a message once per distinct rule id.
	DedupeActiveRules bool
	// DefaultLanguage used for rules that do not name one.
	DefaultLanguage string
	// ScriptMaxExecutionTime JS脚本执行超时时间，默认2000毫秒
	ScriptMaxExecutionTime time.Duration
	// Logger 日志记录接口，默认输出到标准输出
	Logger Logger
}

// NewConfig creates a config with defaults and applies opts.
func NewConfig(opts ...Option) Config {
	c := &Config{
		RingCapacity:           1024,
		WorkerCount:            4,
		ProducerType:           ProducerSingle,
		WaitStrategy:           WaitSleeping,
		HealthCheckInterval:    30 * time.Second,
		MaxRestartAttempts:     3,
		EventKind:              DefaultEventKind,
		DedupeActiveRules:      true,
		DefaultLanguage:        LanguageJs,
		ScriptMaxExecutionTime: time.Millisecond * 2000,
		Logger:                 DefaultLogger(),
	}
	for _, opt := range opts {
		_ = opt(c)
	}
	return *c
}

// Validate reports the first setting the engine cannot be built with.
func (c Config) Validate() error {
	if c.RingCapacity < 1 || c.RingCapacity&(c.RingCapacity-1) != 0 {
		return fmt.Errorf("%w: ring capacity %d must be a power of two", ErrInvalidConfig, c.RingCapacity)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("%w: worker count %d", ErrInvalidConfig, c.WorkerCount)
	}
	switch strings.ToLower(c.ProducerType) {
	case ProducerSingle, ProducerMulti:
	default:
		return fmt.Errorf("%w: producer type %q", ErrInvalidConfig, c.ProducerType)
	}
	switch NormalizeWaitStrategy(c.WaitStrategy) {
	case WaitBlocking, WaitYielding, WaitBusySpin, WaitSleeping:
	default:
		return fmt.Errorf("%w: wait strategy %q", ErrInvalidConfig, c.WaitStrategy)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("%w: health check interval %s", ErrInvalidConfig, c.HealthCheckInterval)
	}
	if c.MaxRestartAttempts < 1 {
		return fmt.Errorf("%w: max restart attempts %d", ErrInvalidConfig, c.MaxRestartAttempts)
	}
	return nil
}

// NormalizeWaitStrategy accepts BUSY_SPIN style names as well.
func NormalizeWaitStrategy(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
}
