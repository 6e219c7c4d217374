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

import "time"

type Option func(*Config) error

func WithRingCapacity(capacity int) Option {
	return func(c *Config) error {
		c.RingCapacity = capacity
		return nil
	}
}

func WithWorkerCount(n int) Option {
	return func(c *Config) error {
		c.WorkerCount = n
		return nil
	}
}

func WithProducerType(producerType string) Option {
	return func(c *Config) error {
		c.ProducerType = producerType
		return nil
	}
}

func WithWaitStrategy(waitStrategy string) Option {
	return func(c *Config) error {
		c.WaitStrategy = waitStrategy
		return nil
	}
}

func WithHealthCheckInterval(interval time.Duration) Option {
	return func(c *Config) error {
		c.HealthCheckInterval = interval
		return nil
	}
}

func WithMaxRestartAttempts(n int) Option {
	return func(c *Config) error {
		c.MaxRestartAttempts = n
		return nil
	}
}

func WithRuntimeIdleTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		c.RuntimeIdleTTL = ttl
		return nil
	}
}

func WithClaimTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		c.ClaimTimeout = timeout
		return nil
	}
}

func WithEventKind(kind string) Option {
	return func(c *Config) error {
		c.EventKind = kind
		return nil
	}
}

func WithDedupeActiveRules(dedupe bool) Option {
	return func(c *Config) error {
		c.DedupeActiveRules = dedupe
		return nil
	}
}

func WithDefaultLanguage(language string) Option {
	return func(c *Config) error {
		c.DefaultLanguage = language
		return nil
	}
}

func WithScriptMaxExecutionTime(scriptMaxExecutionTime time.Duration) Option {
	return func(c *Config) error {
		c.ScriptMaxExecutionTime = scriptMaxExecutionTime
		return nil
	}
}

func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.Logger = logger
		return nil
	}
}
