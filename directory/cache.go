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

package directory

import (
	"context"
	"sync"
	"time"

	"github.com/rulego/cep/api/types"
)

// DefaultContentTTL is how long rule content stays cached.
const DefaultContentTTL = 24 * time.Hour

var (
	_ types.RuleDirectory      = (*CachedDirectory)(nil)
	_ types.RuleChangeNotifier = (*CachedDirectory)(nil)
)

type cacheItem struct {
	rule       types.Rule
	found      bool
	expiration int64
}

// CachedDirectory caches GetContent lookups of another directory with a TTL.
// Misses are not cached, a rule added to the store is visible on the next lookup.
// Entries are dropped as soon as the wrapped directory reports a change.
//
// CachedDirectory 带TTL的规则内容缓存，被包装目录通知变更时立即失效。
type CachedDirectory struct {
	notifier
	inner      types.RuleDirectory
	ttl        time.Duration
	listTTL    time.Duration
	mu         sync.RWMutex
	items      map[int64]cacheItem
	list       []types.Rule
	listExpiry int64
	// gen changes on every invalidation so a lookup racing a change is not cached
	gen        uint64
	stopGc     chan struct{}
	stopOnce   sync.Once
}

type CacheOption func(*CachedDirectory)

// WithContentTTL sets the content TTL. Zero or less keeps DefaultContentTTL.
func WithContentTTL(ttl time.Duration) CacheOption {
	return func(c *CachedDirectory) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithListTTL caches the active rule list for ttl. Zero reads through on every call.
func WithListTTL(ttl time.Duration) CacheOption {
	return func(c *CachedDirectory) {
		c.listTTL = ttl
	}
}

func NewCachedDirectory(inner types.RuleDirectory, opts ...CacheOption) *CachedDirectory {
	c := &CachedDirectory{
		inner:  inner,
		ttl:    DefaultContentTTL,
		items:  make(map[int64]cacheItem),
		stopGc: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if n, ok := inner.(types.RuleChangeNotifier); ok {
		n.OnRuleChanged(func(ruleId int64) {
			c.Invalidate(ruleId)
			c.notify(ruleId)
		})
	}
	go c.gc()
	return c
}

func (c *CachedDirectory) ListActive(ctx context.Context) ([]types.Rule, error) {
	if c.listTTL <= 0 {
		return c.inner.ListActive(ctx)
	}
	now := time.Now().UnixNano()
	c.mu.RLock()
	if c.list != nil && now < c.listExpiry {
		list := c.list
		c.mu.RUnlock()
		return list, nil
	}
	gen := c.gen
	c.mu.RUnlock()
	list, err := c.inner.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []types.Rule{}
	}
	c.mu.Lock()
	if c.gen == gen {
		c.list = list
		c.listExpiry = now + int64(c.listTTL)
	}
	c.mu.Unlock()
	return list, nil
}

func (c *CachedDirectory) GetContent(ctx context.Context, ruleId int64) (types.Rule, bool, error) {
	now := time.Now().UnixNano()
	c.mu.RLock()
	it, ok := c.items[ruleId]
	gen := c.gen
	c.mu.RUnlock()
	if ok && now <= it.expiration {
		return it.rule, it.found, nil
	}
	rule, found, err := c.inner.GetContent(ctx, ruleId)
	if err != nil {
		return types.Rule{}, false, err
	}
	c.mu.Lock()
	if found && c.gen == gen {
		c.items[ruleId] = cacheItem{rule: rule, found: found, expiration: now + int64(c.ttl)}
	}
	c.mu.Unlock()
	return rule, found, nil
}

// Invalidate drops the cached content of ruleId and the cached active list.
func (c *CachedDirectory) Invalidate(ruleId int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	delete(c.items, ruleId)
	c.list = nil
}

func (c *CachedDirectory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the expiry sweep.
func (c *CachedDirectory) Close() {
	c.stopOnce.Do(func() {
		close(c.stopGc)
	})
}

func (c *CachedDirectory) gc() {
	interval := c.ttl
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopGc:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			c.mu.Lock()
			for k, it := range c.items {
				if now > it.expiration {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
