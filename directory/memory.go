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

// Package directory provides rule directories: where the engine lists active
// rules and loads rule content. Implementations keep rules in memory, in a SQL
// table or in YAML files, and a TTL cache can be put in front of any of them.
//
// Package directory 规则目录实现：内存、SQL表、YAML文件，以及可叠加的TTL内容缓存。
package directory

import (
	"context"
	"sort"
	"sync"

	"github.com/rulego/cep/api/types"
)

// notifier fans rule change events out to subscribers.
type notifier struct {
	mu  sync.RWMutex
	fns []func(ruleId int64)
}

func (n *notifier) OnRuleChanged(fn func(ruleId int64)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fns = append(n.fns, fn)
}

func (n *notifier) notify(ruleId int64) {
	n.mu.RLock()
	fns := n.fns
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(ruleId)
	}
}

var (
	_ types.RuleDirectory      = (*MemoryDirectory)(nil)
	_ types.RuleChangeNotifier = (*MemoryDirectory)(nil)
)

// MemoryDirectory keeps rules in a map. Changes notify subscribers synchronously.
type MemoryDirectory struct {
	notifier
	mu    sync.RWMutex
	rules map[int64]types.Rule
}

func NewMemoryDirectory(rules ...types.Rule) *MemoryDirectory {
	d := &MemoryDirectory{rules: make(map[int64]types.Rule)}
	for _, r := range rules {
		d.rules[r.Id] = r
	}
	return d
}

// Put adds or replaces a rule.
func (d *MemoryDirectory) Put(rule types.Rule) {
	d.mu.Lock()
	d.rules[rule.Id] = rule
	d.mu.Unlock()
	d.notify(rule.Id)
}

func (d *MemoryDirectory) Delete(ruleId int64) {
	d.mu.Lock()
	_, ok := d.rules[ruleId]
	delete(d.rules, ruleId)
	d.mu.Unlock()
	if ok {
		d.notify(ruleId)
	}
}

// SetActive switches a rule on or off. Returns false for an unknown id.
func (d *MemoryDirectory) SetActive(ruleId int64, active bool) bool {
	d.mu.Lock()
	r, ok := d.rules[ruleId]
	if ok {
		r.Active = active
		d.rules[ruleId] = r
	}
	d.mu.Unlock()
	if ok {
		d.notify(ruleId)
	}
	return ok
}

// ListActive returns active rules ordered by id.
func (d *MemoryDirectory) ListActive(ctx context.Context) ([]types.Rule, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []types.Rule
	for _, r := range d.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func (d *MemoryDirectory) GetContent(ctx context.Context, ruleId int64) (types.Rule, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rules[ruleId]
	if !ok || !r.Active {
		return types.Rule{}, false, nil
	}
	return r, true, nil
}
