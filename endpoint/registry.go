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

package endpoint

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/endpoint/kafka"
	"github.com/rulego/cep/endpoint/mqtt"
	"github.com/rulego/cep/endpoint/rest"
)

func init() {
	_ = Registry.Register(mqtt.Type, mqtt.New)
	_ = Registry.Register(kafka.Type, kafka.New)
	_ = Registry.Register(rest.Type, rest.New)
}

// Registry 默认监听器注册器
var Registry = new(ComponentRegistry)

// ComponentRegistry maps listener types to factories. Types are case-insensitive.
type ComponentRegistry struct {
	factories map[string]Factory
	sync.RWMutex
}

func (r *ComponentRegistry) Register(listenerType string, factory Factory) error {
	r.Lock()
	defer r.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	key := strings.ToLower(listenerType)
	if _, ok := r.factories[key]; ok {
		return fmt.Errorf("the listener type already exists. type=%s", listenerType)
	}
	r.factories[key] = factory
	return nil
}

func (r *ComponentRegistry) Unregister(listenerType string) error {
	r.Lock()
	defer r.Unlock()
	key := strings.ToLower(listenerType)
	if _, ok := r.factories[key]; !ok {
		return fmt.Errorf("listener type not found. type=%s", listenerType)
	}
	delete(r.factories, key)
	return nil
}

// Types returns the registered types, sorted.
func (r *ComponentRegistry) Types() []string {
	r.RLock()
	defer r.RUnlock()
	var out []string
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New creates the listener described by def.
func (r *ComponentRegistry) New(def Definition, handler types.MessageHandler, logger types.Logger) (types.Listener, error) {
	r.RLock()
	factory, ok := r.factories[strings.ToLower(def.Type)]
	r.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: listener type not found. type=%s", types.ErrInvalidConfig, def.Type)
	}
	configuration := def.Configuration
	if configuration == nil {
		configuration = map[string]interface{}{}
	}
	return factory(def.Id, configuration, handler, logger)
}
