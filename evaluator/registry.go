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

// Package evaluator keeps the rule languages the engine can run.
package evaluator

import (
	"fmt"
	"sync"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/evaluator/expr"
	"github.com/rulego/cep/evaluator/js"
)

var _ types.EvaluatorRegistry = (*Registry)(nil)

// Registry maps rule language to evaluator.
// Registry 规则语言与评估引擎的注册表
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]types.Evaluator
}

func NewRegistry() *Registry {
	return &Registry{evaluators: make(map[string]types.Evaluator)}
}

// NewDefaultRegistry registers the js and expr evaluators.
func NewDefaultRegistry(config types.Config) *Registry {
	r := NewRegistry()
	_ = r.Register(js.New(config))
	_ = r.Register(expr.New())
	return r
}

func (r *Registry) Register(evaluator types.Evaluator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.evaluators[evaluator.Type()]; ok {
		return fmt.Errorf("evaluator %s already registered", evaluator.Type())
	}
	r.evaluators[evaluator.Type()] = evaluator
	return nil
}

func (r *Registry) Unregister(language string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.evaluators, language)
}

func (r *Registry) Get(language string) (types.Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[language]
	return e, ok
}

// Languages lists registered languages.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k := range r.evaluators {
		out = append(out, k)
	}
	return out
}
