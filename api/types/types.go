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

// Package types defines the data model and collaborator contracts of the rule
// dispatch engine: rules, inbound messages, results, evaluators, listeners,
// result sinks and the rule directory.
//
// Package types 定义规则分发引擎的数据模型与协作者接口。
package types

import "context"

// Rule is a processing rule as stored in the rule directory.
// Rule 规则目录中存储的处理规则。
type Rule struct {
	// Id 规则ID
	Id int64 `json:"id" yaml:"id"`
	// Name 规则名称
	Name string `json:"name" yaml:"name"`
	// Language selects the evaluator. Empty means Config.DefaultLanguage.
	// Language 规则语言，为空则使用默认语言
	Language string `json:"language" yaml:"language"`
	// Content is the engine source text.
	// Content 规则内容
	Content string `json:"content" yaml:"content"`
	// Active 是否启用
	Active bool `json:"active" yaml:"active"`
}

// Msg is what an evaluation instance receives for one rule.
type Msg struct {
	Id      string `json:"id"`
	Kind    string `json:"kind"`
	Payload []byte `json:"payload"`
	// Ts unix milliseconds
	Ts int64 `json:"ts"`
}

// Result is one output produced by a rule runtime.
// Result 规则运行时产生的结果
type Result struct {
	RuleId  int64  `json:"ruleId"`
	MsgId   string `json:"msgId"`
	Content string `json:"content"`
	Ts      int64  `json:"ts"`
}

// EmitFunc receives results produced by an Instance.
type EmitFunc func(result Result)

// Evaluator builds per-rule evaluation instances for one rule language.
// Evaluator 规则语言的评估引擎，为每条规则构建运行实例
type Evaluator interface {
	// Type returns the language name, for example "js".
	Type() string
	// Build compiles source into a long-lived instance. Results are delivered through emit.
	Build(ruleId int64, source string, emit EmitFunc) (Instance, error)
}

// EvaluatorRegistry resolves evaluators by rule language.
// EvaluatorRegistry 按规则语言查找评估引擎
type EvaluatorRegistry interface {
	Register(evaluator Evaluator) error
	Get(language string) (Evaluator, bool)
}

// Instance is a live evaluation context for one rule.
type Instance interface {
	Send(ctx context.Context, msg Msg) error
	// ConcurrentSafe reports whether Send may be called from several goroutines at once.
	ConcurrentSafe() bool
	Stop()
}

// RuleDirectory lists active rules and resolves rule content by id.
// RuleDirectory 规则目录
type RuleDirectory interface {
	ListActive(ctx context.Context) ([]Rule, error)
	// GetContent returns false when the rule does not exist or is not active.
	GetContent(ctx context.Context, ruleId int64) (Rule, bool, error)
}

// RuleChangeNotifier is implemented by directories that can report rule changes.
type RuleChangeNotifier interface {
	OnRuleChanged(fn func(ruleId int64))
}

// ResultSink receives results. Delivery is fire-and-forget from the engine's view.
// ResultSink 结果输出
type ResultSink interface {
	Publish(ctx context.Context, result Result) error
}

// MessageHandler processes one inbound message. Transports acknowledge the message
// only when it returns nil.
type MessageHandler func(ctx context.Context, payload []byte) error

// Listener is an inbound message consumer managed by the supervisor.
// Listener 由监管器管理的消息监听器
type Listener interface {
	Id() string
	Start() error
	Stop() error
	Pause() error
	Resume() error
	IsRunning() bool
}
