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

// Package expr runs rules written as expr-lang expressions.
//
// The expression sees id, kind, ts, payload (string) and data (payload parsed
// as JSON, or nil). A boolean result acts as a filter: true forwards the raw
// payload as the result, false drops the message. Any other non-nil value is
// emitted as the result content.
//
//	data.temperature > 40 && kind == "message"
//	{"device": data.id, "avg": (data.a + data.b) / 2}
package expr

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/utils/json"
)

var _ types.Evaluator = (*Evaluator)(nil)

type Evaluator struct{}

func New() *Evaluator {
	return &Evaluator{}
}

func (e *Evaluator) Type() string {
	return types.LanguageExpr
}

func (e *Evaluator) Build(ruleId int64, source string, emit types.EmitFunc) (types.Instance, error) {
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	return &Instance{ruleId: ruleId, program: program, emit: emit}, nil
}

// Instance evaluates a compiled program. Programs are immutable, so Send is
// safe for concurrent use.
type Instance struct {
	ruleId  int64
	program *vm.Program
	emit    types.EmitFunc
}

func (i *Instance) ConcurrentSafe() bool {
	return true
}

func (i *Instance) Send(ctx context.Context, msg types.Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env := map[string]interface{}{
		"id":      msg.Id,
		"kind":    msg.Kind,
		"ts":      msg.Ts,
		"payload": string(msg.Payload),
		"data":    nil,
	}
	if data, ok := json.Decode(msg.Payload); ok {
		env["data"] = data
	}
	out, err := expr.Run(i.program, env)
	if err != nil {
		return fmt.Errorf("rule %d: %w", i.ruleId, err)
	}
	var content string
	switch v := out.(type) {
	case nil:
		return nil
	case bool:
		if !v {
			return nil
		}
		content = string(msg.Payload)
	default:
		if content, err = json.Format(v); err != nil {
			return fmt.Errorf("rule %d: encode result: %w", i.ruleId, err)
		}
	}
	i.emit(types.Result{MsgId: msg.Id, Content: content, Ts: time.Now().UnixMilli()})
	return nil
}

func (i *Instance) Stop() {}
