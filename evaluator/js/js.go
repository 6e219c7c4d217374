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

// Package js runs rules written in JavaScript on goja.
//
// A rule script must define onMessage(msg). Every rule gets its own VM that
// lives as long as the rule runtime, so top-level variables keep state between
// messages (windows, counters, last-seen values). Results are produced by
// calling emit(value) any number of times, or by returning a value that is not
// null or undefined.
//
//	var count = 0;
//	function onMessage(msg) {
//	    if (msg.data.temperature > 40) {
//	        count++;
//	        emit({alarm: "overheat", count: count});
//	    }
//	}
//
// msg carries id, kind, ts, payload (the raw payload as a string) and data
// (the payload parsed as JSON, or null).
//
// Package js 基于goja运行JavaScript规则，每条规则一个独立且长期存活的VM。
package js

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/utils/json"
)

const (
	// EntryFunction is the function every rule script must define.
	EntryFunction = "onMessage"
	EmitFunction  = "emit"
)

var _ types.Evaluator = (*Evaluator)(nil)

// Evaluator builds goja-backed rule instances.
type Evaluator struct {
	config types.Config
}

func New(config types.Config) *Evaluator {
	return &Evaluator{config: config}
}

func (e *Evaluator) Type() string {
	return types.LanguageJs
}

// Build compiles source, runs its top level once and resolves onMessage.
func (e *Evaluator) Build(ruleId int64, source string, emit types.EmitFunc) (types.Instance, error) {
	program, err := goja.Compile(fmt.Sprintf("rule-%d.js", ruleId), source, true)
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		ruleId:           ruleId,
		vm:               goja.New(),
		emit:             emit,
		maxExecutionTime: e.config.ScriptMaxExecutionTime,
		logger:           types.NewLogger(e.config.Logger),
	}
	if err := inst.vm.Set(EmitFunction, inst.jsEmit); err != nil {
		return nil, err
	}
	timer := inst.startTimeout()
	_, err = inst.vm.RunProgram(program)
	stopTimeout(timer)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(inst.vm.Get(EntryFunction))
	if !ok {
		return nil, errors.New(EntryFunction + " is not a function")
	}
	inst.fn = fn
	return inst, nil
}

// Instance is one rule's VM. Not safe for concurrent Send.
type Instance struct {
	ruleId           int64
	vm               *goja.Runtime
	fn               goja.Callable
	emit             types.EmitFunc
	maxExecutionTime time.Duration
	logger           types.Logger
	// current is the message being processed, read by emit
	current types.Msg
	emitErr error
}

func (i *Instance) ConcurrentSafe() bool {
	return false
}

func (i *Instance) Send(ctx context.Context, msg types.Msg) (err error) {
	defer func() {
		if caught := recover(); caught != nil {
			err = fmt.Errorf("rule %d: %v", i.ruleId, caught)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	i.current = msg
	i.emitErr = nil
	defer func() {
		i.current = types.Msg{}
	}()

	timer := i.startTimeout()
	res, err := i.fn(goja.Undefined(), i.vm.ToValue(i.toJs(msg)))
	stopTimeout(timer)
	// a timer may have fired just after the call returned
	i.vm.ClearInterrupt()
	if err != nil {
		return err
	}
	if i.emitErr != nil {
		return i.emitErr
	}
	if res != nil && !goja.IsUndefined(res) && !goja.IsNull(res) {
		return i.publish(res.Export())
	}
	return nil
}

func (i *Instance) toJs(msg types.Msg) map[string]interface{} {
	m := map[string]interface{}{
		"id":      msg.Id,
		"kind":    msg.Kind,
		"ts":      msg.Ts,
		"payload": string(msg.Payload),
		"data":    nil,
	}
	if data, ok := json.Decode(msg.Payload); ok {
		m["data"] = data
	}
	return m
}

func (i *Instance) jsEmit(call goja.FunctionCall) goja.Value {
	if err := i.publish(call.Argument(0).Export()); err != nil {
		i.emitErr = err
	}
	return goja.Undefined()
}

func (i *Instance) publish(v interface{}) error {
	content, err := json.Format(v)
	if err != nil {
		return fmt.Errorf("rule %d: encode result: %w", i.ruleId, err)
	}
	i.emit(types.Result{MsgId: i.current.Id, Content: content, Ts: time.Now().UnixMilli()})
	return nil
}

// Stop interrupts any running script. The VM is not used afterwards.
func (i *Instance) Stop() {
	i.vm.Interrupt("rule runtime stopped")
}

func (i *Instance) startTimeout() *time.Timer {
	if i.maxExecutionTime <= 0 {
		return nil
	}
	vm := i.vm
	return time.AfterFunc(i.maxExecutionTime, func() {
		vm.Interrupt("execution timeout")
	})
}

func stopTimeout(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}
