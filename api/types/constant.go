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

import "errors"

const (
	LanguageJs   = "js"
	LanguageExpr = "expr"
)

const (
	ProducerSingle = "single"
	ProducerMulti  = "multi"
)

const (
	WaitBlocking = "blocking"
	WaitYielding = "yielding"
	WaitBusySpin = "busy-spin"
	WaitSleeping = "sleeping"
)

// DefaultEventKind is the event kind stamped on slots when none is configured.
const DefaultEventKind = "message"

var (
	// ErrMalformedEvent slot has a nil payload or no rule id
	ErrMalformedEvent = errors.New("malformed event")
	// ErrRuleNotFound rule content is absent or the rule is inactive
	ErrRuleNotFound = errors.New("rule not found")
	// ErrInvalidRuleDefinition the evaluator rejected the rule content
	ErrInvalidRuleDefinition = errors.New("invalid rule definition")
	// ErrEngineSendFailure the runtime rejected a message
	ErrEngineSendFailure = errors.New("engine send failure")
	// ErrListenerRestartFailure a listener failed to start during a health check
	ErrListenerRestartFailure = errors.New("listener restart failure")
	ErrListenerNotFound       = errors.New("listener not found")
	ErrListenerPaused         = errors.New("listener paused")
	ErrUnknownLanguage        = errors.New("unknown rule language")
	ErrInvalidConfig          = errors.New("invalid config")
	ErrRuntimeStopped         = errors.New("rule runtime stopped")
	ErrSinkClosed             = errors.New("sink closed")
)
