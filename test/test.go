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

// Package test provides fakes of the engine collaborators for package tests.
package test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rulego/cep/api/types"
)

// RecordingLogger keeps every formatted line.
type RecordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *RecordingLogger) Printf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

func (l *RecordingLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// Count returns how many lines contain substr.
func (l *RecordingLogger) Count(substr string) int {
	n := 0
	for _, line := range l.Lines() {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// StaticDirectory is a map-backed rule directory.
type StaticDirectory struct {
	mu       sync.RWMutex
	rules    map[int64]types.Rule
	order    []int64
	ListErr  error
	lookups  atomic.Int64
	onChange []func(int64)
}

func NewStaticDirectory(rules ...types.Rule) *StaticDirectory {
	d := &StaticDirectory{rules: make(map[int64]types.Rule)}
	for _, r := range rules {
		d.Put(r)
	}
	return d
}

func (d *StaticDirectory) Put(rule types.Rule) {
	d.mu.Lock()
	if _, ok := d.rules[rule.Id]; !ok {
		d.order = append(d.order, rule.Id)
	}
	d.rules[rule.Id] = rule
	fns := append([]func(int64){}, d.onChange...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn(rule.Id)
	}
}

func (d *StaticDirectory) ListActive(ctx context.Context) ([]types.Rule, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.ListErr != nil {
		return nil, d.ListErr
	}
	var active []types.Rule
	for _, id := range d.order {
		if r := d.rules[id]; r.Active {
			active = append(active, r)
		}
	}
	return active, nil
}

func (d *StaticDirectory) GetContent(ctx context.Context, ruleId int64) (types.Rule, bool, error) {
	d.lookups.Add(1)
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rules[ruleId]
	if !ok || !r.Active {
		return types.Rule{}, false, nil
	}
	return r, true, nil
}

func (d *StaticDirectory) OnRuleChanged(fn func(ruleId int64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = append(d.onChange, fn)
}

// Lookups counts GetContent calls.
func (d *StaticDirectory) Lookups() int64 {
	return d.lookups.Load()
}

// RecordingSink keeps every published result.
type RecordingSink struct {
	mu      sync.Mutex
	results []types.Result
	Err     error
}

func (s *RecordingSink) Publish(ctx context.Context, result types.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.results = append(s.results, result)
	return nil
}

func (s *RecordingSink) Results() []types.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Result(nil), s.results...)
}

// FakeEvaluator builds FakeInstances. Sources starting with "invalid" fail to build.
type FakeEvaluator struct {
	Language   string
	BuildDelay time.Duration
	// SendErr is returned by every Send of instances built afterwards.
	SendErr error
	builds  atomic.Int64
	mu      sync.Mutex
	built   []*FakeInstance
}

func (e *FakeEvaluator) Type() string {
	if e.Language == "" {
		return types.LanguageJs
	}
	return e.Language
}

func (e *FakeEvaluator) Build(ruleId int64, source string, emit types.EmitFunc) (types.Instance, error) {
	e.builds.Add(1)
	if e.BuildDelay > 0 {
		time.Sleep(e.BuildDelay)
	}
	if strings.HasPrefix(source, "invalid") {
		return nil, errors.New("syntax error")
	}
	inst := &FakeInstance{RuleId: ruleId, Source: source, emit: emit, sendErr: e.SendErr}
	e.mu.Lock()
	e.built = append(e.built, inst)
	e.mu.Unlock()
	return inst, nil
}

func (e *FakeEvaluator) Builds() int64 {
	return e.builds.Load()
}

func (e *FakeEvaluator) Instances() []*FakeInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeInstance(nil), e.built...)
}

// FakeInstance records received messages and emits the payload back as a result.
type FakeInstance struct {
	RuleId  int64
	Source  string
	emit    types.EmitFunc
	sendErr error
	mu      sync.Mutex
	msgs    []types.Msg
	stopped atomic.Bool
}

func (i *FakeInstance) Send(ctx context.Context, msg types.Msg) error {
	if i.sendErr != nil {
		return i.sendErr
	}
	i.mu.Lock()
	i.msgs = append(i.msgs, msg)
	i.mu.Unlock()
	i.emit(types.Result{MsgId: msg.Id, Content: string(msg.Payload)})
	return nil
}

func (i *FakeInstance) ConcurrentSafe() bool {
	return false
}

func (i *FakeInstance) Stop() {
	i.stopped.Store(true)
}

func (i *FakeInstance) Stopped() bool {
	return i.stopped.Load()
}

func (i *FakeInstance) Msgs() []types.Msg {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]types.Msg(nil), i.msgs...)
}

// FakeRegistry resolves evaluators by Type.
type FakeRegistry map[string]types.Evaluator

func NewFakeRegistry(evaluators ...types.Evaluator) FakeRegistry {
	r := FakeRegistry{}
	for _, e := range evaluators {
		_ = r.Register(e)
	}
	return r
}

func (r FakeRegistry) Register(e types.Evaluator) error {
	r[e.Type()] = e
	return nil
}

func (r FakeRegistry) Get(language string) (types.Evaluator, bool) {
	e, ok := r[language]
	return e, ok
}

// FakeListener is a controllable listener. StartErrs are returned by successive Start calls.
type FakeListener struct {
	id        string
	mu        sync.Mutex
	running   bool
	paused    bool
	StartErrs []error
	starts    int
	stops     int
}

func NewFakeListener(id string) *FakeListener {
	return &FakeListener{id: id}
}

func (l *FakeListener) Id() string {
	return l.id
}

func (l *FakeListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	if len(l.StartErrs) > 0 {
		err := l.StartErrs[0]
		l.StartErrs = l.StartErrs[1:]
		if err != nil {
			return err
		}
	}
	l.running = true
	return nil
}

func (l *FakeListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
	l.running = false
	return nil
}

func (l *FakeListener) Pause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
	return nil
}

func (l *FakeListener) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
	return nil
}

func (l *FakeListener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *FakeListener) IsPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Crash marks the listener not running, as if its connection dropped.
func (l *FakeListener) Crash() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
}

// FailNextStarts makes the next n Start calls fail.
func (l *FakeListener) FailNextStarts(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.StartErrs = append(l.StartErrs, errors.New("connection refused"))
	}
}

func (l *FakeListener) Starts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts
}
