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

// Package supervisor health-checks inbound listeners on a fixed schedule,
// restarts the ones that stopped and disables a listener after repeated
// restart failures until an operator starts it again.
//
// Package supervisor 监听器生命周期监管：定时健康检查、有限次数自动重启，
// 连续失败后禁用，直到运维人员显式启动。
package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rulego/cep/api/types"
)

// ListenerState 监听器状态
type ListenerState int

const (
	// StateRunning the listener is enabled and was running at the last observation.
	StateRunning ListenerState = iota
	// StateAwaitingRestart the listener is enabled, not running, and will be restarted by the next check.
	StateAwaitingRestart
	// StateStopped an operator stopped the listener.
	StateStopped
	// StateDisabled restarts failed too often. Only StartListener re-enables it.
	StateDisabled
)

var stateNames = [...]string{"Running", "AwaitingRestart", "Stopped", "Disabled"}

func (s ListenerState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("ListenerState(%d)", int(s))
	}
	return stateNames[s]
}

func (s ListenerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ListenerStatus is the supervisor's record for one listener.
type ListenerStatus struct {
	State        ListenerState `json:"state"`
	FailureCount int           `json:"failureCount"`
	// Paused an operator paused intake. A restart clears it.
	Paused bool `json:"paused"`
}

// Enabled reports whether the health check may restart the listener.
func (s ListenerStatus) Enabled() bool {
	return s.State == StateRunning || s.State == StateAwaitingRestart
}

type entry struct {
	listener types.Listener
	mu       sync.Mutex
	status   ListenerStatus
}

func (e *entry) get() ListenerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Option 监管器选项
type Option func(*Supervisor)

// WithInterval sets the health check period. Default 30s.
func WithInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.interval = d
	}
}

// WithMaxRestartAttempts sets how many consecutive failed restarts disable a listener. Default 3.
func WithMaxRestartAttempts(n int) Option {
	return func(s *Supervisor) {
		s.maxAttempts = n
	}
}

func WithLogger(logger types.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// Supervisor 监听器监管器
type Supervisor struct {
	interval    time.Duration
	maxAttempts int
	logger      types.Logger
	entries     sync.Map
	mu          sync.Mutex
	ids         []string
	// checkMu serializes health checks
	checkMu  sync.Mutex
	cron     *cron.Cron
	shutdown bool
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{interval: 30 * time.Second, maxAttempts: 3}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 3
	}
	s.logger = types.NewLogger(s.logger)
	return s
}

// Register adds a listener. Its status starts as Running so the first check starts it.
func (s *Supervisor) Register(listener types.Listener) error {
	id := listener.Id()
	if _, loaded := s.entries.LoadOrStore(id, &entry{listener: listener}); loaded {
		return fmt.Errorf("listener %s already registered", id)
	}
	s.mu.Lock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) lookup(id string) (*entry, error) {
	v, ok := s.entries.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrListenerNotFound, id)
	}
	return v.(*entry), nil
}

// Listeners returns the registered listener ids in registration order.
func (s *Supervisor) Listeners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func (s *Supervisor) Listener(id string) (types.Listener, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.listener, nil
}

func (s *Supervisor) Status(id string) (ListenerStatus, error) {
	e, err := s.lookup(id)
	if err != nil {
		return ListenerStatus{}, err
	}
	return e.get(), nil
}

func (s *Supervisor) Statuses() map[string]ListenerStatus {
	out := make(map[string]ListenerStatus)
	for _, id := range s.Listeners() {
		if e, err := s.lookup(id); err == nil {
			out[id] = e.get()
		}
	}
	return out
}

// Count returns how many listeners are in state.
func (s *Supervisor) Count(state ListenerState) int {
	n := 0
	for _, status := range s.Statuses() {
		if status.State == state {
			n++
		}
	}
	return n
}

// Start schedules CheckListeners every interval and runs one check right away.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return errors.New("supervisor is shut down")
	}
	if s.cron != nil {
		s.mu.Unlock()
		return nil
	}
	logger := cron.PrintfLogger(s.logger)
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), s.CheckListeners); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: health check interval %s: %v", types.ErrInvalidConfig, s.interval, err)
	}
	s.cron = c
	s.mu.Unlock()

	s.CheckListeners()
	c.Start()
	return nil
}

// CheckListeners restarts every enabled listener that is not running.
func (s *Supervisor) CheckListeners() {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()
	for _, id := range s.Listeners() {
		e, err := s.lookup(id)
		if err != nil {
			continue
		}
		s.check(id, e)
	}
}

func (s *Supervisor) check(id string, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.status.Enabled() {
		return
	}
	if e.listener.IsRunning() {
		e.status = ListenerStatus{State: StateRunning, Paused: e.status.Paused}
		return
	}
	if err := e.listener.Start(); err != nil {
		e.status.FailureCount++
		if e.status.FailureCount >= s.maxAttempts {
			e.status.State = StateDisabled
			s.logger.Printf("listener %s: %v: giving up after %d attempts: %v", id, types.ErrListenerRestartFailure, e.status.FailureCount, err)
			return
		}
		e.status.State = StateAwaitingRestart
		s.logger.Printf("listener %s: %v: attempt %d/%d: %v", id, types.ErrListenerRestartFailure, e.status.FailureCount, s.maxAttempts, err)
		return
	}
	if e.status.State == StateAwaitingRestart || e.status.FailureCount > 0 {
		s.logger.Printf("listener %s restarted", id)
	}
	e.status = ListenerStatus{State: StateRunning}
}

// StartListener starts a listener and re-enables it, also when disabled.
func (s *Supervisor) StartListener(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.listener.Start(); err != nil {
		e.status = ListenerStatus{State: StateAwaitingRestart}
		return fmt.Errorf("start listener %s: %w", id, err)
	}
	e.status = ListenerStatus{State: StateRunning}
	return nil
}

// StopListener stops a listener. The health check leaves it alone until StartListener.
func (s *Supervisor) StopListener(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = ListenerStatus{State: StateStopped}
	if err := e.listener.Stop(); err != nil {
		return fmt.Errorf("stop listener %s: %w", id, err)
	}
	return nil
}

// PauseListener stops intake without disconnecting and records the listener as paused.
func (s *Supervisor) PauseListener(id string) error {
	return s.setPaused(id, true)
}

func (s *Supervisor) ResumeListener(id string) error {
	return s.setPaused(id, false)
}

func (s *Supervisor) setPaused(id string, paused bool) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	op, action := e.listener.Resume, "resume"
	if paused {
		op, action = e.listener.Pause, "pause"
	}
	if err := op(); err != nil {
		return fmt.Errorf("%s listener %s: %w", action, id, err)
	}
	e.status.Paused = paused
	return nil
}

func (s *Supervisor) IsListenerRunning(id string) (bool, error) {
	e, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	return e.listener.IsRunning(), nil
}

// Shutdown cancels the schedule and waits for a running check. Safe to call more than once.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.shutdown = true
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// StopAll stops every listener, used on process shutdown.
func (s *Supervisor) StopAll() {
	for _, id := range s.Listeners() {
		if err := s.StopListener(id); err != nil {
			s.logger.Printf("%v", err)
		}
	}
}
