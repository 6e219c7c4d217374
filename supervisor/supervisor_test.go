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

package supervisor

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSupervisor(t *testing.T, listeners ...types.Listener) (*Supervisor, *test.RecordingLogger) {
	logger := &test.RecordingLogger{}
	s := New(WithLogger(logger), WithInterval(time.Hour))
	for _, l := range listeners {
		require.Nil(t, s.Register(l))
	}
	return s, logger
}

func TestRestartStoppedListener(t *testing.T) {
	l := test.NewFakeListener("mqtt-in")
	s, _ := newSupervisor(t, l)

	s.CheckListeners()
	assert.True(t, l.IsRunning())
	assert.Equal(t, 1, l.Starts())

	// running listeners are left alone
	s.CheckListeners()
	assert.Equal(t, 1, l.Starts())

	l.Crash()
	s.CheckListeners()
	assert.True(t, l.IsRunning())
	assert.Equal(t, 2, l.Starts())
	status, err := s.Status("mqtt-in")
	require.Nil(t, err)
	assert.Equal(t, ListenerStatus{State: StateRunning}, status)
}

func TestDisableAfterThreeFailures(t *testing.T) {
	l := test.NewFakeListener("kafka-in")
	s, logger := newSupervisor(t, l)
	l.FailNextStarts(4)

	s.CheckListeners()
	s.CheckListeners()
	status, _ := s.Status("kafka-in")
	assert.Equal(t, ListenerStatus{State: StateAwaitingRestart, FailureCount: 2}, status)
	assert.True(t, status.Enabled())

	s.CheckListeners()
	status, _ = s.Status("kafka-in")
	assert.Equal(t, ListenerStatus{State: StateDisabled, FailureCount: 3}, status)
	assert.False(t, status.Enabled())
	assert.Equal(t, 1, logger.Count("giving up after 3 attempts"))

	// no further attempts
	s.CheckListeners()
	s.CheckListeners()
	assert.Equal(t, 3, l.Starts())

	// an explicit start re-enables it; the 4th queued failure is returned
	err := s.StartListener("kafka-in")
	assert.NotNil(t, err)
	status, _ = s.Status("kafka-in")
	assert.Equal(t, ListenerStatus{State: StateAwaitingRestart}, status)

	require.Nil(t, s.StartListener("kafka-in"))
	require.Nil(t, s.StartListener("kafka-in"))
	status, _ = s.Status("kafka-in")
	assert.Equal(t, ListenerStatus{State: StateRunning}, status)
	assert.True(t, l.IsRunning())
}

func TestRecoveryResetsFailures(t *testing.T) {
	l := test.NewFakeListener("rest-in")
	s, logger := newSupervisor(t, l)
	l.FailNextStarts(2)
	s.CheckListeners()
	s.CheckListeners()
	s.CheckListeners()
	status, _ := s.Status("rest-in")
	assert.Equal(t, ListenerStatus{State: StateRunning}, status)
	assert.Equal(t, 1, logger.Count("restarted"))
}

func TestOperatorOperations(t *testing.T) {
	l := test.NewFakeListener("a")
	s, _ := newSupervisor(t, l)
	require.Nil(t, s.StartListener("a"))

	require.Nil(t, s.PauseListener("a"))
	assert.True(t, l.IsPaused())
	status, _ := s.Status("a")
	assert.Equal(t, ListenerStatus{State: StateRunning, Paused: true}, status)
	// a paused listener is still running, the check keeps the flag
	s.CheckListeners()
	status, _ = s.Status("a")
	assert.True(t, status.Paused)
	assert.True(t, HealthIndicator{Supervisor: s}.Health().Details["a"].Paused)

	require.Nil(t, s.ResumeListener("a"))
	assert.False(t, l.IsPaused())
	status, _ = s.Status("a")
	assert.False(t, status.Paused)

	require.Nil(t, s.PauseListener("a"))

	require.Nil(t, s.StopListener("a"))
	running, err := s.IsListenerRunning("a")
	require.Nil(t, err)
	assert.False(t, running)
	status, _ = s.Status("a")
	assert.Equal(t, StateStopped, status.State)
	assert.False(t, status.Paused)

	// stopped by an operator: the check does not restart it
	s.CheckListeners()
	assert.False(t, l.IsRunning())

	for _, op := range []func(string) error{s.StartListener, s.StopListener, s.PauseListener, s.ResumeListener} {
		assert.True(t, errors.Is(op("missing"), types.ErrListenerNotFound))
	}
	_, err = s.IsListenerRunning("missing")
	assert.True(t, errors.Is(err, types.ErrListenerNotFound))
	_, err = s.Status("missing")
	assert.True(t, errors.Is(err, types.ErrListenerNotFound))
}

func TestRegisterDuplicate(t *testing.T) {
	s, _ := newSupervisor(t, test.NewFakeListener("a"), test.NewFakeListener("b"))
	assert.NotNil(t, s.Register(test.NewFakeListener("a")))
	assert.Equal(t, []string{"a", "b"}, s.Listeners())
}

func TestStartRunsImmediateCheckAndShutdownIsIdempotent(t *testing.T) {
	l := test.NewFakeListener("a")
	s, _ := newSupervisor(t, l)
	require.Nil(t, s.Start())
	assert.True(t, l.IsRunning())
	require.Nil(t, s.Start())
	assert.Equal(t, 1, l.Starts())

	s.Shutdown()
	s.Shutdown()
	assert.NotNil(t, s.Start())
}

func TestScheduledCheck(t *testing.T) {
	l := test.NewFakeListener("a")
	s := New(WithLogger(types.DiscardLogger{}), WithInterval(time.Second))
	require.Nil(t, s.Register(l))
	require.Nil(t, s.Start())
	defer s.Shutdown()
	l.Crash()
	assert.Eventually(t, func() bool { return l.IsRunning() }, 3*time.Second, 50*time.Millisecond)
}

func TestHealth(t *testing.T) {
	a, b := test.NewFakeListener("a"), test.NewFakeListener("b")
	s, _ := newSupervisor(t, a, b)
	h := HealthIndicator{Supervisor: s}
	s.CheckListeners()
	assert.Equal(t, StatusUp, h.Health().Status)

	b.Crash()
	health := h.Health()
	assert.Equal(t, StatusDown, health.Status)
	assert.Equal(t, "Not Running", health.Details["b"].Status)
	assert.Equal(t, "Running", health.Details["a"].Status)

	b64, err := json.Marshal(health.Details["a"])
	require.Nil(t, err)
	assert.Equal(t, `{"status":"Running","state":"Running","failureCount":0}`, string(b64))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Disabled", StateDisabled.String())
	assert.Equal(t, "ListenerState(9)", ListenerState(9).String())
}
