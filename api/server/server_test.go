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

package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rulego/cep"
	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/directory"
	"github.com/rulego/cep/sink"
	"github.com/rulego/cep/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine   *cep.Engine
	hub      *sink.WebsocketHub
	listener *test.FakeListener
	handler  http.Handler
}

func newFixture(t *testing.T, config Config) *fixture {
	hub := sink.NewWebsocketHub(types.DiscardLogger{})
	l := test.NewFakeListener("in")
	dir := directory.NewMemoryDirectory(types.Rule{Id: 1, Name: "echo", Language: "expr", Content: `payload`, Active: true})
	e, err := cep.New(types.NewConfig(types.WithRingCapacity(8), types.WithLogger(types.DiscardLogger{})), dir,
		cep.WithResultSink(hub), cep.WithListeners(l))
	require.Nil(t, err)
	require.Nil(t, e.Start())
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return &fixture{engine: e, hub: hub, listener: l, handler: New(e, hub, config).Handler()}
}

func (f *fixture) do(method, path string, user ...string) (int, string) {
	req := httptest.NewRequest(method, path, nil)
	if len(user) == 2 {
		req.SetBasicAuth(user[0], user[1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w.Code, w.Body.String()
}

func TestListenerEndpoints(t *testing.T) {
	f := newFixture(t, Config{})

	code, body := f.do(http.MethodGet, listenerPath)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `[{"id":"in","state":"Running","failureCount":0,"running":true}]`, body)

	code, body = f.do(http.MethodPost, listenerPath+"/in/stop")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"state":"Stopped"`)
	assert.False(t, f.listener.IsRunning())

	code, _ = f.do(http.MethodGet, healthPath)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = f.do(http.MethodPost, listenerPath+"/in/start")
	assert.Equal(t, http.StatusOK, code)
	code, body = f.do(http.MethodGet, healthPath)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status":"UP"`)

	code, _ = f.do(http.MethodPost, listenerPath+"/in/pause")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, f.listener.IsPaused())
	_, body = f.do(http.MethodGet, listenerPath+"/in")
	assert.Contains(t, body, `"paused":true`)
	code, _ = f.do(http.MethodPost, listenerPath+"/in/resume")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, f.listener.IsPaused())

	code, _ = f.do(http.MethodPost, listenerPath+"/nope/start")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(http.MethodGet, listenerPath+"/nope")
	assert.Equal(t, http.StatusNotFound, code)

	f.listener.FailNextStarts(1)
	_ = f.listener.Stop()
	code, body = f.do(http.MethodPost, listenerPath+"/in/start")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body, "connection refused")
}

func TestRuleEndpoints(t *testing.T) {
	f := newFixture(t, Config{})
	code, body := f.do(http.MethodGet, rulePath)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"name":"echo"`)

	require.Nil(t, f.engine.OnMessage(context.Background(), []byte("x")))
	assert.Eventually(t, func() bool { return f.engine.Cache().Len() == 1 }, time.Second, 5*time.Millisecond)
	_, body = f.do(http.MethodGet, runtimePath)
	assert.Contains(t, body, `"ruleId":1`)

	code, _ = f.do(http.MethodPost, rulePath+"/1/invalidate")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, f.engine.Cache().Len())
	code, _ = f.do(http.MethodPost, rulePath+"/x/invalidate")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, Config{})
	require.Nil(t, f.engine.OnMessage(context.Background(), []byte("x")))
	code, body := f.do(http.MethodGet, metricsPath)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "cep_dispatch_published_total 1")
	assert.Contains(t, body, "cep_listeners_running 1")
}

func TestBasicAuth(t *testing.T) {
	hash, err := HashPassword("secret")
	require.Nil(t, err)
	f := newFixture(t, Config{Users: map[string]string{"admin": hash}})

	code, _ := f.do(http.MethodGet, listenerPath)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.do(http.MethodGet, listenerPath, "admin", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.do(http.MethodGet, listenerPath, "root", "secret")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.do(http.MethodGet, listenerPath, "admin", "secret")
	assert.Equal(t, http.StatusOK, code)
	// health stays open for probes
	code, _ = f.do(http.MethodGet, healthPath)
	assert.Equal(t, http.StatusOK, code)
}

func TestResultsStream(t *testing.T) {
	f := newFixture(t, Config{})
	server := httptest.NewServer(f.handler)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+resultsPath, nil)
	require.Nil(t, err)
	defer conn.Close()
	assert.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.Nil(t, f.engine.OnMessage(context.Background(), []byte("hello")))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.Nil(t, err)
	assert.Contains(t, string(msg), `"content":"hello"`)
}

func TestStartShutdown(t *testing.T) {
	f := newFixture(t, Config{})
	s := New(f.engine, nil, Config{Server: "127.0.0.1:0"})
	require.Nil(t, s.Start())
	resp, err := http.Get("http://" + s.Addr() + healthPath)
	require.Nil(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(b), "UP")
	require.Nil(t, s.Shutdown(context.Background()))
	assert.Equal(t, "", s.Addr())
}
