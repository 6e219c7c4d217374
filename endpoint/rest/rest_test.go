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

package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rulego/cep/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle(t *testing.T) {
	var got []string
	l, err := NewListener("", Config{Server: ":0", MaxBodySize: 16}, func(ctx context.Context, payload []byte) error {
		if string(payload) == "fail" {
			return errors.New("directory down")
		}
		got = append(got, string(payload))
		return nil
	}, types.DiscardLogger{})
	require.Nil(t, err)
	router := l.Router()

	post := func(body string) int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, DefaultPath, strings.NewReader(body)))
		return w.Code
	}
	assert.Equal(t, http.StatusAccepted, post(`{"t":1}`))
	assert.Equal(t, http.StatusInternalServerError, post("fail"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, post(strings.Repeat("x", 17)))

	require.Nil(t, l.Pause())
	assert.Equal(t, http.StatusServiceUnavailable, post(`{"t":2}`))
	require.Nil(t, l.Resume())
	assert.Equal(t, http.StatusAccepted, post(`{"t":3}`))

	assert.Equal(t, []string{`{"t":1}`, `{"t":3}`}, got)
}

func TestStartStop(t *testing.T) {
	received := make(chan string, 1)
	l, err := NewListener("in", Config{Server: "127.0.0.1:0"}, func(ctx context.Context, payload []byte) error {
		received <- string(payload)
		return nil
	}, types.DiscardLogger{})
	require.Nil(t, err)
	require.Nil(t, l.Start())
	assert.True(t, l.IsRunning())
	// already running
	require.Nil(t, l.Start())

	resp, err := http.Post("http://"+l.Addr()+DefaultPath, "application/json", strings.NewReader("hello"))
	require.Nil(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "hello", <-received)

	require.Nil(t, l.Stop())
	assert.False(t, l.IsRunning())
	assert.Equal(t, "", l.Addr())
}

func TestConfig(t *testing.T) {
	_, err := New("x", map[string]interface{}{}, nil, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidConfig))
	l, err := New("", map[string]interface{}{"server": ":9090", "readTimeout": "3s"}, nil, nil)
	require.Nil(t, err)
	assert.Equal(t, "rest::9090", l.Id())
	assert.Equal(t, DefaultPath, l.(*Listener).Config.Path)
}
