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

package sink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/gorilla/websocket"
	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/test"
	"github.com/rulego/cep/utils/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var result = types.Result{RuleId: 7, MsgId: "m1", Content: `{"t":30}`, Ts: 1700000000000}

func TestEncoders(t *testing.T) {
	b, err := JSONEncoder(result)
	require.Nil(t, err)
	assert.Equal(t, `{"ruleId":7,"msgId":"m1","content":"{\"t\":30}","ts":1700000000000}`, string(b))
	b, _ = EncoderByName("content")(result)
	assert.Equal(t, `{"t":30}`, string(b))
}

func TestMultiSink(t *testing.T) {
	rec := &test.RecordingSink{}
	logger := &test.RecordingLogger{}
	failing := FuncSink(func(context.Context, types.Result) error { return errors.New("down") })
	m := MultiSink{rec, LogSink{Logger: logger}, failing}
	err := m.Publish(context.Background(), result)
	assert.EqualError(t, err, "down")
	assert.Equal(t, []types.Result{result}, rec.Results())
	assert.Equal(t, 1, logger.Count("rule=7 msg=m1"))
	assert.Nil(t, m.Close())
}

func TestAsyncSinkFallsBackWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	next := FuncSink(func(ctx context.Context, r types.Result) error {
		if r.MsgId == "slow" {
			<-release
		}
		mu.Lock()
		got = append(got, r.MsgId)
		mu.Unlock()
		return nil
	})
	s := NewAsyncSink(next, 1, time.Second, types.DiscardLogger{})
	require.Nil(t, s.Publish(context.Background(), types.Result{MsgId: "slow"}))
	assert.Eventually(t, func() bool { return s.pool.Busy() == 1 }, time.Second, time.Millisecond)

	// the only worker is busy, so this one is delivered on the caller's goroutine
	require.Nil(t, s.Publish(context.Background(), types.Result{MsgId: "fast"}))
	assert.Equal(t, int64(1), s.Fallbacks())
	mu.Lock()
	assert.Equal(t, []string{"fast"}, got)
	mu.Unlock()

	close(release)
	require.Nil(t, s.Close())
	mu.Lock()
	assert.Equal(t, []string{"fast", "slow"}, got)
	mu.Unlock()
	assert.Equal(t, types.ErrSinkClosed, s.Publish(context.Background(), result))
}

func TestMqttSink(t *testing.T) {
	fake := mqtt.NewFakeClient()
	s := NewMqttSinkWithClient(mqtt.Wrap(fake), MqttSinkConfig{Qos: 1, Encoding: "content"})
	require.Nil(t, s.Publish(context.Background(), result))
	assert.Equal(t, []mqtt.Published{{Topic: DefaultTopic, Qos: 1, Payload: []byte(`{"t":30}`)}}, fake.Published())
	// shared clients stay connected
	require.Nil(t, s.Close())
	assert.True(t, fake.IsConnected())
}

func TestKafkaSink(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if msg.Topic != "results" || string(key) != "7" {
			return errors.New("unexpected message")
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "m1" {
			return errors.New("missing msgId header")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	s := NewKafkaSinkWithProducer(producer, KafkaSinkConfig{Topic: "results"})
	assert.Nil(t, s.Publish(context.Background(), result))
	assert.Equal(t, sarama.ErrOutOfBrokers, s.Publish(context.Background(), result))
	assert.Nil(t, s.Close())
}

func TestHttpSink(t *testing.T) {
	var body string
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		auth = r.Header.Get("Authorization")
		if strings.Contains(body, "reject") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("bad result"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	s, err := NewHttpSink(HttpSinkConfig{Url: server.URL, Headers: map[string]string{"Authorization": "Bearer x"}})
	require.Nil(t, err)
	defer s.Close()
	require.Nil(t, s.Publish(context.Background(), result))
	assert.Equal(t, "Bearer x", auth)
	assert.Contains(t, body, `"ruleId":7`)

	err = s.Publish(context.Background(), types.Result{Content: "reject"})
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "400: bad result")
}

func TestHttpSinkConfig(t *testing.T) {
	_, err := NewHttpSink(HttpSinkConfig{})
	assert.True(t, errors.Is(err, types.ErrInvalidConfig))
	_, err = NewHttpSink(HttpSinkConfig{Url: "http://127.0.0.1", Proxy: "::bad"})
	assert.True(t, errors.Is(err, types.ErrInvalidConfig))
	s, err := NewHttpSink(HttpSinkConfig{Url: "http://127.0.0.1", Proxy: "socks5://u:p@127.0.0.1:1080"})
	require.Nil(t, err)
	assert.NotNil(t, s.client.Transport.(*http.Transport).DialContext)
}

func TestWebsocketHub(t *testing.T) {
	hub := NewWebsocketHub(types.DiscardLogger{})
	server := httptest.NewServer(hub)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	all, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.Nil(t, err)
	defer all.Close()
	only8, _, err := websocket.DefaultDialer.Dial(url+"?ruleId=8", nil)
	require.Nil(t, err)
	defer only8.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	require.Nil(t, hub.Publish(context.Background(), result))
	require.Nil(t, hub.Publish(context.Background(), types.Result{RuleId: 8, Content: "eight"}))

	_ = all.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, first, err := all.ReadMessage()
	require.Nil(t, err)
	assert.Contains(t, string(first), `"ruleId":7`)
	_, second, err := all.ReadMessage()
	require.Nil(t, err)
	assert.Contains(t, string(second), `"ruleId":8`)

	_ = only8.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := only8.ReadMessage()
	require.Nil(t, err)
	assert.Contains(t, string(msg), "eight")

	require.Nil(t, hub.Close())
	assert.Equal(t, types.ErrSinkClosed, hub.Publish(context.Background(), result))
}

func TestWebsocketHubBadRuleId(t *testing.T) {
	hub := NewWebsocketHub(types.DiscardLogger{})
	w := httptest.NewRecorder()
	hub.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?ruleId=x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
