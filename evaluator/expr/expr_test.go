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

package expr

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulego/cep/api/types"
)

func TestFilterExpression(t *testing.T) {
	var results []types.Result
	inst, err := New().Build(1, `data.temperature > 40 && kind == "message"`, func(r types.Result) { results = append(results, r) })
	require.Nil(t, err)
	assert.True(t, inst.ConcurrentSafe())

	ctx := context.Background()
	assert.Nil(t, inst.Send(ctx, types.Msg{Id: "a", Kind: "message", Payload: []byte(`{"temperature":41}`)}))
	assert.Nil(t, inst.Send(ctx, types.Msg{Id: "b", Kind: "message", Payload: []byte(`{"temperature":20}`)}))
	assert.Nil(t, inst.Send(ctx, types.Msg{Id: "c", Kind: "other", Payload: []byte(`{"temperature":50}`)}))

	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].MsgId)
	assert.Equal(t, `{"temperature":41}`, results[0].Content)
}

func TestMapExpression(t *testing.T) {
	var results []types.Result
	inst, err := New().Build(2, `{"device": data.id, "avg": (data.a + data.b) / 2}`, func(r types.Result) { results = append(results, r) })
	require.Nil(t, err)
	assert.Nil(t, inst.Send(context.Background(), types.Msg{Payload: []byte(`{"id":"d1","a":1,"b":2}`)}))
	require.Len(t, results, 1)
	assert.Equal(t, `{"avg":1.5,"device":"d1"}`, results[0].Content)
}

func TestInvalidExpression(t *testing.T) {
	_, err := New().Build(3, `data.temperature >`, func(types.Result) {})
	assert.NotNil(t, err)
}

func TestConcurrentSend(t *testing.T) {
	var mu sync.Mutex
	n := 0
	inst, err := New().Build(4, `len(payload) > 0`, func(types.Result) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	require.Nil(t, err)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Nil(t, inst.Send(context.Background(), types.Msg{Payload: []byte("x")}))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, n)
}
