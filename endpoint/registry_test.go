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

package endpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/endpoint/rest"
	"github.com/rulego/cep/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinTypes(t *testing.T) {
	assert.Equal(t, []string{"kafka", "mqtt", "rest"}, Registry.Types())
}

func TestNew(t *testing.T) {
	handler := func(context.Context, []byte) error { return nil }
	l, err := Registry.New(Definition{Id: "http-in", Type: "REST", Configuration: map[string]interface{}{"server": ":0"}}, handler, nil)
	require.Nil(t, err)
	assert.Equal(t, "http-in", l.Id())
	_, ok := l.(*rest.Listener)
	assert.True(t, ok)

	_, err = Registry.New(Definition{Type: "amqp"}, handler, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidConfig))
	_, err = Registry.New(Definition{Type: "mqtt"}, handler, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidConfig))
}

func TestRegisterUnregister(t *testing.T) {
	r := new(ComponentRegistry)
	factory := func(id string, _ map[string]interface{}, _ types.MessageHandler, _ types.Logger) (types.Listener, error) {
		return test.NewFakeListener(id), nil
	}
	require.Nil(t, r.Register("fake", factory))
	assert.NotNil(t, r.Register("FAKE", factory))

	l, err := r.New(Definition{Id: "f1", Type: "fake"}, nil, nil)
	require.Nil(t, err)
	assert.Equal(t, "f1", l.Id())

	require.Nil(t, r.Unregister("fake"))
	assert.NotNil(t, r.Unregister("fake"))
	assert.Empty(t, r.Types())
}
