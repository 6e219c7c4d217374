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

package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResetThenFillLeavesNoPriorData(t *testing.T) {
	var e Event
	e.Fill([]byte("first"), 7, "m1", "message", 100)
	assert.True(t, e.Valid())

	e.Reset()
	assert.Equal(t, Event{}, e)
	assert.False(t, e.Valid())

	e.Fill([]byte("second"), 8, "m2", "alarm", 200)
	assert.Equal(t, Event{Payload: []byte("second"), RuleId: 8, HasRuleId: true, MsgId: "m2", Kind: "alarm", Timestamp: 200}, e)
}

func TestValid(t *testing.T) {
	e := Event{Payload: []byte("x")}
	assert.False(t, e.Valid())
	e = Event{RuleId: 0, HasRuleId: true}
	assert.False(t, e.Valid())
	e = Event{Payload: []byte{}, HasRuleId: true}
	assert.True(t, e.Valid())
	assert.Contains(t, (&Event{MsgId: "a"}).String(), "ruleId=<nil>")
}
