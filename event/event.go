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

// Package event defines the fixed-size slot carried by the dispatch ring.
package event

import "fmt"

// Event is one ring slot: a message payload routed to one rule.
// Slots are allocated once by the ring and overwritten in place.
//
// Event 环形缓冲区槽位：路由到某条规则的一条消息。
type Event struct {
	// Payload is opaque to the ring. It is shared, not copied, across the
	// slots of one fan-out and must not be mutated by consumers.
	Payload []byte
	RuleId  int64
	// HasRuleId is false until the slot is filled.
	HasRuleId bool
	// MsgId correlates results with their source message.
	MsgId string
	Kind  string
	// Timestamp unix milliseconds
	Timestamp int64
}

// Fill overwrites every field of the slot.
func (e *Event) Fill(payload []byte, ruleId int64, msgId, kind string, timestamp int64) {
	e.Payload = payload
	e.RuleId = ruleId
	e.HasRuleId = true
	e.MsgId = msgId
	e.Kind = kind
	e.Timestamp = timestamp
}

// Reset clears every field so no data of a previous use leaks into the next.
func (e *Event) Reset() {
	*e = Event{}
}

// Valid reports whether the slot can be dispatched.
func (e *Event) Valid() bool {
	return e.Payload != nil && e.HasRuleId
}

func (e *Event) String() string {
	if !e.HasRuleId {
		return fmt.Sprintf("Event{msgId=%s kind=%s ruleId=<nil> payload=%dB}", e.MsgId, e.Kind, len(e.Payload))
	}
	return fmt.Sprintf("Event{msgId=%s kind=%s ruleId=%d payload=%dB}", e.MsgId, e.Kind, e.RuleId, len(e.Payload))
}
