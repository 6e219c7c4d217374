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

const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

// ListenerHealth is the health detail of one listener.
type ListenerHealth struct {
	Status       string        `json:"status"`
	State        ListenerState `json:"state"`
	FailureCount int           `json:"failureCount"`
	Paused       bool          `json:"paused"`
}

// Health 健康检查结果
type Health struct {
	Status  string                    `json:"status"`
	Details map[string]ListenerHealth `json:"details"`
}

// HealthIndicator reports UP when every registered listener is running.
type HealthIndicator struct {
	Supervisor *Supervisor
}

func (h HealthIndicator) Health() Health {
	health := Health{Status: StatusUp, Details: make(map[string]ListenerHealth)}
	for id, status := range h.Supervisor.Statuses() {
		running, _ := h.Supervisor.IsListenerRunning(id)
		detail := ListenerHealth{Status: "Running", State: status.State, FailureCount: status.FailureCount, Paused: status.Paused}
		if !running {
			detail.Status = "Not Running"
			health.Status = StatusDown
		}
		health.Details[id] = detail
	}
	return health
}
