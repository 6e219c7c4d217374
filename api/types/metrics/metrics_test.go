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

package metrics

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDispatchMetrics(t *testing.T) {
	m := NewDispatchMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementPublished()
			m.IncrementProcessed()
		}()
	}
	wg.Wait()
	m.IncrementMalformed()
	m.IncrementSendFailed()

	s := m.Get()
	assert.Equal(t, int64(10), s.Published)
	assert.Equal(t, int64(10), s.Processed)
	assert.Equal(t, int64(1), s.Malformed)
	assert.Equal(t, int64(1), s.SendFailed)

	m.Reset()
	assert.Equal(t, DispatchMetrics{}, m.Get())
}

func TestCollector(t *testing.T) {
	m := NewDispatchMetrics()
	m.IncrementPublished()
	m.IncrementPublished()
	c := NewCollector(m, Gauge{Name: "ring_remaining_capacity", Help: "Free ring slots.", Value: func() float64 { return 16 }})

	reg := prometheus.NewRegistry()
	assert.Nil(t, reg.Register(c))

	expected := `
# HELP cep_dispatch_published_total Ring slots published by fan-out.
# TYPE cep_dispatch_published_total counter
cep_dispatch_published_total 2
# HELP cep_ring_remaining_capacity Free ring slots.
# TYPE cep_ring_remaining_capacity gauge
cep_ring_remaining_capacity 16
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "cep_dispatch_published_total", "cep_ring_remaining_capacity")
	assert.Nil(t, err)
}
