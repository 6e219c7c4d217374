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
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cep"

// Gauge is a point-in-time value read at scrape time, such as ring remaining capacity.
type Gauge struct {
	Name string
	Help string
	// Labels are constant labels of this gauge.
	Labels prometheus.Labels
	Value  func() float64
}

// Collector exports DispatchMetrics and gauges to Prometheus.
type Collector struct {
	metrics *DispatchMetrics
	gauges  []Gauge
	descs   map[string]*prometheus.Desc
	// gaugeDescs is parallel to gauges
	gaugeDescs []*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

var counterHelp = map[string]string{
	"published_total":      "Ring slots published by fan-out.",
	"publish_failed_total": "Per-rule publish failures during fan-out.",
	"processed_total":      "Events delivered to a rule runtime.",
	"malformed_total":      "Events skipped because they were malformed.",
	"rule_not_found_total": "Events dropped because the rule is absent.",
	"invalid_rule_total":   "Events dropped because the rule failed to build.",
	"send_failed_total":    "Rule runtime send failures.",
	"results_total":        "Results emitted by rule runtimes.",
}

func NewCollector(m *DispatchMetrics, gauges ...Gauge) *Collector {
	c := &Collector{metrics: m, gauges: gauges, descs: make(map[string]*prometheus.Desc)}
	for name, help := range counterHelp {
		c.descs[name] = prometheus.NewDesc(prometheus.BuildFQName(namespace, "dispatch", name), help, nil, nil)
	}
	for _, g := range gauges {
		c.gaugeDescs = append(c.gaugeDescs, prometheus.NewDesc(prometheus.BuildFQName(namespace, "", g.Name), g.Help, nil, g.Labels))
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
	for _, d := range c.gaugeDescs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Get()
	values := map[string]int64{
		"published_total":      s.Published,
		"publish_failed_total": s.PublishFailed,
		"processed_total":      s.Processed,
		"malformed_total":      s.Malformed,
		"rule_not_found_total": s.RuleNotFound,
		"invalid_rule_total":   s.InvalidRule,
		"send_failed_total":    s.SendFailed,
		"results_total":        s.Results,
	}
	for name, v := range values {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(v))
	}
	for i, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(c.gaugeDescs[i], prometheus.GaugeValue, g.Value())
	}
}
