// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// collector exports ServerMetrics as Prometheus metrics on every scrape.
type collector struct {
	metrics *ServerMetrics

	requests    *prometheus.Desc
	success     *prometheus.Desc
	errors      *prometheus.Desc
	ignored     *prometheus.Desc
	exceptions  *prometheus.Desc
	writeErrors *prometheus.Desc
	activeConns *prometheus.Desc
	totalConns  *prometheus.Desc
	connects    *prometheus.Desc
	failures    *prometheus.Desc
	latency     *prometheus.Desc
	funcReqs    *prometheus.Desc
	funcErrors  *prometheus.Desc
	funcLatency *prometheus.Desc
}

// NewCollector returns a prometheus.Collector reading m.
func NewCollector(namespace string, m *ServerMetrics) prometheus.Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "slave", name), help, labels, nil)
	}
	return &collector{
		metrics:     m,
		requests:    desc("requests_total", "Requests received from masters."),
		success:     desc("requests_success_total", "Requests answered with a normal response."),
		errors:      desc("requests_errors_total", "Requests that failed or were answered with an exception."),
		ignored:     desc("requests_ignored_total", "Frames addressed to another unit."),
		exceptions:  desc("exceptions_total", "Exception responses sent."),
		writeErrors: desc("write_errors_total", "Writes the backend rejected after the response was sent."),
		activeConns: desc("connections_active", "Open master connections."),
		totalConns:  desc("connections_total", "Master connections accepted."),
		connects:    desc("backend_connects_total", "Successful backend initializations."),
		failures:    desc("backend_failures_total", "Failed backend initializations."),
		latency:     desc("request_duration_seconds", "Request processing time."),
		funcReqs:    desc("function_requests_total", "Requests per function code.", "function"),
		funcErrors:  desc("function_errors_total", "Failed requests per function code.", "function"),
		funcLatency: desc("function_duration_seconds", "Request processing time per function code.", "function"),
	}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.requests, c.success, c.errors, c.ignored, c.exceptions, c.writeErrors,
		c.activeConns, c.totalConns, c.connects, c.failures, c.latency,
		c.funcReqs, c.funcErrors, c.funcLatency,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.metrics
	counter := func(d *prometheus.Desc, v *Counter, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v.Value()), labels...)
	}
	counter(c.requests, &m.RequestsTotal)
	counter(c.success, &m.RequestsSuccess)
	counter(c.errors, &m.RequestsErrors)
	counter(c.ignored, &m.RequestsIgnored)
	counter(c.exceptions, &m.Exceptions)
	counter(c.writeErrors, &m.WriteErrors)
	counter(c.totalConns, &m.TotalConns)
	counter(c.connects, &m.BackendConnects)
	counter(c.failures, &m.BackendFailures)
	ch <- prometheus.MustNewConstMetric(c.activeConns, prometheus.GaugeValue, float64(m.ActiveConns.Value()))
	ch <- histogram(c.latency, m.Latency.Stats())

	m.rangeFunctions(func(fc FunctionCode, fm *FunctionMetrics) {
		name := fc.String()
		counter(c.funcReqs, &fm.Requests, name)
		counter(c.funcErrors, &fm.Errors, name)
		ch <- histogram(c.funcLatency, fm.Latency.Stats(), name)
	})
}

// histogram converts LatencyStats to a constant histogram in seconds. The
// last bucket of a LatencyHistogram also holds overflow, so it is reported
// only through the total count.
func histogram(d *prometheus.Desc, s LatencyStats, labels ...string) prometheus.Metric {
	buckets := make(map[float64]uint64, len(latencyBounds)-1)
	var cumulative uint64
	for i := 0; i < len(latencyBounds)-1 && i < len(s.counts); i++ {
		cumulative += uint64(s.counts[i])
		buckets[latencyBounds[i]/1000] = cumulative
	}
	return prometheus.MustNewConstHistogram(d, uint64(s.Count), s.Sum/1000, buckets, labels...)
}
