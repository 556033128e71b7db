// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package program

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gdamore/devvisor"
)

const metricsNamespace = "devvisor"

// Metrics are the counters of one session.  They are registered in their
// own registry, which the HTTP API exposes on /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	childEvents     *prometheus.CounterVec
	routineRuns     *prometheus.CounterVec
	routineDuration *prometheus.HistogramVec
	commands        *prometheus.CounterVec
	children        *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		childEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "child_events_total",
			Help:      "Lifecycle notifications of child processes.",
		}, []string{"process", "event"}),
		routineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "routine_runs_total",
			Help:      "Routine invocations by outcome.",
		}, []string{"kind", "routine", "result"}),
		routineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "routine_duration_seconds",
			Help:      "Time taken by routine invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"kind"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "terminal_commands_total",
			Help:      "Terminal commands by outcome.",
		}, []string{"command", "result"}),
		children: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "children",
			Help:      "Child processes by status.",
		}, []string{"status"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) childEvent(name string, ch devvisor.Channel) {
	m.childEvents.WithLabelValues(name, ch.String()).Inc()
}

func (m *Metrics) routine(kind, name string, err error, d time.Duration) {
	m.routineRuns.WithLabelValues(kind, name, result(err)).Inc()
	m.routineDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) command(name string, err error) {
	m.commands.WithLabelValues(name, result(err)).Inc()
}

// updateChildren refreshes the status gauge from a status snapshot.
func (m *Metrics) updateChildren(list []devvisor.ChildStatus) {
	counts := map[devvisor.Status]int{
		devvisor.StatusAwaiting: 0,
		devvisor.StatusAlive:    0,
		devvisor.StatusDead:     0,
		devvisor.StatusKilled:   0,
	}
	for _, st := range list {
		counts[st.Status]++
	}
	for status, n := range counts {
		m.children.WithLabelValues(status.String()).Set(float64(n))
	}
}
