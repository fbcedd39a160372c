// Copyright 2026 The NSRVM Authors
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

package nsrvm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics carries the supervisor's counters on a private registry, so
// several supervisors can coexist in one process without collisions.
type Metrics struct {
	registry *prometheus.Registry

	starts        *prometheus.CounterVec
	crashes       *prometheus.CounterVec
	stopEscalated *prometheus.CounterVec
	running       prometheus.Gauge
	configReloads prometheus.Counter
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nsrvm",
			Name:      "service_starts_total",
			Help:      "Service processes spawned, including restarts.",
		}, []string{"service"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nsrvm",
			Name:      "service_crashes_total",
			Help:      "Unexpected service exits with a non-zero code.",
		}, []string{"service"}),
		stopEscalated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nsrvm",
			Name:      "service_stop_escalations_total",
			Help:      "Graceful stops that had to escalate to SIGKILL.",
		}, []string{"service"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nsrvm",
			Name:      "services_running",
			Help:      "Services with a live child process attached.",
		}),
		configReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nsrvm",
			Name:      "config_reloads_total",
			Help:      "Services-config documents loaded after startup.",
		}),
	}
	m.registry.MustRegister(m.starts, m.crashes, m.stopEscalated,
		m.running, m.configReloads)
	return m
}

// Registry exposes the supervisor's metric registry, e.g. for an HTTP
// /metrics endpoint.
func (sup *Supervisor) Registry() *prometheus.Registry {
	return sup.metrics.registry
}
