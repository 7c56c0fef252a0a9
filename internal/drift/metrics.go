/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package drift

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the compensator's Prometheus collectors. Grounded on the
// ptp4u/c4u style of exposing a handful of gauges/counters rather than a
// bespoke stats struct.
type Metrics struct {
	DriftSeconds       prometheus.Gauge
	DriftMeanSeconds   prometheus.Gauge
	DriftStddevSeconds prometheus.Gauge
	AdjustmentsTotal   prometheus.Counter
}

// NewMetrics constructs unregistered collectors; the caller (typically
// cmd/kcored) registers them against its own registry.
func NewMetrics() *Metrics {
	return &Metrics{
		DriftSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kcore",
			Subsystem: "drift",
			Name:      "seconds",
			Help:      "Most recently measured drift between the system clock and the HW RTC, in seconds.",
		}),
		DriftMeanSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kcore",
			Subsystem: "drift",
			Name:      "mean_seconds",
			Help:      "Running mean of the recorded drift history window, in seconds.",
		}),
		DriftStddevSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kcore",
			Subsystem: "drift",
			Name:      "stddev_seconds",
			Help:      "Running standard deviation of the recorded drift history window, in seconds.",
		}),
		AdjustmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kcore",
			Subsystem: "drift",
			Name:      "adjustments_total",
			Help:      "Number of tick adjustments installed by the steady-state loop.",
		}),
	}
}

// Collectors returns the metrics as a slice, convenient for bulk Register.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.DriftSeconds, m.DriftMeanSeconds, m.DriftStddevSeconds, m.AdjustmentsTotal}
}
