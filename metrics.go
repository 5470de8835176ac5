// Copyright 2026 Blink Labs Software
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

package circuit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamePrefix = "circuit_"

type engineMetrics struct {
	operations       *prometheus.CounterVec
	operationErrors  *prometheus.CounterVec
	fetchDegraded    *prometheus.CounterVec
	operationSeconds *prometheus.HistogramVec
	lastC2           *prometheus.GaugeVec
	lastAlpha        *prometheus.GaugeVec
	lastDU           *prometheus.GaugeVec
	skippedRecords   prometheus.Counter
}

func (e *Engine) initMetrics() {
	promautoFactory := promauto.With(e.config.promRegistry)
	e.metrics = &engineMetrics{
		operations: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricNamePrefix + "operations_total",
				Help: "total number of engine operations",
			},
			[]string{"operation"},
		),
		operationErrors: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricNamePrefix + "operation_errors_total",
				Help: "total number of engine operations that returned an error",
			},
			[]string{"operation"},
		),
		fetchDegraded: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricNamePrefix + "fetch_degraded_total",
				Help: "total number of relay fetches answered from the local cache",
			},
			[]string{"fetch"},
		),
		operationSeconds: promautoFactory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricNamePrefix + "operation_duration_seconds",
				Help:    "duration of engine operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		lastC2: promautoFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricNamePrefix + "snapshot_c2",
				Help: "money creation rate of the last computed snapshot",
			},
			[]string{"market"},
		),
		lastAlpha: promautoFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricNamePrefix + "snapshot_alpha",
				Help: "skill multiplier of the last computed snapshot",
			},
			[]string{"market"},
		),
		lastDU: promautoFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricNamePrefix + "snapshot_du",
				Help: "dividend of the last computed snapshot",
			},
			[]string{"market"},
		),
		skippedRecords: promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: metricNamePrefix + "skipped_records_total",
				Help: "total number of inconsistent records skipped during computations",
			},
		),
	}
}
