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

package database

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamePrefix = "circuit_cache_"

type cacheMetrics struct {
	stored     prometheus.Counter
	duplicates prometheus.Counter
	queries    prometheus.Counter
}

func newCacheMetrics(promRegistry prometheus.Registerer) *cacheMetrics {
	promautoFactory := promauto.With(promRegistry)
	return &cacheMetrics{
		stored: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "events_stored_total",
			Help: "total number of events written to the local cache",
		}),
		duplicates: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "events_duplicate_total",
			Help: "total number of events already present in the local cache",
		}),
		queries: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "queries_total",
			Help: "total number of local cache queries",
		}),
	}
}
