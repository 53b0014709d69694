// Copyright 2025 The Helmsman Authors
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

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// dispatchOutcomes tracks dispatch attempts by outcome
	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_dispatch_total",
			Help: "Total dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// dispatchDuration tracks end-to-end dispatch latency
	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "helmsman_dispatch_duration_seconds",
			Help:    "End-to-end dispatch latency",
			Buckets: prometheus.DefBuckets,
		},
	)
)
