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

package workerpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// poolWorkers tracks the worker count by lifecycle state
	poolWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_workerpool_workers",
			Help: "Number of workers by lifecycle state",
		},
		[]string{"state"},
	)

	// poolStarts tracks worker start attempts by outcome
	poolStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_workerpool_starts_total",
			Help: "Total worker start attempts by outcome",
		},
		[]string{"outcome"},
	)

	// poolDispatchLeases tracks dispatch lease acquisitions by outcome
	poolDispatchLeases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_workerpool_dispatch_leases_total",
			Help: "Total dispatch lease acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	// poolStalePruned tracks workers pruned for missed heartbeats
	poolStalePruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helmsman_workerpool_stale_pruned_total",
			Help: "Total workers pruned after heartbeat staleness",
		},
	)

	// poolRecycles tracks worker recycles
	poolRecycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helmsman_workerpool_recycles_total",
			Help: "Total worker recycles",
		},
	)
)
