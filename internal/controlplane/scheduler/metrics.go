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

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// schedulerTicks tracks scheduler ticks by outcome
	schedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_scheduler_ticks_total",
			Help: "Total scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)

	// runsCreated tracks runs created from due tasks
	runsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helmsman_scheduler_runs_created_total",
			Help: "Total runs created from due tasks",
		},
	)
)
