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

package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// eventsReceived tracks stream events by kind
	eventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_events_received_total",
			Help: "Total worker stream events by kind",
		},
		[]string{"kind"},
	)

	// runsCompleted tracks run completions by outcome
	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_runs_completed_total",
			Help: "Total run completions by outcome",
		},
		[]string{"outcome"},
	)

	// retriesScheduled tracks retry attempts scheduled after failures
	retriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helmsman_retries_scheduled_total",
			Help: "Total retry attempts scheduled after failed runs",
		},
	)

	// streamReconnects tracks event stream reconnects
	streamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helmsman_stream_reconnects_total",
			Help: "Total event stream reconnect attempts",
		},
	)
)
