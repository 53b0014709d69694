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

// Package notify relays background-work updates to an external publisher
// with per-work throttling.
package notify

import (
	"sync"
	"time"

	"github.com/helmsman-dev/helmsman/internal/controlplane/background"
)

// runningThrottle caps how often a still-running work item is re-published.
const runningThrottle = 15 * time.Second

// Publisher receives relayed snapshots. Implementations forward to the UI
// event broker or webhook delivery; a no-op implementation is acceptable.
type Publisher interface {
	PublishWorkUpdate(s background.Snapshot)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(s background.Snapshot)

// PublishWorkUpdate implements Publisher.
func (f PublisherFunc) PublishWorkUpdate(s background.Snapshot) { f(s) }

type workState struct {
	mu          sync.Mutex
	state       background.State
	bucket      int
	message     string
	lastPublish time.Time
	published   bool
}

// Relay filters background-work updates before publishing:
// state changes always publish; progress-bucket (10%) and message changes
// publish at most once per 15 seconds per work item.
type Relay struct {
	publisher Publisher

	mu    sync.Mutex
	works map[string]*workState

	now func() time.Time
}

// NewRelay creates a relay over the publisher.
func NewRelay(p Publisher) *Relay {
	return &Relay{
		publisher: p,
		works:     make(map[string]*workState),
		now:       time.Now,
	}
}

// SetClock overrides the relay clock. Used by tests.
func (r *Relay) SetClock(now func() time.Time) {
	r.now = now
}

// OnUpdated is the subscriber wired into the background coordinator.
func (r *Relay) OnUpdated(s background.Snapshot) {
	ws := r.workFor(s.ID)

	ws.mu.Lock()
	defer ws.mu.Unlock()

	bucket := -1
	if s.Percent != nil {
		bucket = *s.Percent / 10
	}

	now := r.now()
	publish := false
	switch {
	case !ws.published || s.State != ws.state:
		publish = true
	case bucket != ws.bucket || s.Message != ws.message:
		publish = now.Sub(ws.lastPublish) >= runningThrottle
	}

	if !publish {
		return
	}

	ws.published = true
	ws.state = s.State
	ws.bucket = bucket
	ws.message = s.Message
	ws.lastPublish = now
	r.publisher.PublishWorkUpdate(s)
}

func (r *Relay) workFor(id string) *workState {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.works[id]
	if !ok {
		ws = &workState{}
		r.works[id] = ws
	}
	return ws
}
