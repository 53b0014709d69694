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

package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/helmsman-dev/helmsman/internal/controlplane/background"
)

type capture struct {
	published []background.Snapshot
}

func (c *capture) PublishWorkUpdate(s background.Snapshot) {
	c.published = append(c.published, s)
}

func snap(id string, state background.State, percent int, msg string) background.Snapshot {
	s := background.Snapshot{ID: id, State: state, Message: msg}
	if percent >= 0 {
		s.Percent = &percent
	}
	return s
}

func TestRelayPublishesFirstUpdate(t *testing.T) {
	sink := &capture{}
	r := NewRelay(sink)

	r.OnUpdated(snap("w1", background.StatePending, -1, ""))
	assert.Len(t, sink.published, 1)
}

func TestRelayAlwaysPublishesStateChanges(t *testing.T) {
	sink := &capture{}
	r := NewRelay(sink)
	now := time.Now()
	r.SetClock(func() time.Time { return now })

	r.OnUpdated(snap("w1", background.StatePending, -1, ""))
	r.OnUpdated(snap("w1", background.StateRunning, -1, ""))
	r.OnUpdated(snap("w1", background.StateSucceeded, -1, ""))
	assert.Len(t, sink.published, 3)
}

func TestRelayThrottlesProgressUpdates(t *testing.T) {
	sink := &capture{}
	r := NewRelay(sink)
	now := time.Now()
	r.SetClock(func() time.Time { return now })

	r.OnUpdated(snap("w1", background.StateRunning, 10, "working"))
	// New bucket, but inside the throttle window.
	r.OnUpdated(snap("w1", background.StateRunning, 30, "working"))
	assert.Len(t, sink.published, 1)

	// Same snapshot after the window: still suppressed, nothing changed.
	now = now.Add(runningThrottle + time.Second)
	r.OnUpdated(snap("w1", background.StateRunning, 30, "working"))
	assert.Len(t, sink.published, 1)
}

func TestRelayPublishesBucketChangeAfterThrottle(t *testing.T) {
	sink := &capture{}
	r := NewRelay(sink)
	now := time.Now()
	r.SetClock(func() time.Time { return now })

	r.OnUpdated(snap("w1", background.StateRunning, 10, "working"))
	now = now.Add(runningThrottle + time.Second)
	r.OnUpdated(snap("w1", background.StateRunning, 40, "working"))
	assert.Len(t, sink.published, 2)
}

func TestRelaySuppressesSameBucketProgress(t *testing.T) {
	sink := &capture{}
	r := NewRelay(sink)
	now := time.Now()
	r.SetClock(func() time.Time { return now })

	r.OnUpdated(snap("w1", background.StateRunning, 42, "working"))
	now = now.Add(runningThrottle + time.Second)
	// 42 -> 47 stays in the 40s bucket with the same message.
	r.OnUpdated(snap("w1", background.StateRunning, 47, "working"))
	assert.Len(t, sink.published, 1)
}

func TestRelayPublishesMessageChangeAfterThrottle(t *testing.T) {
	sink := &capture{}
	r := NewRelay(sink)
	now := time.Now()
	r.SetClock(func() time.Time { return now })

	r.OnUpdated(snap("w1", background.StateRunning, -1, "cloning"))
	now = now.Add(runningThrottle + time.Second)
	r.OnUpdated(snap("w1", background.StateRunning, -1, "indexing"))
	assert.Len(t, sink.published, 2)
}

func TestRelayTracksWorksIndependently(t *testing.T) {
	sink := &capture{}
	r := NewRelay(sink)

	r.OnUpdated(snap("w1", background.StateRunning, -1, ""))
	r.OnUpdated(snap("w2", background.StateRunning, -1, ""))
	assert.Len(t, sink.published, 2)
}
