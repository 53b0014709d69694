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

package publish

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-dev/helmsman/internal/store"
)

func TestBusDeliversStatusToSubscribers(t *testing.T) {
	b := NewBus(nil)

	var mu sync.Mutex
	var got []RunStatus
	b.SubscribeStatus(func(s RunStatus) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	b.Start()
	defer b.Stop()

	b.PublishStatus(RunStatus{RunID: "run-1", State: store.RunRunning})
	b.PublishStatus(RunStatus{RunID: "run-1", State: store.RunSucceeded})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, store.RunRunning, got[0].State)
	assert.Equal(t, store.RunSucceeded, got[1].State, "delivery preserves publish order")
}

func TestBusDeliversLogChunks(t *testing.T) {
	b := NewBus(nil)

	var mu sync.Mutex
	var got []LogChunk
	b.SubscribeLogChunks(func(c LogChunk) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	b.Start()
	defer b.Stop()

	b.PublishLogChunk(LogChunk{RunID: "run-1", Message: "compiling"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].Message == "compiling"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBusStatusAndChunkSubscribersAreIndependent(t *testing.T) {
	b := NewBus(nil)

	var mu sync.Mutex
	statuses, chunks := 0, 0
	b.SubscribeStatus(func(RunStatus) { mu.Lock(); statuses++; mu.Unlock() })
	b.SubscribeLogChunks(func(LogChunk) { mu.Lock(); chunks++; mu.Unlock() })

	b.Start()
	defer b.Stop()

	b.PublishStatus(RunStatus{RunID: "run-1"})
	b.PublishLogChunk(LogChunk{RunID: "run-1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return statuses == 1 && chunks == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBusPublishWithoutWorkerNeverBlocks(t *testing.T) {
	b := NewBus(nil)
	for i := 0; i < 3000; i++ {
		b.PublishStatus(RunStatus{RunID: "run-1"})
		b.PublishLogChunk(LogChunk{RunID: "run-1"})
	}
	// Reaching here means the backlog overflow dropped instead of blocking.
}
