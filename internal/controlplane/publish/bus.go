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

// Package publish fans run updates out to registered subscribers on a
// background worker. Subscribers must be idempotent: delivery is
// at-least-once within the process and best-effort under load.
package publish

import (
	"log/slog"
	"sync"
	"time"

	"github.com/helmsman-dev/helmsman/internal/log"
	"github.com/helmsman-dev/helmsman/internal/store"
)

// RunStatus announces a run state change.
type RunStatus struct {
	RunID   string         `json:"run_id"`
	TaskID  string         `json:"task_id"`
	State   store.RunState `json:"state"`
	Summary string         `json:"summary,omitempty"`
	At      time.Time      `json:"at"`
}

// LogChunk is a transient run log fragment. Chunks are delivered to
// subscribers but never persisted.
type LogChunk struct {
	RunID   string    `json:"run_id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type busItem struct {
	status *RunStatus
	chunk  *LogChunk
}

// Bus is the in-process fan-out publisher.
type Bus struct {
	logger *slog.Logger

	mu         sync.Mutex
	statusSubs []func(RunStatus)
	chunkSubs  []func(LogChunk)

	ch     chan busItem
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBus creates a publisher bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: log.WithComponent(logger, "publish"),
		ch:     make(chan busItem, 1024),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SubscribeStatus registers a run status subscriber.
func (b *Bus) SubscribeStatus(fn func(RunStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusSubs = append(b.statusSubs, fn)
}

// SubscribeLogChunks registers a log chunk subscriber.
func (b *Bus) SubscribeLogChunks(fn func(LogChunk)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunkSubs = append(b.chunkSubs, fn)
}

// PublishStatus queues a status update for delivery. Never blocks; updates
// are dropped when the delivery worker falls behind.
func (b *Bus) PublishStatus(s RunStatus) {
	select {
	case b.ch <- busItem{status: &s}:
	default:
		b.logger.Warn("publisher backlog full, dropping status update",
			slog.String(log.RunIDKey, s.RunID))
	}
}

// PublishLogChunk queues a log chunk for delivery.
func (b *Bus) PublishLogChunk(c LogChunk) {
	select {
	case b.ch <- busItem{chunk: &c}:
	default:
		// Chunks are transient; dropping under load is acceptable.
	}
}

// Start launches the delivery worker.
func (b *Bus) Start() {
	go b.deliverLoop()
}

// Stop stops the delivery worker. Queued items are discarded.
func (b *Bus) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

func (b *Bus) deliverLoop() {
	defer close(b.doneCh)
	for {
		select {
		case <-b.stopCh:
			return
		case it := <-b.ch:
			b.deliver(it)
		}
	}
}

func (b *Bus) deliver(it busItem) {
	b.mu.Lock()
	statusSubs := make([]func(RunStatus), len(b.statusSubs))
	copy(statusSubs, b.statusSubs)
	chunkSubs := make([]func(LogChunk), len(b.chunkSubs))
	copy(chunkSubs, b.chunkSubs)
	b.mu.Unlock()

	switch {
	case it.status != nil:
		for _, fn := range statusSubs {
			fn(*it.status)
		}
	case it.chunk != nil:
		for _, fn := range chunkSubs {
			fn(*it.chunk)
		}
	}
}
