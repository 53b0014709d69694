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

// Package background provides a deduplicated, concurrency-limited
// fire-and-forget job facility with progress snapshots.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-dev/helmsman/internal/log"
)

// Kind identifies the category of a background work item.
type Kind string

const (
	KindImageResolution  Kind = "task_runtime_image_resolution"
	KindVectorBootstrap  Kind = "lite_db_vector_bootstrap"
	KindRepoGitRefresh   Kind = "repository_git_refresh"
	KindRecovery         Kind = "recovery"
	KindTaskTemplateInit Kind = "task_template_init"
	KindOther            Kind = "other"
)

// State is the lifecycle state of a work item.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is terminal.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Snapshot is a read-only view of one work item.
type Snapshot struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	OperationKey string    `json:"operation_key,omitempty"`
	State        State     `json:"state"`
	Percent      *int      `json:"percent,omitempty"`
	Message      string    `json:"message,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Critical     bool      `json:"critical,omitempty"`
}

// Progress is a progress report from running work.
type Progress struct {
	Percent *int
	Message string
}

// Work is the unit invoked by the coordinator's worker loop. The context is
// cancelled on shutdown or per-job cancel; report mutates the snapshot.
type Work func(ctx context.Context, report func(Progress)) error

type item struct {
	snapshot Snapshot
	work     Work
	cancel   context.CancelFunc
}

// Coordinator runs background work on a single worker loop with
// per-operation-key deduplication.
type Coordinator struct {
	logger *slog.Logger

	mu    sync.Mutex
	items map[string]*item
	queue []string
	subs  []func(Snapshot)

	signal chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	// notifyCh decouples Updated delivery from the mutating goroutine.
	notifyCh chan Snapshot

	// fatalCh carries the first critical-work failure.
	fatalCh chan error

	now func() time.Time
}

// NewCoordinator creates a background-work coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger:   log.WithComponent(logger, "background"),
		items:    make(map[string]*item),
		signal:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		notifyCh: make(chan Snapshot, 256),
		fatalCh:  make(chan error, 1),
		now:      time.Now,
	}
}

// Fatal reports the first failure of work enqueued as critical. The channel
// delivers at most one error.
func (c *Coordinator) Fatal() <-chan error {
	return c.fatalCh
}

// Enqueue schedules work and returns its work id. When dedupe is set and a
// non-terminal item with the same operation key exists, that item's id is
// returned without enqueuing.
func (c *Coordinator) Enqueue(kind Kind, operationKey string, work Work, dedupe, critical bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dedupe && operationKey != "" {
		for id, it := range c.items {
			if it.snapshot.OperationKey == operationKey && !it.snapshot.State.Terminal() {
				return id
			}
		}
	}

	id := uuid.NewString()
	now := c.now().UTC()
	it := &item{
		snapshot: Snapshot{
			ID:           id,
			Kind:         kind,
			OperationKey: operationKey,
			State:        StatePending,
			StartedAt:    now,
			UpdatedAt:    now,
			Critical:     critical,
		},
		work: work,
	}
	c.items[id] = it
	c.queue = append(c.queue, id)
	c.publishLocked(it.snapshot)

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return id
}

// TryGet returns the snapshot for a work id.
func (c *Coordinator) TryGet(workID string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[workID]
	if !ok {
		return Snapshot{}, false
	}
	return it.snapshot, true
}

// Snapshots returns a stable copy of all work snapshots.
func (c *Coordinator) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]Snapshot, 0, len(c.items))
	for _, it := range c.items {
		result = append(result, it.snapshot)
	}
	return result
}

// Cancel requests cancellation of a work item. Pending items move straight
// to Cancelled; running items are cancelled through their context.
func (c *Coordinator) Cancel(workID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[workID]
	if !ok || it.snapshot.State.Terminal() {
		return
	}
	if it.snapshot.State == StatePending {
		it.snapshot.State = StateCancelled
		it.snapshot.UpdatedAt = c.now().UTC()
		c.publishLocked(it.snapshot)
		return
	}
	if it.cancel != nil {
		it.cancel()
	}
}

// OnUpdated registers a subscriber for snapshot mutations. Delivery happens
// on a background worker; subscribers must be idempotent.
func (c *Coordinator) OnUpdated(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Start launches the worker and notification loops.
func (c *Coordinator) Start(ctx context.Context) {
	go c.notifyLoop()
	go c.run(ctx)
}

// Stop stops the coordinator and waits for the worker loop to exit.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// run is the single-consumer worker loop.
func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneCh)

	for {
		it := c.dequeue()
		if it == nil {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-c.signal:
				continue
			}
		}
		c.execute(ctx, it)
	}
}

// dequeue pops the next pending item, skipping entries cancelled while queued.
func (c *Coordinator) dequeue() *item {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) > 0 {
		id := c.queue[0]
		c.queue = c.queue[1:]
		it := c.items[id]
		if it != nil && it.snapshot.State == StatePending {
			return it
		}
	}
	return nil
}

// execute runs one work item to completion.
func (c *Coordinator) execute(ctx context.Context, it *item) {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-stopWatch:
		}
	}()
	defer close(stopWatch)

	c.mutate(it, func(s *Snapshot) {
		s.State = StateRunning
	})
	c.mu.Lock()
	it.cancel = cancel
	c.mu.Unlock()

	report := func(p Progress) {
		c.mutate(it, func(s *Snapshot) {
			if p.Percent != nil {
				pct := clampPercent(*p.Percent)
				s.Percent = &pct
			}
			if p.Message != "" {
				s.Message = p.Message
			}
		})
	}

	err := it.work(workCtx, report)

	switch {
	case err == nil:
		c.mutate(it, func(s *Snapshot) { s.State = StateSucceeded })
	case errors.Is(err, context.Canceled) && workCtx.Err() != nil:
		c.mutate(it, func(s *Snapshot) { s.State = StateCancelled })
	default:
		c.logger.Warn("background work failed",
			slog.String(log.WorkIDKey, it.snapshot.ID),
			slog.String("kind", string(it.snapshot.Kind)),
			log.Error(err))
		var critical bool
		var kind Kind
		c.mutate(it, func(s *Snapshot) {
			s.State = StateFailed
			s.ErrorCode = "work_failed"
			s.ErrorMessage = err.Error()
			critical = s.Critical
			kind = s.Kind
		})
		if critical {
			select {
			case c.fatalCh <- fmt.Errorf("%s: %w", kind, err):
			default:
			}
		}
	}
}

// mutate applies fn to the item snapshot and publishes the update.
func (c *Coordinator) mutate(it *item, fn func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&it.snapshot)
	it.snapshot.UpdatedAt = c.now().UTC()
	c.publishLocked(it.snapshot)
}

// publishLocked queues the snapshot for subscriber delivery. Callers hold c.mu.
func (c *Coordinator) publishLocked(s Snapshot) {
	select {
	case c.notifyCh <- s:
	default:
		// Subscribers lagging; drop rather than block the worker.
	}
}

// notifyLoop delivers Updated events to subscribers off the worker goroutine.
func (c *Coordinator) notifyLoop() {
	for {
		select {
		case <-c.doneCh:
			return
		case s := <-c.notifyCh:
			c.mu.Lock()
			subs := make([]func(Snapshot), len(c.subs))
			copy(subs, c.subs)
			c.mu.Unlock()
			for _, fn := range subs {
				fn(s)
			}
		}
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
