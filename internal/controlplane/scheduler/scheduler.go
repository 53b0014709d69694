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

// Package scheduler turns due cron tasks into queued runs and keeps the
// queue draining toward the global concurrency cap.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/helmsman-dev/helmsman/internal/controlplane/dispatch"
	"github.com/helmsman-dev/helmsman/internal/controlplane/lease"
	"github.com/helmsman-dev/helmsman/internal/controlplane/settings"
	"github.com/helmsman-dev/helmsman/internal/log"
	"github.com/helmsman-dev/helmsman/internal/store"
)

// tickLease guards the scheduler tick across control-plane replicas.
const tickLease = "cron-scheduler"

// Store is the persistence surface the scheduler consumes.
type Store interface {
	store.TaskStore
	store.RunStore
	store.RepositoryStore
}

// Scheduler runs the periodic cron tick.
type Scheduler struct {
	store      Store
	dispatcher *dispatch.Dispatcher
	settings   *settings.Provider
	leases     *lease.Coordinator
	logger     *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	now func() time.Time
}

// New creates a scheduler.
func New(st Store, d *dispatch.Dispatcher, sp *settings.Provider, lc *lease.Coordinator, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      st,
		dispatcher: d,
		settings:   sp,
		leases:     lc,
		logger:     log.WithComponent(logger, "scheduler"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// NextRunTime returns the first firing of the cron expression strictly
// after now plus one second, so a task never refires inside the second it
// just ran in.
func NextRunTime(cronExpr string, now time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", cronExpr, err)
	}
	return schedule.Next(now.Add(time.Second)), nil
}

// Run executes the tick loop until the context is cancelled or Stop is
// called. Tick pacing is drift-compensated: each deadline is derived from
// the previous intended deadline, not from wall clock at loop end.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.doneCh)

	rt, err := s.settings.Get(ctx)
	if err != nil {
		rt = settings.Project(nil)
	}
	intended := s.now()

	for {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", log.Error(err))
			schedulerTicks.WithLabelValues("error").Inc()
		}

		if next, err := s.settings.Get(ctx); err == nil {
			rt = next
		}
		intended = intended.Add(rt.SchedulerInterval)
		wait := time.Until(intended)
		if wait < 0 {
			// Tick overran the interval; realign rather than burst.
			intended = s.now()
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// Stop stops the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Tick performs one scheduling pass: create runs for due tasks, then
// drain queued heads up to the global cap. The pass is a no-op when the
// tick lease is held elsewhere.
func (s *Scheduler) Tick(ctx context.Context) error {
	rt, err := s.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	handle, acquired, err := s.leases.TryAcquire(ctx, tickLease, 2*rt.SchedulerInterval)
	if err != nil {
		return fmt.Errorf("acquire tick lease: %w", err)
	}
	if !acquired {
		schedulerTicks.WithLabelValues("lease_held").Inc()
		return nil
	}
	defer handle.Release(ctx)

	active, err := s.store.CountActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("count active runs: %w", err)
	}
	if active >= rt.MaxGlobalConcurrentRuns {
		schedulerTicks.WithLabelValues("saturated").Inc()
		return nil
	}

	now := s.now().UTC()
	due, err := s.store.ListDueTasks(ctx, now, rt.MaxGlobalConcurrentRuns-active)
	if err != nil {
		return fmt.Errorf("list due tasks: %w", err)
	}

	for _, task := range due {
		if err := s.fireTask(ctx, task, now); err != nil {
			s.logger.Error("failed to fire due task",
				slog.String(log.TaskIDKey, task.ID), log.Error(err))
		}
	}

	if err := s.flushQueuedHeads(ctx, rt.MaxGlobalConcurrentRuns); err != nil {
		return err
	}
	schedulerTicks.WithLabelValues("ok").Inc()
	return nil
}

// fireTask creates and dispatches one run for a due task, then advances or
// consumes the task's schedule.
func (s *Scheduler) fireTask(ctx context.Context, task *store.Task, now time.Time) error {
	repo, err := s.store.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		if err == store.ErrNotFound {
			s.logger.Warn("due task references missing repository, skipping",
				slog.String(log.TaskIDKey, task.ID),
				slog.String(log.RepoIDKey, task.RepositoryID))
			return nil
		}
		return fmt.Errorf("load repository: %w", err)
	}

	run := &store.Run{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		RepositoryID: repo.ID,
		Attempt:      1,
		State:        store.RunQueued,
		CreatedAt:    now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	runsCreated.Inc()

	if _, err := s.dispatcher.Dispatch(ctx, repo, task, run); err != nil {
		s.logger.Error("dispatch of due task failed",
			slog.String(log.TaskIDKey, task.ID),
			slog.String(log.RunIDKey, run.ID),
			log.Error(err))
	}

	if task.Kind == store.TaskOneShot {
		task.Enabled = false
		task.NextRunAt = nil
	} else {
		next, err := NextRunTime(task.CronExpr, now)
		if err != nil {
			s.logger.Error("invalid cron expression, disabling task",
				slog.String(log.TaskIDKey, task.ID), log.Error(err))
			task.Enabled = false
			task.NextRunAt = nil
		} else {
			task.NextRunAt = &next
		}
	}
	task.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("advance task schedule: %w", err)
	}
	return nil
}

// flushQueuedHeads drains the oldest queued run per distinct task until
// the global cap is reached again.
func (s *Scheduler) flushQueuedHeads(ctx context.Context, maxGlobal int) error {
	queued, err := s.store.ListRuns(ctx, store.RunFilter{State: store.RunQueued})
	if err != nil {
		return fmt.Errorf("list queued runs: %w", err)
	}

	seen := make(map[string]bool)
	for _, run := range queued {
		if seen[run.TaskID] {
			continue
		}
		seen[run.TaskID] = true

		active, err := s.store.CountActiveRuns(ctx)
		if err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}
		if active >= maxGlobal {
			return nil
		}
		if _, err := s.dispatcher.DispatchNextQueuedRunForTask(ctx, run.TaskID); err != nil {
			s.logger.Error("failed to flush queued run",
				slog.String(log.TaskIDKey, run.TaskID), log.Error(err))
		}
	}
	return nil
}
