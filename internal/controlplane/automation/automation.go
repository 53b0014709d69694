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

// Package automation drives user-defined scheduled automations: a cron
// tick over automation definitions, an optional boolean "when" filter,
// and an execution history record per firing.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"github.com/helmsman-dev/helmsman/internal/controlplane/dispatch"
	"github.com/helmsman-dev/helmsman/internal/controlplane/lease"
	"github.com/helmsman-dev/helmsman/internal/controlplane/scheduler"
	"github.com/helmsman-dev/helmsman/internal/controlplane/settings"
	"github.com/helmsman-dev/helmsman/internal/log"
	"github.com/helmsman-dev/helmsman/internal/store"
)

// tickLease guards the automation tick across control-plane replicas.
const tickLease = "automation-scheduler"

// Execution statuses recorded in the history.
const (
	StatusFired   = "fired"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Store is the persistence surface the automation scheduler consumes.
type Store interface {
	store.AutomationStore
	store.TaskStore
	store.RunStore
	store.RepositoryStore
}

// Scheduler runs the automation tick loop.
type Scheduler struct {
	store      Store
	dispatcher *dispatch.Dispatcher
	settings   *settings.Provider
	leases     *lease.Coordinator
	logger     *slog.Logger

	// programs caches compiled "when" filters keyed by source text.
	progMu   sync.Mutex
	programs map[string]*vm.Program

	stopCh chan struct{}
	doneCh chan struct{}

	now func() time.Time
}

// New creates an automation scheduler.
func New(st Store, d *dispatch.Dispatcher, sp *settings.Provider, lc *lease.Coordinator, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      st,
		dispatcher: d,
		settings:   sp,
		leases:     lc,
		logger:     log.WithComponent(logger, "automation"),
		programs:   make(map[string]*vm.Program),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Run executes the tick loop until the context is cancelled or Stop is
// called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		rt, err := s.settings.Get(ctx)
		if err != nil {
			rt = settings.Project(nil)
		}
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("automation tick failed", log.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(rt.SchedulerInterval):
		}
	}
}

// Stop stops the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Tick fires every due automation once.
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
		return nil
	}
	defer handle.Release(ctx)

	now := s.now().UTC()
	due, err := s.store.ListDueAutomations(ctx, now, rt.MaxGlobalConcurrentRuns)
	if err != nil {
		return fmt.Errorf("list due automations: %w", err)
	}

	for _, a := range due {
		if err := s.fire(ctx, a, now); err != nil {
			s.logger.Error("automation firing failed",
				slog.String("automation_id", a.ID), log.Error(err))
		}
	}
	return nil
}

// fire evaluates the automation's filter, creates and dispatches a run
// when it passes, records the execution, and advances the schedule.
func (s *Scheduler) fire(ctx context.Context, a *store.Automation, now time.Time) error {
	exec := &store.AutomationExecution{
		ID:           uuid.NewString(),
		AutomationID: a.ID,
		FiredAt:      now,
	}

	pass, why := s.evaluateWhen(ctx, a, now)
	if !pass {
		exec.Status = StatusSkipped
		exec.Detail = why
	} else if err := s.createAndDispatch(ctx, a, exec, now); err != nil {
		exec.Status = StatusError
		exec.Detail = err.Error()
	}

	if err := s.store.CreateAutomationExecution(ctx, exec); err != nil {
		s.logger.Error("failed to record automation execution",
			slog.String("automation_id", a.ID), log.Error(err))
	}

	next, err := scheduler.NextRunTime(a.CronExpr, now)
	if err != nil {
		s.logger.Error("invalid automation cron, disabling",
			slog.String("automation_id", a.ID), log.Error(err))
		a.Enabled = false
		a.NextRunAt = nil
	} else {
		a.NextRunAt = &next
	}
	return s.store.UpdateAutomation(ctx, a)
}

func (s *Scheduler) createAndDispatch(ctx context.Context, a *store.Automation, exec *store.AutomationExecution, now time.Time) error {
	task, err := s.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", a.TaskID, err)
	}
	repo, err := s.store.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		return fmt.Errorf("load repository %s: %w", task.RepositoryID, err)
	}

	run := &store.Run{
		ID:              uuid.NewString(),
		TaskID:          task.ID,
		RepositoryID:    repo.ID,
		Attempt:         1,
		State:           store.RunQueued,
		AutomationRunID: exec.ID,
		CreatedAt:       now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	exec.RunID = run.ID
	exec.Status = StatusFired

	if _, err := s.dispatcher.Dispatch(ctx, repo, task, run); err != nil {
		s.logger.Error("automation dispatch failed",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
	}
	return nil
}

// evaluateWhen runs the automation's filter expression. An empty filter
// passes; a filter that fails to compile or evaluate skips the firing
// with the reason recorded.
func (s *Scheduler) evaluateWhen(ctx context.Context, a *store.Automation, now time.Time) (bool, string) {
	if a.When == "" {
		return true, ""
	}

	program, err := s.compile(a.When)
	if err != nil {
		return false, fmt.Sprintf("filter does not compile: %v", err)
	}

	active, err := s.store.CountActiveRuns(ctx)
	if err != nil {
		active = 0
	}
	env := map[string]any{
		"hour":        now.Hour(),
		"minute":      now.Minute(),
		"weekday":     int(now.Weekday()),
		"day":         now.Day(),
		"month":       int(now.Month()),
		"active_runs": active,
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Sprintf("filter failed: %v", err)
	}
	pass, ok := out.(bool)
	if !ok {
		return false, fmt.Sprintf("filter returned %T, want bool", out)
	}
	if !pass {
		return false, "filter evaluated false"
	}
	return true, ""
}

func (s *Scheduler) compile(source string) (*vm.Program, error) {
	s.progMu.Lock()
	defer s.progMu.Unlock()
	if p, ok := s.programs[source]; ok {
		return p, nil
	}
	p, err := expr.Compile(source, expr.AsBool(), expr.Env(map[string]any{
		"hour":        0,
		"minute":      0,
		"weekday":     0,
		"day":         0,
		"month":       0,
		"active_runs": 0,
	}))
	if err != nil {
		return nil, err
	}
	s.programs[source] = p
	return p, nil
}
