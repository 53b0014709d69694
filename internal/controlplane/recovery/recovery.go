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

// Package recovery restores consistency after a control-plane restart and
// terminates runs that stopped making progress.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-dev/helmsman/internal/controlplane/publish"
	"github.com/helmsman-dev/helmsman/internal/controlplane/settings"
	"github.com/helmsman-dev/helmsman/internal/log"
	"github.com/helmsman-dev/helmsman/internal/store"
	"github.com/helmsman-dev/helmsman/internal/workerrpc"
)

// Store is the persistence surface the recovery service consumes.
type Store interface {
	store.RunStore
	store.WorkflowStore
	store.FindingStore
}

// Service runs startup orphan recovery and the dead-run monitor.
type Service struct {
	store    Store
	fleet    workerrpc.Client
	settings *settings.Provider
	bus      *publish.Bus
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	now func() time.Time
}

// New creates a recovery service.
func New(st Store, fleet workerrpc.Client, sp *settings.Provider, bus *publish.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		fleet:    fleet,
		settings: sp,
		bus:      bus,
		logger:   log.WithComponent(logger, "recovery"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// RecoverOnStartup restores a consistent view after a restart: Running
// runs are orphans of the previous process and are failed, Running
// workflow executions likewise, then containers whose run labels are not
// known are reaped.
func (s *Service) RecoverOnStartup(ctx context.Context) error {
	running, err := s.store.ListRuns(ctx, store.RunFilter{State: store.RunRunning})
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}
	for _, run := range running {
		s.failRun(ctx, run, store.FailureOrphanRecovery,
			"run orphaned by control plane restart")
	}
	if len(running) > 0 {
		s.logger.Info("failed orphaned runs", slog.Int("count", len(running)))
	}

	executions, err := s.store.ListWorkflowExecutionsByState(ctx, store.RunRunning)
	if err != nil {
		return fmt.Errorf("list running workflow executions: %w", err)
	}
	for _, exec := range executions {
		if err := s.store.MarkWorkflowExecutionFailed(ctx, exec.ID,
			"workflow execution orphaned by control plane restart"); err != nil {
			s.logger.Error("failed to mark workflow execution failed",
				slog.String("execution_id", exec.ID), log.Error(err))
		}
	}

	pending, err := s.store.ListRuns(ctx, store.RunFilter{State: store.RunPendingApproval})
	if err != nil {
		return fmt.Errorf("list pending runs: %w", err)
	}
	queued, err := s.store.ListRuns(ctx, store.RunFilter{State: store.RunQueued})
	if err != nil {
		return fmt.Errorf("list queued runs: %w", err)
	}
	s.logger.Info(fmt.Sprintf("%d pending approval, %d queued", len(pending), len(queued)))

	ids, err := s.store.ListAllRunIDs(ctx)
	if err != nil {
		return fmt.Errorf("list run ids: %w", err)
	}
	result, err := s.fleet.ReconcileOrphanedContainers(ctx, ids)
	if err != nil {
		return fmt.Errorf("reconcile orphan containers: %w", err)
	}
	if result.RemovedCount > 0 {
		s.logger.Info("removed orphan containers",
			slog.Int("count", result.RemovedCount))
	}
	return nil
}

// Run executes the dead-run monitor until the context is cancelled or
// Stop is called. The monitor is inert while auto-termination is
// disabled in settings.
func (s *Service) Run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		rt, err := s.settings.Get(ctx)
		if err != nil {
			rt = settings.Project(nil)
		}
		if rt.EnableAutoTermination {
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("dead-run sweep failed", log.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(rt.CheckInterval):
		}
	}
}

// Stop stops the monitor loop and waits for it to exit.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Sweep applies the three termination cascades to Running runs. The most
// severe matching cascade wins: overdue, then zombie, then stale.
func (s *Service) Sweep(ctx context.Context) error {
	rt, err := s.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	running, err := s.store.ListRuns(ctx, store.RunFilter{State: store.RunRunning})
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}

	now := s.now().UTC()
	for _, run := range running {
		age := now.Sub(lastActivity(run))
		switch {
		case age > rt.MaxRunAge:
			s.terminate(ctx, run, store.FailureOverdueRun,
				fmt.Sprintf("run exceeded maximum age %s", rt.MaxRunAge), true)
		case age > rt.ZombieRunThreshold:
			s.terminate(ctx, run, store.FailureZombieRun,
				fmt.Sprintf("run unresponsive for %s", age.Truncate(time.Second)), true)
		case age > rt.StaleRunThreshold:
			s.terminate(ctx, run, store.FailureStaleRun,
				fmt.Sprintf("run inactive for %s", age.Truncate(time.Second)), false)
		}
	}
	return nil
}

// lastActivity is the run's progress reference point: StartedAt when it
// ran, CreatedAt otherwise.
func lastActivity(run *store.Run) time.Time {
	if run.StartedAt != nil {
		return *run.StartedAt
	}
	return run.CreatedAt
}

// terminate kills the run's container (forcibly for zombie and overdue
// cascades) and fails the run.
func (s *Service) terminate(ctx context.Context, run *store.Run, class store.FailureClass, reason string, force bool) {
	terminations.WithLabelValues(string(class)).Inc()
	s.logger.Warn("terminating run",
		slog.String(log.RunIDKey, run.ID),
		slog.String("failure_class", string(class)),
		slog.Bool("force", force))

	if _, err := s.fleet.KillContainer(ctx, run.ID, reason, force); err != nil {
		s.logger.Warn("failed to kill run container",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
	}
	s.failRun(ctx, run, class, reason)
}

// failRun closes the run as Failed, publishes the transition, and records
// a finding.
func (s *Service) failRun(ctx context.Context, run *store.Run, class store.FailureClass, summary string) {
	err := s.store.MarkRunCompleted(ctx, run.ID, store.CompletionUpdate{
		Succeeded:    false,
		Summary:      summary,
		FailureClass: class,
	})
	if err != nil {
		s.logger.Error("failed to close run",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
		return
	}
	s.bus.PublishStatus(publish.RunStatus{
		RunID:   run.ID,
		TaskID:  run.TaskID,
		State:   store.RunFailed,
		Summary: summary,
		At:      s.now().UTC(),
	})
	finding := &store.Finding{
		ID:           uuid.NewString(),
		RunID:        run.ID,
		TaskID:       run.TaskID,
		RepositoryID: run.RepositoryID,
		Summary:      summary,
		FailureClass: class,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateFinding(ctx, finding); err != nil {
		s.logger.Error("failed to create finding",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
	}
}
