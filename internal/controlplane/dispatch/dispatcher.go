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

// Package dispatch places queued runs onto workers: admission control,
// prompt layering, secret and harness env enrichment, and the status
// bookkeeping around the placement RPC.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/helmsman-dev/helmsman/internal/controlplane/publish"
	"github.com/helmsman-dev/helmsman/internal/controlplane/settings"
	"github.com/helmsman-dev/helmsman/internal/controlplane/workerpool"
	"github.com/helmsman-dev/helmsman/internal/log"
	"github.com/helmsman-dev/helmsman/internal/secrets"
	"github.com/helmsman-dev/helmsman/internal/store"
	"github.com/helmsman-dev/helmsman/internal/workerrpc"
)

// Store is the persistence surface the dispatcher consumes.
type Store interface {
	store.RepositoryStore
	store.TaskStore
	store.RunStore
	store.SecretStore
	store.FindingStore
}

// Dispatcher performs concurrency-gated placement of runs onto workers.
type Dispatcher struct {
	store    Store
	pool     *workerpool.Manager
	fleet    workerrpc.Client
	settings *settings.Provider
	opener   secrets.Opener
	bus      *publish.Bus
	logger   *slog.Logger
	tracer   trace.Tracer

	now func() time.Time
}

// New creates a dispatcher. The opener may be nil when no sealing key is
// configured; secrets are then skipped.
func New(st Store, pool *workerpool.Manager, fleet workerrpc.Client, sp *settings.Provider, opener secrets.Opener, bus *publish.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    st,
		pool:     pool,
		fleet:    fleet,
		settings: sp,
		opener:   opener,
		bus:      bus,
		logger:   log.WithComponent(logger, "dispatch"),
		tracer:   otel.Tracer("helmsman/dispatch"),
		now:      time.Now,
	}
}

// Dispatch attempts to place one run. Returns accepted=false with a nil
// error when admission or placement declined and the run should wait in
// queue; admission-independent failures (worker rejection) move the run to
// Failed before returning false.
func (d *Dispatcher) Dispatch(ctx context.Context, repo *store.Repository, task *store.Task, run *store.Run) (bool, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("task.id", task.ID),
			attribute.String("repo.id", repo.ID),
		))
	defer span.End()
	started := d.now()
	defer func() { dispatchDuration.Observe(d.now().Sub(started).Seconds()) }()

	logger := d.logger.With(
		slog.String(log.RunIDKey, run.ID),
		slog.String(log.TaskIDKey, task.ID),
		slog.String(log.RepoIDKey, repo.ID))

	if task.RequiresApproval {
		if err := d.store.MarkRunPendingApproval(ctx, run.ID); err != nil {
			return false, fmt.Errorf("mark run pending approval: %w", err)
		}
		d.publishState(run, task, store.RunPendingApproval, "")
		dispatchOutcomes.WithLabelValues("pending_approval").Inc()
		logger.Info("run held for approval")
		return true, nil
	}

	admitted, err := d.admit(ctx, repo, task)
	if err != nil {
		return false, err
	}
	if !admitted {
		dispatchOutcomes.WithLabelValues("deferred").Inc()
		return false, nil
	}

	lease := d.pool.AcquireWorkerForDispatch(ctx)
	if lease == nil {
		dispatchOutcomes.WithLabelValues("no_worker").Inc()
		logger.Debug("no ready worker, run stays queued")
		return false, nil
	}

	req, err := d.buildRequest(ctx, repo, task, run)
	if err != nil {
		lease.Release(ctx, false)
		return false, err
	}

	result, err := d.fleet.DispatchJob(ctx, lease.WorkerID(), req)
	if err != nil {
		lease.Release(ctx, false)
		dispatchOutcomes.WithLabelValues("rpc_error").Inc()
		return false, fmt.Errorf("dispatch run %s: %w", run.ID, err)
	}

	if !result.Accepted {
		lease.Release(ctx, false)
		dispatchOutcomes.WithLabelValues("rejected").Inc()
		logger.Warn("worker rejected dispatch", slog.String("reason", result.Reason))
		d.failRejected(ctx, repo, task, run, result.Reason)
		return false, nil
	}

	if err := d.store.MarkRunStarted(ctx, run.ID); err != nil {
		lease.Release(ctx, false)
		return false, fmt.Errorf("mark run started: %w", err)
	}
	d.pool.RecordDispatchActivity(ctx, lease.WorkerID())
	lease.Release(ctx, true)
	d.publishState(run, task, store.RunRunning, "")
	dispatchOutcomes.WithLabelValues("accepted").Inc()
	logger.Info("run dispatched", slog.String(log.WorkerIDKey, lease.WorkerID()))
	return true, nil
}

// admit enforces the admission limits in order: global, project, repo,
// per-task.
func (d *Dispatcher) admit(ctx context.Context, repo *store.Repository, task *store.Task) (bool, error) {
	rt, err := d.settings.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("load settings: %w", err)
	}

	global, err := d.store.CountActiveRuns(ctx)
	if err != nil {
		return false, fmt.Errorf("count active runs: %w", err)
	}
	if global >= rt.MaxGlobalConcurrentRuns {
		return false, nil
	}

	if repo.ProjectID != "" {
		perProject, err := d.store.CountActiveRunsByProject(ctx, repo.ProjectID)
		if err != nil {
			return false, fmt.Errorf("count project runs: %w", err)
		}
		if perProject >= rt.PerProjectConcurrency {
			return false, nil
		}
	}

	perRepo, err := d.store.CountActiveRunsByRepo(ctx, repo.ID)
	if err != nil {
		return false, fmt.Errorf("count repo runs: %w", err)
	}
	if perRepo >= rt.PerRepoConcurrency {
		return false, nil
	}

	if task.ConcurrencyLimit > 0 {
		perTask, err := d.store.CountActiveRunsByTask(ctx, task.ID)
		if err != nil {
			return false, fmt.Errorf("count task runs: %w", err)
		}
		if perTask >= task.ConcurrencyLimit {
			return false, nil
		}
	}
	return true, nil
}

// buildRequest composes the dispatch request: layered prompt, sandbox and
// artifact limits, container labels, and the enriched env map.
func (d *Dispatcher) buildRequest(ctx context.Context, repo *store.Repository, task *store.Task, run *store.Run) (*workerrpc.DispatchRequest, error) {
	collections, err := d.store.ListInstructionCollections(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("list instruction collections: %w", err)
	}

	env := make(map[string]string)
	d.secretEnv(ctx, repo, env)
	harnessEnv(task.HarnessSettings, env)

	return &workerrpc.DispatchRequest{
		RunID:            run.ID,
		TaskID:           task.ID,
		RepositoryID:     repo.ID,
		Harness:          task.Harness,
		Command:          task.Command,
		Prompt:           buildLayeredPrompt(collections, repo, task),
		ExecTimeoutSec:   task.ExecTimeoutSec,
		Attempt:          run.Attempt,
		CPULimit:         task.Sandbox.CPULimit,
		MemoryLimitMB:    task.Sandbox.MemoryLimitMB,
		NetworkDisabled:  task.Sandbox.NetworkDisabled,
		ReadOnlyRootFS:   task.Sandbox.ReadOnlyRootFS,
		MaxArtifacts:     task.Artifacts.MaxCount,
		MaxArtifactBytes: task.Artifacts.MaxTotalBytes,
		GitURL:           repo.GitURL,
		ArtifactPath:     "runs/" + run.ID,
		Labels: map[string]string{
			workerrpc.LabelRunID:  run.ID,
			workerrpc.LabelTaskID: task.ID,
			workerrpc.LabelRepoID: repo.ID,
		},
		Env: env,
	}, nil
}

// secretEnv decrypts repository provider secrets into canonical env names.
// Decryption failures are logged and skipped so one rotted secret cannot
// block dispatch.
func (d *Dispatcher) secretEnv(ctx context.Context, repo *store.Repository, env map[string]string) {
	if d.opener == nil {
		return
	}
	list, err := d.store.ListRepositorySecrets(ctx, repo.ID)
	if err != nil {
		d.logger.Warn("failed to list repository secrets",
			slog.String(log.RepoIDKey, repo.ID), log.Error(err))
		return
	}
	for _, s := range list {
		value, err := d.opener.Open(s.Ciphertext)
		if err != nil {
			d.logger.Warn("failed to decrypt secret, skipping",
				slog.String(log.RepoIDKey, repo.ID),
				slog.String("provider", s.Provider),
				log.Error(err))
			continue
		}
		for _, name := range providerEnvNames(s.Provider) {
			env[name] = value
		}
	}
}

// failRejected moves a rejected run to Failed and records a finding.
func (d *Dispatcher) failRejected(ctx context.Context, repo *store.Repository, task *store.Task, run *store.Run, reason string) {
	summary := "worker rejected dispatch: " + reason
	err := d.store.MarkRunCompleted(ctx, run.ID, store.CompletionUpdate{
		Succeeded:    false,
		Summary:      summary,
		FailureClass: store.FailureDispatchRejected,
	})
	if err != nil {
		d.logger.Error("failed to mark rejected run failed",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
	}
	d.publishState(run, task, store.RunFailed, summary)
	finding := &store.Finding{
		ID:           uuid.NewString(),
		RunID:        run.ID,
		TaskID:       task.ID,
		RepositoryID: repo.ID,
		Summary:      summary,
		FailureClass: store.FailureDispatchRejected,
		CreatedAt:    d.now().UTC(),
	}
	if err := d.store.CreateFinding(ctx, finding); err != nil {
		d.logger.Error("failed to create dispatch finding",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
	}
}

// DispatchNextQueuedRunForTask picks the oldest queued run for the task
// and attempts placement.
func (d *Dispatcher) DispatchNextQueuedRunForTask(ctx context.Context, taskID string) (bool, error) {
	runs, err := d.store.ListRuns(ctx, store.RunFilter{State: store.RunQueued, TaskID: taskID, Limit: 1})
	if err != nil {
		return false, fmt.Errorf("list queued runs: %w", err)
	}
	if len(runs) == 0 {
		return false, nil
	}
	run := runs[0]

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("load task %s: %w", taskID, err)
	}
	repo, err := d.store.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		return false, fmt.Errorf("load repository %s: %w", task.RepositoryID, err)
	}
	return d.Dispatch(ctx, repo, task, run)
}

// Cancel requests run cancellation on the fleet. Fire-and-forget; RPC
// failures are logged and swallowed.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) {
	if err := d.fleet.CancelJob(ctx, runID); err != nil {
		d.logger.Warn("cancel RPC failed",
			slog.String(log.RunIDKey, runID), log.Error(err))
	}
}

func (d *Dispatcher) publishState(run *store.Run, task *store.Task, state store.RunState, summary string) {
	d.bus.PublishStatus(publish.RunStatus{
		RunID:   run.ID,
		TaskID:  task.ID,
		State:   state,
		Summary: summary,
		At:      d.now().UTC(),
	})
}
