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

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-dev/helmsman/internal/controlplane/dispatch"
	"github.com/helmsman-dev/helmsman/internal/controlplane/lease"
	"github.com/helmsman-dev/helmsman/internal/controlplane/publish"
	"github.com/helmsman-dev/helmsman/internal/controlplane/settings"
	"github.com/helmsman-dev/helmsman/internal/controlplane/workerpool"
	"github.com/helmsman-dev/helmsman/internal/store"
	"github.com/helmsman-dev/helmsman/internal/store/memory"
	"github.com/helmsman-dev/helmsman/internal/workerrpc/fake"
)

type schedulerEnv struct {
	st    *memory.Store
	fleet *fake.Fleet
	sch   *Scheduler
}

func newSchedulerEnv(t *testing.T, doc *store.Settings) *schedulerEnv {
	t.Helper()
	ctx := context.Background()

	st := memory.New()
	if doc == nil {
		doc = &store.Settings{}
	}
	if doc.WorkerImage == "" {
		doc.WorkerImage = "registry.example.com/helmsman-worker:latest"
	}
	require.NoError(t, st.SaveSettings(ctx, doc))

	sp := settings.NewProvider(st)
	fleet := fake.NewFleet()
	pool := workerpool.NewManager(st, fleet, sp, nil)
	require.NoError(t, pool.EnsureMinimumWorkers(ctx))
	d := dispatch.New(st, pool, fleet, sp, nil, publish.NewBus(nil), nil)

	st.PutRepository(&store.Repository{ID: "repo-1", Name: "api", GitURL: "https://git.example.com/api.git"})

	return &schedulerEnv{
		st:    st,
		fleet: fleet,
		sch:   New(st, d, sp, lease.NewCoordinator(st, nil), nil),
	}
}

func (e *schedulerEnv) dueTask(t *testing.T, id string, kind store.TaskKind) *store.Task {
	t.Helper()
	due := time.Now().Add(-time.Minute)
	task := &store.Task{
		ID:           id,
		RepositoryID: "repo-1",
		Name:         "task-" + id,
		Harness:      "claude-code",
		Prompt:       "do the thing",
		Kind:         kind,
		CronExpr:     "*/5 * * * *",
		NextRunAt:    &due,
		Enabled:      true,
	}
	require.NoError(t, e.st.CreateTask(context.Background(), task))
	return task
}

func TestNextRunTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, err := NextRunTime("*/15 * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), next,
		"a firing time is never reused within its own second")

	next, err = NextRunTime("0 3 * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), next)
}

func TestNextRunTimeInvalidExpression(t *testing.T) {
	_, err := NextRunTime("not a cron", time.Now())
	assert.Error(t, err)
}

func TestTickFiresDueTask(t *testing.T) {
	e := newSchedulerEnv(t, nil)
	ctx := context.Background()
	task := e.dueTask(t, "t1", store.TaskCron)

	require.NoError(t, e.sch.Tick(ctx))

	runs, err := e.st.ListRuns(ctx, store.RunFilter{TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunRunning, runs[0].State)
	assert.Equal(t, 1, runs[0].Attempt)

	got, err := e.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now()), "schedule advanced past now")
}

func TestTickConsumesOneShot(t *testing.T) {
	e := newSchedulerEnv(t, nil)
	ctx := context.Background()
	task := e.dueTask(t, "t1", store.TaskOneShot)

	require.NoError(t, e.sch.Tick(ctx))

	got, err := e.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)

	runs, err := e.st.ListRuns(ctx, store.RunFilter{TaskID: task.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 1, "one-shot fires exactly once")
}

func TestTickDisablesTaskWithBadCron(t *testing.T) {
	e := newSchedulerEnv(t, nil)
	ctx := context.Background()
	task := e.dueTask(t, "t1", store.TaskCron)
	task.CronExpr = "61 * * * *"
	require.NoError(t, e.st.UpdateTask(ctx, task))

	require.NoError(t, e.sch.Tick(ctx))

	got, err := e.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled, "unparseable cron disables the task instead of hot-looping")
	assert.Nil(t, got.NextRunAt)
}

func TestTickSkipsWhenSaturated(t *testing.T) {
	e := newSchedulerEnv(t, &store.Settings{MaxGlobalConcurrentRuns: 1})
	ctx := context.Background()
	task := e.dueTask(t, "t1", store.TaskCron)

	require.NoError(t, e.st.CreateRun(ctx, &store.Run{
		ID: "run-busy", TaskID: task.ID, RepositoryID: "repo-1", Attempt: 1, State: store.RunQueued,
	}))
	require.NoError(t, e.st.MarkRunStarted(ctx, "run-busy"))

	require.NoError(t, e.sch.Tick(ctx))

	got, err := e.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Before(time.Now()), "due task stays due while saturated")
}

func TestTickSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	e := newSchedulerEnv(t, nil)
	ctx := context.Background()
	e.dueTask(t, "t1", store.TaskCron)

	other := lease.NewCoordinator(e.st, nil)
	_, acquired, err := other.TryAcquire(ctx, tickLease, time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, e.sch.Tick(ctx))

	runs, err := e.st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs, "a held lease makes the tick a no-op")
}

func TestTickFlushesQueuedHeads(t *testing.T) {
	e := newSchedulerEnv(t, nil)
	ctx := context.Background()
	task := e.dueTask(t, "t1", store.TaskCron)

	// Not due anymore, but a run waits in queue from an earlier pass.
	future := time.Now().Add(time.Hour)
	task.NextRunAt = &future
	require.NoError(t, e.st.UpdateTask(ctx, task))
	require.NoError(t, e.st.CreateRun(ctx, &store.Run{
		ID: "run-queued", TaskID: task.ID, RepositoryID: "repo-1", Attempt: 1, State: store.RunQueued,
	}))

	require.NoError(t, e.sch.Tick(ctx))

	got, err := e.st.GetRun(ctx, "run-queued")
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, got.State)
}

func TestFireTaskSkipsMissingRepository(t *testing.T) {
	e := newSchedulerEnv(t, nil)
	ctx := context.Background()
	task := e.dueTask(t, "t1", store.TaskCron)
	task.RepositoryID = "repo-gone"
	require.NoError(t, e.st.UpdateTask(ctx, task))

	require.NoError(t, e.sch.Tick(ctx))

	runs, err := e.st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}
