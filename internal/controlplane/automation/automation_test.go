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

package automation

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

type automationEnv struct {
	st  *memory.Store
	sch *Scheduler
}

func newAutomationEnv(t *testing.T) *automationEnv {
	t.Helper()
	ctx := context.Background()

	st := memory.New()
	require.NoError(t, st.SaveSettings(ctx, &store.Settings{
		WorkerImage: "registry.example.com/helmsman-worker:latest",
	}))

	sp := settings.NewProvider(st)
	fleet := fake.NewFleet()
	pool := workerpool.NewManager(st, fleet, sp, nil)
	require.NoError(t, pool.EnsureMinimumWorkers(ctx))
	d := dispatch.New(st, pool, fleet, sp, nil, publish.NewBus(nil), nil)

	st.PutRepository(&store.Repository{ID: "repo-1", Name: "api", GitURL: "https://git.example.com/api.git"})
	require.NoError(t, st.CreateTask(ctx, &store.Task{
		ID:           "task-1",
		RepositoryID: "repo-1",
		Name:         "triage",
		Harness:      "claude-code",
		Prompt:       "triage open issues",
		Enabled:      true,
	}))

	return &automationEnv{st: st, sch: New(st, d, sp, lease.NewCoordinator(st, nil), nil)}
}

func (e *automationEnv) dueAutomation(t *testing.T, id, when string) *store.Automation {
	t.Helper()
	due := time.Now().Add(-time.Minute)
	a := &store.Automation{
		ID:        id,
		Name:      "auto-" + id,
		TaskID:    "task-1",
		CronExpr:  "0 * * * *",
		When:      when,
		Enabled:   true,
		NextRunAt: &due,
	}
	e.st.PutAutomation(a)
	return a
}

func TestTickFiresDueAutomation(t *testing.T) {
	e := newAutomationEnv(t)
	ctx := context.Background()
	a := e.dueAutomation(t, "a1", "")

	require.NoError(t, e.sch.Tick(ctx))

	execs := e.st.AutomationExecutions()
	require.Len(t, execs, 1)
	assert.Equal(t, StatusFired, execs[0].Status)
	require.NotEmpty(t, execs[0].RunID)

	run, err := e.st.GetRun(ctx, execs[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, run.State)
	assert.Equal(t, execs[0].ID, run.AutomationRunID, "run links back to its execution")

	assert.NotNil(t, a.NextRunAt)
	assert.True(t, a.NextRunAt.After(time.Now()), "schedule advanced")
}

func TestTickSkipsWhenFilterFalse(t *testing.T) {
	e := newAutomationEnv(t)
	ctx := context.Background()
	e.dueAutomation(t, "a1", "hour < 0")

	require.NoError(t, e.sch.Tick(ctx))

	execs := e.st.AutomationExecutions()
	require.Len(t, execs, 1)
	assert.Equal(t, StatusSkipped, execs[0].Status)
	assert.Equal(t, "filter evaluated false", execs[0].Detail)

	runs, err := e.st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestTickSkipsWhenFilterDoesNotCompile(t *testing.T) {
	e := newAutomationEnv(t)
	ctx := context.Background()
	e.dueAutomation(t, "a1", "this is not an expression ((")

	require.NoError(t, e.sch.Tick(ctx))

	execs := e.st.AutomationExecutions()
	require.Len(t, execs, 1)
	assert.Equal(t, StatusSkipped, execs[0].Status)
	assert.Contains(t, execs[0].Detail, "does not compile")
}

func TestTickFiresWhenFilterTrue(t *testing.T) {
	e := newAutomationEnv(t)
	ctx := context.Background()
	e.dueAutomation(t, "a1", "active_runs == 0 && hour >= 0")

	require.NoError(t, e.sch.Tick(ctx))

	execs := e.st.AutomationExecutions()
	require.Len(t, execs, 1)
	assert.Equal(t, StatusFired, execs[0].Status)
}

func TestTickRecordsErrorWhenTaskMissing(t *testing.T) {
	e := newAutomationEnv(t)
	ctx := context.Background()
	a := e.dueAutomation(t, "a1", "")
	a.TaskID = "task-gone"

	require.NoError(t, e.sch.Tick(ctx))

	execs := e.st.AutomationExecutions()
	require.Len(t, execs, 1)
	assert.Equal(t, StatusError, execs[0].Status)
	assert.Contains(t, execs[0].Detail, "task-gone")
}

func TestFireDisablesBadCron(t *testing.T) {
	e := newAutomationEnv(t)
	ctx := context.Background()
	a := e.dueAutomation(t, "a1", "")
	a.CronExpr = "not a cron"

	require.NoError(t, e.sch.Tick(ctx))

	assert.False(t, a.Enabled)
	assert.Nil(t, a.NextRunAt)
}

func TestTickSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	e := newAutomationEnv(t)
	ctx := context.Background()
	e.dueAutomation(t, "a1", "")

	other := lease.NewCoordinator(e.st, nil)
	_, acquired, err := other.TryAcquire(ctx, tickLease, time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, e.sch.Tick(ctx))
	assert.Empty(t, e.st.AutomationExecutions())
}
