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

package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-dev/helmsman/internal/controlplane/publish"
	"github.com/helmsman-dev/helmsman/internal/controlplane/settings"
	"github.com/helmsman-dev/helmsman/internal/controlplane/workerpool"
	"github.com/helmsman-dev/helmsman/internal/secrets"
	"github.com/helmsman-dev/helmsman/internal/store"
	"github.com/helmsman-dev/helmsman/internal/store/memory"
	"github.com/helmsman-dev/helmsman/internal/workerrpc"
	"github.com/helmsman-dev/helmsman/internal/workerrpc/fake"
)

type dispatchEnv struct {
	st    *memory.Store
	pool  *workerpool.Manager
	fleet *fake.Fleet
	d     *Dispatcher
	repo  *store.Repository
	task  *store.Task
}

func newDispatchEnv(t *testing.T, doc *store.Settings, opener secrets.Opener) *dispatchEnv {
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

	repo := &store.Repository{ID: "repo-1", Name: "api", GitURL: "https://git.example.com/api.git"}
	st.PutRepository(repo)
	task := &store.Task{
		ID:           "task-1",
		RepositoryID: repo.ID,
		Name:         "nightly-lint",
		Harness:      "claude-code",
		Command:      "helmsman-agent",
		Prompt:       "fix the lint errors",
		Enabled:      true,
	}
	require.NoError(t, st.CreateTask(ctx, task))

	return &dispatchEnv{
		st:    st,
		pool:  pool,
		fleet: fleet,
		d:     New(st, pool, fleet, sp, opener, publish.NewBus(nil), nil),
		repo:  repo,
		task:  task,
	}
}

func (e *dispatchEnv) ensureWorker(t *testing.T) {
	t.Helper()
	require.NoError(t, e.pool.EnsureMinimumWorkers(context.Background()))
	require.NotEmpty(t, e.pool.List())
}

func (e *dispatchEnv) queuedRun(t *testing.T, id string) *store.Run {
	t.Helper()
	run := &store.Run{
		ID:           id,
		TaskID:       e.task.ID,
		RepositoryID: e.repo.ID,
		Attempt:      1,
		State:        store.RunQueued,
	}
	require.NoError(t, e.st.CreateRun(context.Background(), run))
	return run
}

func (e *dispatchEnv) runningRun(t *testing.T, id string) *store.Run {
	t.Helper()
	run := e.queuedRun(t, id)
	require.NoError(t, e.st.MarkRunStarted(context.Background(), id))
	return run
}

func TestDispatchAccepted(t *testing.T) {
	e := newDispatchEnv(t, nil, nil)
	e.ensureWorker(t)
	ctx := context.Background()
	run := e.queuedRun(t, "run-1")

	accepted, err := e.d.Dispatch(ctx, e.repo, e.task, run)
	require.NoError(t, err)
	assert.True(t, accepted)

	got, err := e.st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, got.State)

	reqs := e.fleet.Dispatches()
	require.Len(t, reqs, 1)
	assert.Equal(t, "run-1", reqs[0].RunID)
	assert.Equal(t, "runs/run-1", reqs[0].ArtifactPath)
	assert.Equal(t, "run-1", reqs[0].Labels[workerrpc.LabelRunID])
	assert.Contains(t, reqs[0].Prompt, "fix the lint errors")

	// The worker stays Busy with the dispatch counted.
	w := e.pool.List()[0]
	assert.Equal(t, store.WorkerBusy, w.State)
	assert.Equal(t, int64(1), w.DispatchCount)
}

func TestDispatchHoldsForApproval(t *testing.T) {
	e := newDispatchEnv(t, nil, nil)
	e.ensureWorker(t)
	ctx := context.Background()
	e.task.RequiresApproval = true
	run := e.queuedRun(t, "run-1")

	accepted, err := e.d.Dispatch(ctx, e.repo, e.task, run)
	require.NoError(t, err)
	assert.True(t, accepted)

	got, err := e.st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunPendingApproval, got.State)
	assert.Empty(t, e.fleet.Dispatches(), "held runs never reach the fleet")
}

func TestDispatchDeferredAtGlobalLimit(t *testing.T) {
	e := newDispatchEnv(t, &store.Settings{MaxGlobalConcurrentRuns: 1}, nil)
	e.ensureWorker(t)
	ctx := context.Background()
	e.runningRun(t, "run-busy")
	run := e.queuedRun(t, "run-1")

	accepted, err := e.d.Dispatch(ctx, e.repo, e.task, run)
	require.NoError(t, err)
	assert.False(t, accepted)

	got, err := e.st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, got.State, "deferred runs wait in queue")
	assert.Empty(t, e.fleet.Dispatches())
}

func TestDispatchDeferredAtTaskLimit(t *testing.T) {
	e := newDispatchEnv(t, nil, nil)
	e.ensureWorker(t)
	ctx := context.Background()
	e.task.ConcurrencyLimit = 1
	e.runningRun(t, "run-busy")
	run := e.queuedRun(t, "run-1")

	accepted, err := e.d.Dispatch(ctx, e.repo, e.task, run)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestDispatchWithoutReadyWorker(t *testing.T) {
	e := newDispatchEnv(t, nil, nil)
	ctx := context.Background()
	run := e.queuedRun(t, "run-1")

	accepted, err := e.d.Dispatch(ctx, e.repo, e.task, run)
	require.NoError(t, err)
	assert.False(t, accepted)

	got, err := e.st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, got.State)
}

func TestDispatchRPCErrorReleasesWorker(t *testing.T) {
	e := newDispatchEnv(t, nil, nil)
	e.ensureWorker(t)
	ctx := context.Background()
	e.fleet.DispatchFunc = func(workerID string, req *workerrpc.DispatchRequest) (*workerrpc.DispatchResult, error) {
		return nil, errors.New("connection refused")
	}
	run := e.queuedRun(t, "run-1")

	_, err := e.d.Dispatch(ctx, e.repo, e.task, run)
	require.Error(t, err)

	assert.Equal(t, store.WorkerReady, e.pool.List()[0].State, "worker returns to the pool")
	got, err := e.st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, got.State)
}

func TestDispatchRejectedFailsRun(t *testing.T) {
	e := newDispatchEnv(t, nil, nil)
	e.ensureWorker(t)
	ctx := context.Background()
	e.fleet.DispatchFunc = func(workerID string, req *workerrpc.DispatchRequest) (*workerrpc.DispatchResult, error) {
		return &workerrpc.DispatchResult{Accepted: false, Reason: "disk full"}, nil
	}
	run := e.queuedRun(t, "run-1")

	accepted, err := e.d.Dispatch(ctx, e.repo, e.task, run)
	require.NoError(t, err)
	assert.False(t, accepted)

	got, err := e.st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, got.State)
	assert.Equal(t, store.FailureDispatchRejected, got.FailureClass)
	assert.Contains(t, got.Summary, "disk full")

	findings, err := e.st.ListFindings(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, store.FailureDispatchRejected, findings[0].FailureClass)

	assert.Equal(t, store.WorkerReady, e.pool.List()[0].State)
}

func TestDispatchSecretAndHarnessEnv(t *testing.T) {
	encoded, err := secrets.GenerateKey()
	require.NoError(t, err)
	key, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	sealer, err := secrets.NewSealer(key)
	require.NoError(t, err)

	e := newDispatchEnv(t, nil, sealer)
	e.ensureWorker(t)
	ctx := context.Background()

	ghToken, err := sealer.Seal("ghp_abc123")
	require.NoError(t, err)
	dbToken, err := sealer.Seal("db-pass")
	require.NoError(t, err)
	e.st.PutRepositorySecret(e.repo.ID, &store.ProviderSecret{Provider: "github", Ciphertext: ghToken})
	e.st.PutRepositorySecret(e.repo.ID, &store.ProviderSecret{Provider: "my db", Ciphertext: dbToken})
	// A rotted secret must not block dispatch.
	e.st.PutRepositorySecret(e.repo.ID, &store.ProviderSecret{Provider: "codex", Ciphertext: []byte("garbage")})

	temp := 0.5
	e.task.HarnessSettings = store.HarnessSettings{
		Model:       "sonnet",
		Temperature: &temp,
		MaxTokens:   4096,
		Additional:  map[string]string{"thinking budget": "high"},
	}

	run := e.queuedRun(t, "run-1")
	accepted, err := e.d.Dispatch(ctx, e.repo, e.task, run)
	require.NoError(t, err)
	require.True(t, accepted)

	reqs := e.fleet.Dispatches()
	require.Len(t, reqs, 1)
	env := reqs[0].Env
	assert.Equal(t, "ghp_abc123", env["GH_TOKEN"])
	assert.Equal(t, "ghp_abc123", env["GITHUB_TOKEN"])
	assert.Equal(t, "db-pass", env["SECRET_MY_DB"])
	assert.NotContains(t, env, "CODEX_API_KEY")
	assert.Equal(t, "sonnet", env["HARNESS_MODEL"])
	assert.Equal(t, "0.5", env["HARNESS_TEMPERATURE"])
	assert.Equal(t, "4096", env["HARNESS_MAX_TOKENS"])
	assert.Equal(t, "high", env["HARNESS_THINKING_BUDGET"])
}

func TestDispatchNextQueuedRunForTask(t *testing.T) {
	e := newDispatchEnv(t, nil, nil)
	e.ensureWorker(t)
	ctx := context.Background()

	dispatched, err := e.d.DispatchNextQueuedRunForTask(ctx, e.task.ID)
	require.NoError(t, err)
	assert.False(t, dispatched, "nothing queued")

	e.queuedRun(t, "run-1")
	dispatched, err = e.d.DispatchNextQueuedRunForTask(ctx, e.task.ID)
	require.NoError(t, err)
	assert.True(t, dispatched)
}

func TestCancelSwallowsRPCFailure(t *testing.T) {
	e := newDispatchEnv(t, nil, nil)
	e.d.Cancel(context.Background(), "run-1")
	assert.Equal(t, []string{"run-1"}, e.fleet.Cancels())
}
