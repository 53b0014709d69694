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

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-dev/helmsman/internal/controlplane/dispatch"
	"github.com/helmsman-dev/helmsman/internal/controlplane/publish"
	"github.com/helmsman-dev/helmsman/internal/controlplane/settings"
	"github.com/helmsman-dev/helmsman/internal/controlplane/workerpool"
	"github.com/helmsman-dev/helmsman/internal/store"
	"github.com/helmsman-dev/helmsman/internal/store/memory"
	"github.com/helmsman-dev/helmsman/internal/workerrpc"
	"github.com/helmsman-dev/helmsman/internal/workerrpc/fake"
)

type routeRecorder struct {
	mu      sync.Mutex
	removed []string
}

func (r *routeRecorder) RemoveRoute(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, runID)
	return nil
}

func (r *routeRecorder) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []*store.StructuredEvent
}

func (s *sinkRecorder) Apply(ev *store.StructuredEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sinkRecorder) Events() []*store.StructuredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*store.StructuredEvent(nil), s.events...)
}

type listenerEnv struct {
	st     *memory.Store
	fleet  *fake.Fleet
	routes *routeRecorder
	sink   *sinkRecorder
	l      *Listener
	task   *store.Task
}

func newListenerEnv(t *testing.T, retry store.RetryPolicy) *listenerEnv {
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
	task := &store.Task{
		ID:           "task-1",
		RepositoryID: "repo-1",
		Name:         "nightly",
		Harness:      "claude-code",
		Prompt:       "do the thing",
		Enabled:      true,
		Retry:        retry,
	}
	require.NoError(t, st.CreateTask(ctx, task))

	routes := &routeRecorder{}
	sink := &sinkRecorder{}
	return &listenerEnv{
		st:     st,
		fleet:  fleet,
		routes: routes,
		sink:   sink,
		l:      New(st, fleet, d, routes, publish.NewBus(nil), sink, nil),
		task:   task,
	}
}

func (e *listenerEnv) runningRun(t *testing.T, id string, attempt int) *store.Run {
	t.Helper()
	ctx := context.Background()
	run := &store.Run{
		ID:           id,
		TaskID:       e.task.ID,
		RepositoryID: "repo-1",
		Attempt:      attempt,
		State:        store.RunQueued,
	}
	require.NoError(t, e.st.CreateRun(ctx, run))
	require.NoError(t, e.st.MarkRunStarted(ctx, id))
	return run
}

func TestHandleLogChunkNotPersisted(t *testing.T) {
	e := newListenerEnv(t, store.RetryPolicy{})
	e.l.Handle(context.Background(), &workerrpc.Event{
		Kind: workerrpc.EventLogChunk, RunID: "run-1", Message: "compiling",
	})
	assert.Empty(t, e.st.RunLogs("run-1"), "log chunks are transient")
}

func TestHandleUnknownKindPersistedAsRunLog(t *testing.T) {
	e := newListenerEnv(t, store.RetryPolicy{})
	e.l.Handle(context.Background(), &workerrpc.Event{
		Kind: "phase_change", RunID: "run-1", Message: "entering build",
	})

	lines := e.st.RunLogs("run-1")
	require.Len(t, lines, 1)
	assert.Equal(t, "phase_change", lines[0].Kind)
	assert.Equal(t, "entering build", lines[0].Message)
}

func TestHandleStructuredEvent(t *testing.T) {
	e := newListenerEnv(t, store.RetryPolicy{})
	ctx := context.Background()

	ev := &workerrpc.Event{
		Kind:        structuredEventKind,
		RunID:       "run-1",
		PayloadJSON: `{"sequence":7,"type":"status","summary":"working"}`,
	}
	e.l.Handle(ctx, ev)
	e.l.Handle(ctx, ev)

	persisted, err := e.st.ListRecentStructuredEvents(ctx, "run-1", 10)
	require.NoError(t, err)
	require.Len(t, persisted, 1, "duplicates absorbed by (run, sequence)")
	assert.Equal(t, int64(7), persisted[0].Sequence)
	assert.Equal(t, "working", persisted[0].Summary)

	require.NotEmpty(t, e.sink.Events())
	assert.Equal(t, "run-1", e.sink.Events()[0].RunID)
}

func TestHandleStructuredEventMalformedPayload(t *testing.T) {
	e := newListenerEnv(t, store.RetryPolicy{})
	e.l.Handle(context.Background(), &workerrpc.Event{
		Kind: structuredEventKind, RunID: "run-1", PayloadJSON: "{not json",
	})
	assert.Empty(t, e.sink.Events())
}

func TestHandleCompletedSuccess(t *testing.T) {
	e := newListenerEnv(t, store.RetryPolicy{})
	ctx := context.Background()
	e.runningRun(t, "run-1", 1)

	e.l.Handle(ctx, &workerrpc.Event{
		Kind:        workerrpc.EventCompleted,
		RunID:       "run-1",
		PayloadJSON: `{"status":"succeeded","summary":"lint fixed","metadata":{"prUrl":"https://git.example.com/pr/7"}}`,
	})

	run, err := e.st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.State)
	assert.Equal(t, "lint fixed", run.Summary)
	assert.Equal(t, "https://git.example.com/pr/7", run.PRURL, "surfaced from the envelope's metadata.prUrl")
	assert.Equal(t, "https://git.example.com/pr/7", run.Output["prUrl"])
	require.NotNil(t, run.EndedAt)

	assert.Equal(t, []string{"run-1"}, e.routes.Removed())
}

func TestHandleCompletedFailureCreatesFinding(t *testing.T) {
	e := newListenerEnv(t, store.RetryPolicy{})
	ctx := context.Background()
	e.runningRun(t, "run-1", 1)

	e.l.Handle(ctx, &workerrpc.Event{
		Kind:        workerrpc.EventCompleted,
		RunID:       "run-1",
		PayloadJSON: `{"status":"failed","error":"harness timeout after 600s"}`,
	})

	run, err := e.st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.State)
	assert.Equal(t, "harness timeout after 600s", run.Summary, "error text backfills an empty summary")
	assert.Equal(t, store.FailureTimeout, run.FailureClass)

	findings, err := e.st.ListFindings(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, store.FailureTimeout, findings[0].FailureClass)
}

func TestHandleCompletedMalformedEnvelope(t *testing.T) {
	e := newListenerEnv(t, store.RetryPolicy{})
	ctx := context.Background()
	e.runningRun(t, "run-1", 1)

	e.l.Handle(ctx, &workerrpc.Event{
		Kind: workerrpc.EventCompleted, RunID: "run-1", PayloadJSON: "{not json",
	})

	run, err := e.st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.State)
	assert.Contains(t, run.Summary, "Envelope validation")
	assert.Equal(t, store.FailureEnvelopeValidation, run.FailureClass)
}

func TestHandleCompletedDuplicateIgnored(t *testing.T) {
	e := newListenerEnv(t, store.RetryPolicy{})
	ctx := context.Background()
	e.runningRun(t, "run-1", 1)

	ev := &workerrpc.Event{
		Kind:        workerrpc.EventCompleted,
		RunID:       "run-1",
		PayloadJSON: `{"status":"failed","error":"boom"}`,
	}
	e.l.Handle(ctx, ev)
	e.l.Handle(ctx, ev)

	findings, err := e.st.ListFindings(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, findings, 1, "at-least-once delivery closes a run once")
	assert.Len(t, e.routes.Removed(), 1)
}

func TestHandleCompletedFailureSchedulesRetry(t *testing.T) {
	e := newListenerEnv(t, store.RetryPolicy{MaxAttempts: 2, BaseBackoffSec: 1})
	ctx := context.Background()
	e.runningRun(t, "run-1", 1)

	e.l.Handle(ctx, &workerrpc.Event{
		Kind:        workerrpc.EventCompleted,
		RunID:       "run-1",
		PayloadJSON: `{"status":"failed","error":"flaky network"}`,
	})

	assert.Eventually(t, func() bool {
		runs, err := e.st.ListRuns(ctx, store.RunFilter{TaskID: e.task.ID})
		if err != nil {
			return false
		}
		for _, r := range runs {
			if r.Attempt == 2 {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond, "a second attempt is created after the backoff")
}

func TestHandleCompletedFailureAtMaxAttemptsDoesNotRetry(t *testing.T) {
	e := newListenerEnv(t, store.RetryPolicy{MaxAttempts: 2, BaseBackoffSec: 1})
	ctx := context.Background()
	e.runningRun(t, "run-1", 2)

	e.l.Handle(ctx, &workerrpc.Event{
		Kind:        workerrpc.EventCompleted,
		RunID:       "run-1",
		PayloadJSON: `{"status":"failed","error":"still broken"}`,
	})

	time.Sleep(1500 * time.Millisecond)
	runs, err := e.st.ListRuns(ctx, store.RunFilter{TaskID: e.task.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRetryBackoff(t *testing.T) {
	policy := store.RetryPolicy{BaseBackoffSec: 2, Multiplier: 3}
	assert.Equal(t, 2*time.Second, retryBackoff(policy, 1))
	assert.Equal(t, 6*time.Second, retryBackoff(policy, 2))
	assert.Equal(t, 18*time.Second, retryBackoff(policy, 3))

	// Defaults and the cap.
	assert.Equal(t, time.Second, retryBackoff(store.RetryPolicy{}, 1))
	assert.Equal(t, maxRetryBackoff, retryBackoff(store.RetryPolicy{BaseBackoffSec: 400}, 1))
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		errText, summary string
		want             store.FailureClass
	}{
		{"Envelope validation: bad json", "", store.FailureEnvelopeValidation},
		{"harness timeout", "", store.FailureTimeout},
		{"", "run was cancelled by operator", store.FailureTimeout},
		{"some other error", "unrelated", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyFailure(tt.errText, tt.summary), tt.errText+tt.summary)
	}
}
