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

// Package events consumes the worker fleet's event stream: it persists
// run logs and structured events, closes runs from completion envelopes,
// schedules retries, and cleans up per-run routes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-dev/helmsman/internal/controlplane/dispatch"
	"github.com/helmsman-dev/helmsman/internal/controlplane/publish"
	"github.com/helmsman-dev/helmsman/internal/log"
	"github.com/helmsman-dev/helmsman/internal/store"
	"github.com/helmsman-dev/helmsman/internal/workerrpc"
)

const (
	// reconnectBackoff paces stream reconnect attempts.
	reconnectBackoff = 2 * time.Second

	// maxRetryBackoff caps the wait before a retry dispatch.
	maxRetryBackoff = 300 * time.Second

	// structuredEventKind marks stream events carrying a structured
	// payload deduplicated by (run, sequence).
	structuredEventKind = "structured_event"
)

// Store is the persistence surface the listener consumes.
type Store interface {
	store.RunStore
	store.TaskStore
	store.RepositoryStore
	store.EventStore
	store.FindingStore
}

// Sink receives persisted structured events, typically the run projector.
type Sink interface {
	Apply(ev *store.StructuredEvent)
}

// Listener is the single long-lived subscription to the fleet event feed.
type Listener struct {
	store      Store
	fleet      workerrpc.Client
	dispatcher *dispatch.Dispatcher
	routes     workerrpc.RouteCleaner
	bus        *publish.Bus
	sink       Sink
	logger     *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	// retryWG tracks in-flight retry timers so Stop can wait for them.
	retryWG sync.WaitGroup

	now func() time.Time
}

// New creates a listener. sink may be nil.
func New(st Store, fleet workerrpc.Client, d *dispatch.Dispatcher, routes workerrpc.RouteCleaner, bus *publish.Bus, sink Sink, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if routes == nil {
		routes = workerrpc.NopRouteCleaner{}
	}
	return &Listener{
		store:      st,
		fleet:      fleet,
		dispatcher: d,
		routes:     routes,
		bus:        bus,
		sink:       sink,
		logger:     log.WithComponent(logger, "events"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Run subscribes to the fleet stream and processes events until the
// context is cancelled or Stop is called. Disconnects reconnect with a
// small backoff; cancellation exits cleanly.
func (l *Listener) Run(ctx context.Context) {
	defer close(l.doneCh)
	for {
		if l.stopped(ctx) {
			return
		}

		stream, err := l.fleet.SubscribeEvents(ctx)
		if err != nil {
			if l.stopped(ctx) {
				return
			}
			l.logger.Warn("event stream subscribe failed, retrying", log.Error(err))
			streamReconnects.Inc()
			if !l.sleep(ctx, reconnectBackoff) {
				return
			}
			continue
		}

		l.consume(ctx, stream)
		_ = stream.Close()

		if l.stopped(ctx) {
			return
		}
		streamReconnects.Inc()
		if !l.sleep(ctx, reconnectBackoff) {
			return
		}
	}
}

// Stop stops the listener and waits for the loop and any pending retry
// timers to finish.
func (l *Listener) Stop() {
	close(l.stopCh)
	<-l.doneCh
	l.retryWG.Wait()
}

func (l *Listener) consume(ctx context.Context, stream workerrpc.EventStream) {
	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			if !l.stopped(ctx) {
				l.logger.Warn("event stream broken, reconnecting", log.Error(err))
			}
			return
		}
		l.Handle(ctx, ev)
	}
}

// Handle processes one stream event.
func (l *Listener) Handle(ctx context.Context, ev *workerrpc.Event) {
	eventsReceived.WithLabelValues(ev.Kind).Inc()
	switch ev.Kind {
	case workerrpc.EventLogChunk:
		// Transient: delivered to subscribers, never persisted.
		l.bus.PublishLogChunk(publish.LogChunk{
			RunID:   ev.RunID,
			Message: ev.Message,
			At:      ev.Timestamp(),
		})
	case workerrpc.EventCompleted:
		l.handleCompleted(ctx, ev)
	case structuredEventKind:
		l.handleStructured(ctx, ev)
	default:
		line := &store.RunLogLine{
			RunID:     ev.RunID,
			Kind:      ev.Kind,
			Message:   ev.Message,
			Timestamp: ev.Timestamp(),
		}
		if err := l.store.AppendRunLog(ctx, line); err != nil {
			l.logger.Warn("failed to persist run log line",
				slog.String(log.RunIDKey, ev.RunID), log.Error(err))
		}
		l.bus.PublishLogChunk(publish.LogChunk{
			RunID:   ev.RunID,
			Message: ev.Message,
			At:      ev.Timestamp(),
		})
	}
}

// handleStructured persists a structured event and feeds the projector.
// Duplicate (run, sequence) pairs are absorbed by the store.
func (l *Listener) handleStructured(ctx context.Context, ev *workerrpc.Event) {
	var sev store.StructuredEvent
	if err := json.Unmarshal([]byte(ev.PayloadJSON), &sev); err != nil {
		l.logger.Warn("malformed structured event payload",
			slog.String(log.RunIDKey, ev.RunID), log.Error(err))
		return
	}
	sev.RunID = ev.RunID
	if sev.Timestamp.IsZero() {
		sev.Timestamp = ev.Timestamp()
	}
	if err := l.store.AppendStructuredEvent(ctx, &sev); err != nil {
		l.logger.Warn("failed to persist structured event",
			slog.String(log.RunIDKey, ev.RunID),
			slog.Int64("sequence", sev.Sequence),
			log.Error(err))
		return
	}
	if l.sink != nil {
		l.sink.Apply(&sev)
	}
}

// handleCompleted closes the run from its completion envelope and, on
// failure, records a finding and evaluates the retry policy.
func (l *Listener) handleCompleted(ctx context.Context, ev *workerrpc.Event) {
	logger := l.logger.With(slog.String(log.RunIDKey, ev.RunID))

	run, err := l.store.GetRun(ctx, ev.RunID)
	if err != nil {
		logger.Warn("completion for unknown run", log.Error(err))
		return
	}
	if run.State.Terminal() {
		// At-least-once delivery; the run is already closed.
		return
	}

	env, err := workerrpc.ParseEnvelope(ev.PayloadJSON)
	if err != nil {
		logger.Warn("malformed completion envelope, failing run", log.Error(err))
		env = &workerrpc.CompletionEnvelope{
			Status: workerrpc.StatusFailed,
			Error:  fmt.Sprintf("Envelope validation: %v", err),
		}
	}

	succeeded := env.Status == workerrpc.StatusSucceeded
	update := store.CompletionUpdate{
		Succeeded: succeeded,
		Summary:   env.Summary,
		PRURL:     env.Metadata["prUrl"],
	}
	if len(env.Metadata) > 0 {
		update.Output = make(map[string]any, len(env.Metadata))
		for k, v := range env.Metadata {
			update.Output[k] = v
		}
	}
	if !succeeded {
		if update.Summary == "" {
			update.Summary = env.Error
		}
		update.FailureClass = classifyFailure(env.Error, env.Summary)
	}

	if err := l.store.MarkRunCompleted(ctx, run.ID, update); err != nil {
		logger.Error("failed to close run", log.Error(err))
		return
	}

	if err := l.routes.RemoveRoute(ctx, run.ID); err != nil {
		logger.Warn("failed to remove run route", log.Error(err))
	}

	state := store.RunSucceeded
	if !succeeded {
		state = store.RunFailed
	}
	l.bus.PublishStatus(publish.RunStatus{
		RunID:   run.ID,
		TaskID:  run.TaskID,
		State:   state,
		Summary: update.Summary,
		At:      l.now().UTC(),
	})

	if succeeded {
		runsCompleted.WithLabelValues("succeeded").Inc()
		logger.Info("run succeeded")
		return
	}
	runsCompleted.WithLabelValues("failed").Inc()
	logger.Warn("run failed",
		slog.String("failure_class", string(update.FailureClass)),
		slog.String("summary", update.Summary))

	finding := &store.Finding{
		ID:           uuid.NewString(),
		RunID:        run.ID,
		TaskID:       run.TaskID,
		RepositoryID: run.RepositoryID,
		Summary:      update.Summary,
		Detail:       env.Error,
		FailureClass: update.FailureClass,
		CreatedAt:    l.now().UTC(),
	}
	if err := l.store.CreateFinding(ctx, finding); err != nil {
		logger.Error("failed to create finding", log.Error(err))
	}

	l.maybeRetry(ctx, run)
}

// maybeRetry schedules a fresh attempt when the task's retry policy
// allows one. The backoff wait runs on its own timer goroutine so the
// stream loop never blocks.
func (l *Listener) maybeRetry(ctx context.Context, failed *store.Run) {
	task, err := l.store.GetTask(ctx, failed.TaskID)
	if err != nil {
		l.logger.Warn("cannot evaluate retry policy, task missing",
			slog.String(log.TaskIDKey, failed.TaskID), log.Error(err))
		return
	}
	if failed.Attempt >= task.Retry.MaxAttempts {
		return
	}

	wait := retryBackoff(task.Retry, failed.Attempt)
	retriesScheduled.Inc()
	l.logger.Info("scheduling retry",
		slog.String(log.RunIDKey, failed.ID),
		slog.Int(log.AttemptKey, failed.Attempt+1),
		slog.Duration("backoff", wait))

	l.retryWG.Add(1)
	go func() {
		defer l.retryWG.Done()
		if !l.sleep(ctx, wait) {
			return
		}
		l.dispatchRetry(ctx, task, failed)
	}()
}

func (l *Listener) dispatchRetry(ctx context.Context, task *store.Task, failed *store.Run) {
	repo, err := l.store.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		l.logger.Error("retry aborted, repository missing",
			slog.String(log.RepoIDKey, task.RepositoryID), log.Error(err))
		return
	}
	run := &store.Run{
		ID:              uuid.NewString(),
		TaskID:          task.ID,
		RepositoryID:    repo.ID,
		Attempt:         failed.Attempt + 1,
		State:           store.RunQueued,
		AutomationRunID: failed.AutomationRunID,
		CreatedAt:       l.now().UTC(),
	}
	if err := l.store.CreateRun(ctx, run); err != nil {
		l.logger.Error("failed to create retry run", log.Error(err))
		return
	}
	if _, err := l.dispatcher.Dispatch(ctx, repo, task, run); err != nil {
		l.logger.Error("retry dispatch failed",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
	}
}

// retryBackoff computes the wait before attempt+1:
// base * multiplier^(attempt-1), capped at five minutes.
func retryBackoff(policy store.RetryPolicy, attempt int) time.Duration {
	base := float64(policy.BaseBackoffSec)
	if base <= 0 {
		base = 1
	}
	mult := policy.Multiplier
	if mult <= 0 {
		mult = 1
	}
	secs := base * math.Pow(mult, float64(attempt-1))
	wait := time.Duration(secs * float64(time.Second))
	if wait > maxRetryBackoff {
		wait = maxRetryBackoff
	}
	return wait
}

// classifyFailure maps envelope text onto a failure class by keyword.
// The heuristic is deliberately narrow: anything unrecognized stays
// unclassified rather than guessing.
func classifyFailure(errText, summary string) store.FailureClass {
	text := strings.ToLower(errText + " " + summary)
	switch {
	case strings.Contains(text, "envelope validation"):
		return store.FailureEnvelopeValidation
	case strings.Contains(text, "timeout"), strings.Contains(text, "cancelled"):
		return store.FailureTimeout
	default:
		return ""
	}
}

func (l *Listener) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d, returning false when shutdown interrupts the wait.
func (l *Listener) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-l.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
