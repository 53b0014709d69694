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

// Package fake provides an in-process worker fleet for tests.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/helmsman-dev/helmsman/internal/workerrpc"
)

// Compile-time interface assertions.
var (
	_ workerrpc.Client  = (*Fleet)(nil)
	_ workerrpc.Runtime = (*Fleet)(nil)
)

// Fleet is an in-process fake of the worker fleet. Tests script its
// dispatch decisions and push events onto the stream.
type Fleet struct {
	mu         sync.Mutex
	dispatches []*workerrpc.DispatchRequest
	cancels    []string
	kills      []string
	reconciles [][]string
	running    map[string]bool
	removed    []string

	// DispatchFunc overrides the default accept-everything behavior.
	DispatchFunc func(workerID string, req *workerrpc.DispatchRequest) (*workerrpc.DispatchResult, error)

	events chan *workerrpc.Event
}

// NewFleet creates a fake fleet.
func NewFleet() *Fleet {
	return &Fleet{
		running: make(map[string]bool),
		events:  make(chan *workerrpc.Event, 256),
	}
}

// DispatchJob records the request and accepts unless DispatchFunc says otherwise.
func (f *Fleet) DispatchJob(ctx context.Context, workerID string, req *workerrpc.DispatchRequest) (*workerrpc.DispatchResult, error) {
	f.mu.Lock()
	f.dispatches = append(f.dispatches, req)
	fn := f.DispatchFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(workerID, req)
	}
	return &workerrpc.DispatchResult{Accepted: true}, nil
}

// CancelJob records the cancellation.
func (f *Fleet) CancelJob(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, runID)
	return nil
}

// SubscribeEvents returns the scripted event stream.
func (f *Fleet) SubscribeEvents(ctx context.Context) (workerrpc.EventStream, error) {
	return &stream{events: f.events}, nil
}

// PushEvent queues an event for delivery on the stream.
func (f *Fleet) PushEvent(ev *workerrpc.Event) {
	if ev.TimestampMs == 0 {
		ev.TimestampMs = time.Now().UnixMilli()
	}
	f.events <- ev
}

// KillContainer records the kill and reports success.
func (f *Fleet) KillContainer(ctx context.Context, runID, reason string, force bool) (*workerrpc.KillResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, runID)
	return &workerrpc.KillResult{Killed: true, ContainerID: "ctr-" + runID}, nil
}

// ReconcileOrphanedContainers records the active set and reports no orphans.
func (f *Fleet) ReconcileOrphanedContainers(ctx context.Context, activeRunIDs []string) (*workerrpc.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles = append(f.reconciles, activeRunIDs)
	return &workerrpc.ReconcileResult{RemovedIDs: f.removed, RemovedCount: len(f.removed)}, nil
}

// SetRemovedOnReconcile scripts the orphan set reported by the next reconcile.
func (f *Fleet) SetRemovedOnReconcile(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = ids
}

// StartWorker provisions a fake container.
func (f *Fleet) StartWorker(ctx context.Context, workerID, imageRef string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[workerID] = true
	return "ctr-" + workerID, "unix:///run/helmsman/" + workerID + ".sock", nil
}

// StopWorker tears down a fake container.
func (f *Fleet) StopWorker(ctx context.Context, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, workerID)
	return nil
}

// ResolveImage reports a fixed digest for any image.
func (f *Fleet) ResolveImage(ctx context.Context, imageRef string) (string, error) {
	return "sha256:deadbeef", nil
}

// ListRunningWorkerIDs returns the IDs of fake containers still running.
func (f *Fleet) ListRunningWorkerIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.running))
	for id := range f.running {
		ids = append(ids, id)
	}
	return ids, nil
}

// Dispatches returns recorded dispatch requests.
func (f *Fleet) Dispatches() []*workerrpc.DispatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*workerrpc.DispatchRequest(nil), f.dispatches...)
}

// Cancels returns recorded cancellations.
func (f *Fleet) Cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

// Kills returns recorded container kills.
func (f *Fleet) Kills() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.kills...)
}

// Reconciles returns recorded reconcile calls.
func (f *Fleet) Reconciles() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.reconciles...)
}

type stream struct {
	events chan *workerrpc.Event
}

func (s *stream) Recv(ctx context.Context) (*workerrpc.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-s.events:
		return ev, nil
	}
}

func (s *stream) Close() error { return nil }
