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

// Package workerrpc defines the semantics of the control plane's RPC surface
// toward the worker fleet. The wire transport is pluggable; the control
// plane depends only on these interfaces and message shapes.
package workerrpc

import (
	"context"
	"encoding/json"
	"time"
)

// Container labels set on every dispatched container.
const (
	LabelRunID     = "orchestrator.run-id"
	LabelTaskID    = "orchestrator.task-id"
	LabelRepoID    = "orchestrator.repo-id"
	LabelProjectID = "orchestrator.project-id"
)

// Envelope status values reported by harnesses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Event kinds with listener-specific handling. Any other kind is persisted
// as a run log event.
const (
	EventLogChunk  = "log_chunk"
	EventCompleted = "completed"
)

// DispatchRequest carries everything a worker needs to execute one run.
type DispatchRequest struct {
	RunID            string            `json:"run_id"`
	TaskID           string            `json:"task_id"`
	RepositoryID     string            `json:"repository_id"`
	Harness          string            `json:"harness"`
	Command          string            `json:"command"`
	Prompt           string            `json:"prompt"`
	ExecTimeoutSec   int               `json:"exec_timeout_sec,omitempty"`
	Attempt          int               `json:"attempt"`
	CPULimit         float64           `json:"cpu_limit,omitempty"`
	MemoryLimitMB    int               `json:"memory_limit_mb,omitempty"`
	NetworkDisabled  bool              `json:"network_disabled,omitempty"`
	ReadOnlyRootFS   bool              `json:"read_only_rootfs,omitempty"`
	MaxArtifacts     int               `json:"max_artifacts,omitempty"`
	MaxArtifactBytes int64             `json:"max_artifact_bytes,omitempty"`
	GitURL           string            `json:"git_url,omitempty"`
	ArtifactPath     string            `json:"artifact_path,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// DispatchResult is the worker's admission decision for a dispatch.
// Dispatch is idempotent by RunID.
type DispatchResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Event is one message on the fleet event stream.
type Event struct {
	Kind        string `json:"kind"`
	RunID       string `json:"run_id"`
	Message     string `json:"message,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
	PayloadJSON string `json:"payload_json,omitempty"`
}

// Timestamp returns the event time.
func (e Event) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampMs).UTC()
}

// CompletionEnvelope is the JSON body of a "completed" event.
type CompletionEnvelope struct {
	Status   string            `json:"status"`
	Summary  string            `json:"summary,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ParseEnvelope decodes a completion envelope from event payload JSON.
func ParseEnvelope(payload string) (*CompletionEnvelope, error) {
	var env CompletionEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// EventStream is a long-lived subscription to the fleet event feed.
// Delivery is at-least-once; recipients dedup structured events by
// (run, sequence).
type EventStream interface {
	// Recv blocks until the next event or stream error. A cancelled context
	// surfaces as the context error.
	Recv(ctx context.Context) (*Event, error)
	Close() error
}

// KillResult reports the outcome of a container kill.
type KillResult struct {
	Killed      bool   `json:"killed"`
	ContainerID string `json:"container_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ReconcileResult reports orphan containers removed by the fleet.
type ReconcileResult struct {
	RemovedCount int      `json:"removed_count"`
	RemovedIDs   []string `json:"removed_ids,omitempty"`
}

// Heartbeat is the periodic worker to control-plane liveness report.
type Heartbeat struct {
	WorkerID    string    `json:"worker_id"`
	HostName    string    `json:"host_name,omitempty"`
	ActiveSlots int       `json:"active_slots"`
	MaxSlots    int       `json:"max_slots"`
	Timestamp   time.Time `json:"timestamp"`
}

// Client is the control plane's view of the worker fleet.
type Client interface {
	// DispatchJob places a run on a worker. Idempotent by RunID.
	DispatchJob(ctx context.Context, workerID string, req *DispatchRequest) (*DispatchResult, error)

	// CancelJob requests cancellation of a run. Fire-and-forget.
	CancelJob(ctx context.Context, runID string) error

	// SubscribeEvents opens the fleet-wide event stream.
	SubscribeEvents(ctx context.Context) (EventStream, error)

	// KillContainer terminates the container executing a run.
	KillContainer(ctx context.Context, runID, reason string, force bool) (*KillResult, error)

	// ReconcileOrphanedContainers removes containers whose run-id label is
	// not in the active set.
	ReconcileOrphanedContainers(ctx context.Context, activeRunIDs []string) (*ReconcileResult, error)
}

// RouteCleaner removes per-run proxy routes after completion.
type RouteCleaner interface {
	RemoveRoute(ctx context.Context, runID string) error
}

// NopRouteCleaner is a RouteCleaner that does nothing.
type NopRouteCleaner struct{}

// RemoveRoute implements RouteCleaner.
func (NopRouteCleaner) RemoveRoute(ctx context.Context, runID string) error { return nil }

// Runtime provisions and tears down task-runtime containers.
// Implemented by the deployment's container backend.
type Runtime interface {
	// StartWorker provisions a container for the image and returns its
	// container ID and RPC endpoint.
	StartWorker(ctx context.Context, workerID, imageRef string) (containerID, endpoint string, err error)

	// StopWorker stops a worker container.
	StopWorker(ctx context.Context, workerID string) error

	// ResolveImage ensures the image is available and returns its digest.
	ResolveImage(ctx context.Context, imageRef string) (digest string, err error)

	// ListRunningWorkerIDs returns the IDs of worker containers the runtime
	// believes are running.
	ListRunningWorkerIDs(ctx context.Context) ([]string, error)
}
