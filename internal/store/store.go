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

// Package store defines the persistent state facade for the control plane.
//
// # Interface Hierarchy
//
// The store package uses interface segregation so components depend only on
// the operations they consume:
//
//   - TaskStore / RunStore (core): task and run persistence
//   - WorkerStore: task-runtime records
//   - LeaseStore: named TTL leases
//   - EventStore: structured events and run logs
//   - FindingStore: persisted failure records
//   - AutomationStore / WorkflowStore: automation definitions and workflow executions
//   - SettingsStore, SecretStore, ArtifactStore
//
// The Store interface composes all of these for full-featured implementations.
// The memory implementation backs tests; the sqlite implementation backs
// single-node deployments.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write conflicts with existing state.
	ErrConflict = errors.New("conflict")
)

// TaskKind describes how a task is admitted into runs.
type TaskKind string

const (
	TaskOneShot TaskKind = "oneshot"
	TaskCron    TaskKind = "cron"
	TaskManual  TaskKind = "manual"
)

// RunState is the lifecycle state of a run.
// Transitions progress monotonically:
// Queued -> (PendingApproval ->) Running -> Succeeded | Failed | Cancelled.
type RunState string

const (
	RunQueued          RunState = "queued"
	RunPendingApproval RunState = "pending_approval"
	RunRunning         RunState = "running"
	RunSucceeded       RunState = "succeeded"
	RunFailed          RunState = "failed"
	RunCancelled       RunState = "cancelled"
)

// Terminal reports whether the state is terminal.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// FailureClass classifies a failed run.
type FailureClass string

const (
	FailureEnvelopeValidation FailureClass = "envelope_validation"
	FailureTimeout            FailureClass = "timeout"
	FailureDispatchRejected   FailureClass = "dispatch_rejected"
	FailureOrphanRecovery     FailureClass = "orphan_recovery"
	FailureStaleRun           FailureClass = "stale_run"
	FailureZombieRun          FailureClass = "zombie_run"
	FailureOverdueRun         FailureClass = "overdue_run"
)

// WorkerState is the lifecycle state of a task runtime.
type WorkerState string

const (
	WorkerProvisioning WorkerState = "provisioning"
	WorkerStarting     WorkerState = "starting"
	WorkerReady        WorkerState = "ready"
	WorkerBusy         WorkerState = "busy"
	WorkerDraining     WorkerState = "draining"
	WorkerStopping     WorkerState = "stopping"
	WorkerStopped      WorkerState = "stopped"
	WorkerQuarantined  WorkerState = "quarantined"
	WorkerFailedStart  WorkerState = "failed_start"
)

// Project groups repositories under a shared concurrency budget.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// InstructionFile is one layer of a layered prompt.
type InstructionFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Order   int    `json:"order"`
}

// InstructionCollection is a priority-ordered set of instruction files
// shared across repositories.
type InstructionCollection struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Enabled  bool              `json:"enabled"`
	Priority int               `json:"priority"`
	Files    []InstructionFile `json:"files"`
}

// ProviderSecret is an encrypted credential attached to a repository.
type ProviderSecret struct {
	Provider   string `json:"provider"`
	Name       string `json:"name"`
	Ciphertext []byte `json:"ciphertext"`
}

// Repository is a source repository that tasks run against.
type Repository struct {
	ID               string            `json:"id"`
	ProjectID        string            `json:"project_id,omitempty"`
	Name             string            `json:"name"`
	GitURL           string            `json:"git_url"`
	InstructionFiles []InstructionFile `json:"instruction_files,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// RetryPolicy controls automatic retry of failed runs.
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts"`
	BaseBackoffSec int     `json:"base_backoff_sec"`
	Multiplier     float64 `json:"multiplier"`
}

// SandboxProfile constrains the execution container.
type SandboxProfile struct {
	CPULimit        float64 `json:"cpu_limit,omitempty"`
	MemoryLimitMB   int     `json:"memory_limit_mb,omitempty"`
	NetworkDisabled bool    `json:"network_disabled,omitempty"`
	ReadOnlyRootFS  bool    `json:"read_only_rootfs,omitempty"`
}

// ArtifactPolicy caps artifacts a run may produce.
type ArtifactPolicy struct {
	MaxCount      int   `json:"max_count,omitempty"`
	MaxTotalBytes int64 `json:"max_total_bytes,omitempty"`
}

// HarnessSettings tune the agent harness for a task.
type HarnessSettings struct {
	Model       string            `json:"model,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Additional  map[string]string `json:"additional,omitempty"`
}

// Task is a schedulable definition: command, prompt, policies.
//
// Invariant: cron tasks with Enabled=true carry a valid cron expression and
// a next-run timestamp.
type Task struct {
	ID                string            `json:"id"`
	RepositoryID      string            `json:"repository_id"`
	Name              string            `json:"name"`
	Harness           string            `json:"harness"`
	Command           string            `json:"command"`
	Prompt            string            `json:"prompt"`
	InstructionFiles  []InstructionFile `json:"instruction_files,omitempty"`
	Kind              TaskKind          `json:"kind"`
	CronExpr          string            `json:"cron_expr,omitempty"`
	NextRunAt         *time.Time        `json:"next_run_at,omitempty"`
	Enabled           bool              `json:"enabled"`
	Retry             RetryPolicy       `json:"retry"`
	ExecTimeoutSec    int               `json:"exec_timeout_sec,omitempty"`
	OverallTimeoutSec int               `json:"overall_timeout_sec,omitempty"`
	Sandbox           SandboxProfile    `json:"sandbox"`
	Artifacts         ArtifactPolicy    `json:"artifacts"`
	RequiresApproval  bool              `json:"requires_approval,omitempty"`
	ConcurrencyLimit  int               `json:"concurrency_limit,omitempty"`
	AutoCreatePR      bool              `json:"auto_create_pr,omitempty"`
	HarnessSettings   HarnessSettings   `json:"harness_settings"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Run is one execution attempt of a task.
//
// Invariant: EndedAt is set iff State is terminal;
// Attempt never exceeds the task's retry MaxAttempts.
type Run struct {
	ID              string         `json:"id"`
	TaskID          string         `json:"task_id"`
	RepositoryID    string         `json:"repository_id"`
	Attempt         int            `json:"attempt"`
	State           RunState       `json:"state"`
	Summary         string         `json:"summary,omitempty"`
	FailureClass    FailureClass   `json:"failure_class,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	PRURL           string         `json:"pr_url,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	AutomationRunID string         `json:"automation_run_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
}

// Worker is a remote task runtime record.
type Worker struct {
	ID            string      `json:"id"`
	ContainerID   string      `json:"container_id,omitempty"`
	Endpoint      string      `json:"endpoint,omitempty"`
	State         WorkerState `json:"state"`
	ActiveSlots   int         `json:"active_slots"`
	MaxSlots      int         `json:"max_slots"`
	Draining      bool        `json:"draining"`
	ImageRef      string      `json:"image_ref,omitempty"`
	ImageDigest   string      `json:"image_digest,omitempty"`
	DispatchCount int64       `json:"dispatch_count"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	StartedAt     time.Time   `json:"started_at"`
}

// Lease is a named TTL reservation held by one owner.
type Lease struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Finding is a persisted failure record surfaced to users.
type Finding struct {
	ID           string       `json:"id"`
	RunID        string       `json:"run_id"`
	TaskID       string       `json:"task_id"`
	RepositoryID string       `json:"repository_id,omitempty"`
	Summary      string       `json:"summary"`
	Detail       string       `json:"detail,omitempty"`
	FailureClass FailureClass `json:"failure_class,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// StructuredEvent is a typed event emitted by a harness during a run.
// Idempotent by (RunID, Sequence).
type StructuredEvent struct {
	RunID         string    `json:"run_id"`
	Sequence      int64     `json:"sequence"`
	Type          string    `json:"type"`
	Category      string    `json:"category,omitempty"`
	Payload       []byte    `json:"payload,omitempty"`
	SchemaVersion int       `json:"schema_version,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RunLogLine is one persisted run log message.
type RunLogLine struct {
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Automation is a user-defined scheduled definition with execution history.
type Automation struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	TaskID    string     `json:"task_id"`
	CronExpr  string     `json:"cron_expr"`
	When      string     `json:"when,omitempty"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// AutomationExecution records one firing of an automation.
type AutomationExecution struct {
	ID           string    `json:"id"`
	AutomationID string    `json:"automation_id"`
	RunID        string    `json:"run_id,omitempty"`
	Status       string    `json:"status"`
	Detail       string    `json:"detail,omitempty"`
	FiredAt      time.Time `json:"fired_at"`
}

// WorkflowExecution is a multi-node workflow execution record.
type WorkflowExecution struct {
	ID        string     `json:"id"`
	State     RunState   `json:"state"`
	Summary   string     `json:"summary,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Settings is the persisted runtime settings document.
// Zero values mean "use default"; the settings provider clamps on read.
type Settings struct {
	SchedulerIntervalSeconds   int `json:"scheduler_interval_seconds,omitempty" yaml:"scheduler_interval_seconds,omitempty"`
	MaxGlobalConcurrentRuns    int `json:"max_global_concurrent_runs,omitempty" yaml:"max_global_concurrent_runs,omitempty"`
	PerProjectConcurrencyLimit int `json:"per_project_concurrency_limit,omitempty" yaml:"per_project_concurrency_limit,omitempty"`
	PerRepoConcurrencyLimit    int `json:"per_repo_concurrency_limit,omitempty" yaml:"per_repo_concurrency_limit,omitempty"`

	MinWorkers                     int     `json:"min_workers,omitempty" yaml:"min_workers,omitempty"`
	MaxWorkers                     int     `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`
	ReserveWorkers                 int     `json:"reserve_workers,omitempty" yaml:"reserve_workers,omitempty"`
	MaxQueueDepth                  int     `json:"max_queue_depth,omitempty" yaml:"max_queue_depth,omitempty"`
	QueueWaitTimeoutSeconds        int     `json:"queue_wait_timeout_seconds,omitempty" yaml:"queue_wait_timeout_seconds,omitempty"`
	WorkerImage                    string  `json:"worker_image,omitempty" yaml:"worker_image,omitempty"`
	CanaryImage                    string  `json:"canary_image,omitempty" yaml:"canary_image,omitempty"`
	CanaryPercent                  int     `json:"canary_percent,omitempty" yaml:"canary_percent,omitempty"`
	MaxConcurrentPulls             int     `json:"max_concurrent_pulls,omitempty" yaml:"max_concurrent_pulls,omitempty"`
	MaxWorkerStartAttemptsPer10Min int     `json:"max_worker_start_attempts_per_10min,omitempty" yaml:"max_worker_start_attempts_per_10min,omitempty"`
	MaxFailedStartsPer10Min        int     `json:"max_failed_starts_per_10min,omitempty" yaml:"max_failed_starts_per_10min,omitempty"`
	CooldownMinutes                int     `json:"cooldown_minutes,omitempty" yaml:"cooldown_minutes,omitempty"`
	RecycleAfterRuns               int     `json:"recycle_after_runs,omitempty" yaml:"recycle_after_runs,omitempty"`
	RecycleAfterUptimeMinutes      int     `json:"recycle_after_uptime_minutes,omitempty" yaml:"recycle_after_uptime_minutes,omitempty"`
	RunHardTimeoutSeconds          int     `json:"run_hard_timeout_seconds,omitempty" yaml:"run_hard_timeout_seconds,omitempty"`
	MaxRunLogMB                    int     `json:"max_run_log_mb,omitempty" yaml:"max_run_log_mb,omitempty"`
	PressureScalingEnabled         bool    `json:"pressure_scaling_enabled,omitempty" yaml:"pressure_scaling_enabled,omitempty"`
	PressureCPUThreshold           float64 `json:"pressure_cpu_threshold,omitempty" yaml:"pressure_cpu_threshold,omitempty"`
	PressureMemoryThreshold        float64 `json:"pressure_memory_threshold,omitempty" yaml:"pressure_memory_threshold,omitempty"`

	EnableAutoTermination     bool `json:"enable_auto_termination,omitempty" yaml:"enable_auto_termination,omitempty"`
	CheckIntervalSeconds      int  `json:"check_interval_seconds,omitempty" yaml:"check_interval_seconds,omitempty"`
	StaleRunThresholdMinutes  int  `json:"stale_run_threshold_minutes,omitempty" yaml:"stale_run_threshold_minutes,omitempty"`
	ZombieRunThresholdMinutes int  `json:"zombie_run_threshold_minutes,omitempty" yaml:"zombie_run_threshold_minutes,omitempty"`
	MaxRunAgeHours            int  `json:"max_run_age_hours,omitempty" yaml:"max_run_age_hours,omitempty"`
	ForceKillOnTimeout        bool `json:"force_kill_on_timeout,omitempty" yaml:"force_kill_on_timeout,omitempty"`
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	State  RunState
	TaskID string
	Limit  int
}

// CompletionUpdate carries the terminal outcome applied to a run.
type CompletionUpdate struct {
	Succeeded    bool
	Summary      string
	Output       map[string]any
	FailureClass FailureClass
	PRURL        string
}

// ProjectStore provides project reads.
type ProjectStore interface {
	ListProjects(ctx context.Context) ([]*Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
}

// RepositoryStore provides repository reads.
type RepositoryStore interface {
	ListRepositories(ctx context.Context) ([]*Repository, error)
	GetRepository(ctx context.Context, id string) (*Repository, error)
	// ListInstructionCollections returns the collections applicable to a
	// repository, enabled or not, in priority order.
	ListInstructionCollections(ctx context.Context, repoID string) ([]*InstructionCollection, error)
}

// TaskStore provides task persistence.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	ListTasks(ctx context.Context) ([]*Task, error)
	// ListDueTasks returns enabled tasks whose NextRunAt is at or before now,
	// oldest first, capped at max.
	ListDueTasks(ctx context.Context, now time.Time, max int) ([]*Task, error)
}

// RunStore provides run persistence and the state bookkeeping operations
// the dispatcher, listener, and recovery service consume.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	ListAllRunIDs(ctx context.Context) ([]string, error)

	// MarkRunPendingApproval moves a queued run to PendingApproval.
	MarkRunPendingApproval(ctx context.Context, id string) error
	// MarkRunStarted moves a run to Running and stamps StartedAt.
	MarkRunStarted(ctx context.Context, id string) error
	// MarkRunCompleted moves a run to a terminal state and stamps EndedAt.
	MarkRunCompleted(ctx context.Context, id string, update CompletionUpdate) error

	CountActiveRuns(ctx context.Context) (int, error)
	CountActiveRunsByProject(ctx context.Context, projectID string) (int, error)
	CountActiveRunsByRepo(ctx context.Context, repoID string) (int, error)
	CountActiveRunsByTask(ctx context.Context, taskID string) (int, error)
}

// WorkerStore provides task-runtime record persistence.
type WorkerStore interface {
	CreateWorker(ctx context.Context, w *Worker) error
	GetWorker(ctx context.Context, id string) (*Worker, error)
	UpdateWorker(ctx context.Context, w *Worker) error
	ListWorkers(ctx context.Context) ([]*Worker, error)
	DeleteWorker(ctx context.Context, id string) error
}

// LeaseStore provides named TTL leases.
type LeaseStore interface {
	// TryAcquireLease acquires the named lease for owner with the given TTL.
	// Acquisition succeeds iff no live lease exists or the owner matches.
	TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease releases the named lease if held by owner.
	ReleaseLease(ctx context.Context, name, owner string) error
}

// FindingStore persists failure records.
type FindingStore interface {
	CreateFinding(ctx context.Context, f *Finding) error
	ListFindings(ctx context.Context, runID string) ([]*Finding, error)
}

// EventStore persists structured events and run log lines.
type EventStore interface {
	// AppendStructuredEvent stores the event; duplicate (run, sequence)
	// pairs are ignored.
	AppendStructuredEvent(ctx context.Context, ev *StructuredEvent) error
	// ListRecentStructuredEvents returns up to max of the most recent events
	// for the run, ordered by ascending sequence.
	ListRecentStructuredEvents(ctx context.Context, runID string, max int) ([]*StructuredEvent, error)
	AppendRunLog(ctx context.Context, line *RunLogLine) error
}

// AutomationStore persists automation definitions and execution history.
type AutomationStore interface {
	ListDueAutomations(ctx context.Context, now time.Time, max int) ([]*Automation, error)
	UpdateAutomation(ctx context.Context, a *Automation) error
	CreateAutomationExecution(ctx context.Context, e *AutomationExecution) error
}

// WorkflowStore persists workflow execution records.
type WorkflowStore interface {
	ListWorkflowExecutionsByState(ctx context.Context, state RunState) ([]*WorkflowExecution, error)
	MarkWorkflowExecutionFailed(ctx context.Context, id, summary string) error
}

// SecretStore provides encrypted provider secrets per repository.
type SecretStore interface {
	ListRepositorySecrets(ctx context.Context, repoID string) ([]*ProviderSecret, error)
}

// SettingsStore persists the runtime settings document.
type SettingsStore interface {
	GetSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, s *Settings) error
}

// ArtifactStore persists run artifacts.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, runID, name string, r io.Reader) error
}

// Store composes the full facade.
type Store interface {
	ProjectStore
	RepositoryStore
	TaskStore
	RunStore
	WorkerStore
	LeaseStore
	FindingStore
	EventStore
	AutomationStore
	WorkflowStore
	SecretStore
	SettingsStore
	ArtifactStore
	io.Closer
}
