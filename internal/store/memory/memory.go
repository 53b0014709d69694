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

// Package memory provides an in-memory store implementation.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/helmsman-dev/helmsman/internal/store"
)

// Compile-time interface assertions.
var (
	_ store.RunStore   = (*Store)(nil)
	_ store.TaskStore  = (*Store)(nil)
	_ store.LeaseStore = (*Store)(nil)
	_ store.Store      = (*Store)(nil)
)

// Store is an in-memory store implementation.
type Store struct {
	mu          sync.RWMutex
	projects    map[string]*store.Project
	repos       map[string]*store.Repository
	collections map[string][]*store.InstructionCollection
	secrets     map[string][]*store.ProviderSecret
	tasks       map[string]*store.Task
	runs        map[string]*store.Run
	workers     map[string]*store.Worker
	leases      map[string]*store.Lease
	findings    []*store.Finding
	events      map[string][]*store.StructuredEvent
	runLogs     map[string][]*store.RunLogLine
	automations map[string]*store.Automation
	autoExecs   []*store.AutomationExecution
	workflows   map[string]*store.WorkflowExecution
	settings    *store.Settings
	artifacts   map[string][]byte

	now func() time.Time
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		projects:    make(map[string]*store.Project),
		repos:       make(map[string]*store.Repository),
		collections: make(map[string][]*store.InstructionCollection),
		secrets:     make(map[string][]*store.ProviderSecret),
		tasks:       make(map[string]*store.Task),
		runs:        make(map[string]*store.Run),
		workers:     make(map[string]*store.Worker),
		leases:      make(map[string]*store.Lease),
		events:      make(map[string][]*store.StructuredEvent),
		runLogs:     make(map[string][]*store.RunLogLine),
		automations: make(map[string]*store.Automation),
		workflows:   make(map[string]*store.WorkflowExecution),
		artifacts:   make(map[string][]byte),
		now:         time.Now,
	}
}

// SetClock overrides the store clock. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutProject seeds a project.
func (s *Store) PutProject(p *store.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

// PutRepository seeds a repository.
func (s *Store) PutRepository(r *store.Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[r.ID] = r
}

// PutInstructionCollection seeds an instruction collection for a repository.
func (s *Store) PutInstructionCollection(repoID string, c *store.InstructionCollection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[repoID] = append(s.collections[repoID], c)
}

// PutRepositorySecret seeds a provider secret for a repository.
func (s *Store) PutRepositorySecret(repoID string, sec *store.ProviderSecret) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[repoID] = append(s.secrets[repoID], sec)
}

// PutAutomation seeds an automation definition.
func (s *Store) PutAutomation(a *store.Automation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.automations[a.ID] = a
}

// PutWorkflowExecution seeds a workflow execution record.
func (s *Store) PutWorkflowExecution(w *store.WorkflowExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
}

// ListProjects returns all projects.
func (s *Store) ListProjects(ctx context.Context) ([]*store.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*store.Project, 0, len(s.projects))
	for _, p := range s.projects {
		result = append(result, p)
	}
	return result, nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*store.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

// ListRepositories returns all repositories.
func (s *Store) ListRepositories(ctx context.Context) ([]*store.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*store.Repository, 0, len(s.repos))
	for _, r := range s.repos {
		result = append(result, r)
	}
	return result, nil
}

// GetRepository retrieves a repository by ID.
func (s *Store) GetRepository(ctx context.Context, id string) (*store.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[id]
	if !ok {
		return nil, fmt.Errorf("repository %s: %w", id, store.ErrNotFound)
	}
	return r, nil
}

// ListInstructionCollections returns collections for a repository in priority order.
func (s *Store) ListInstructionCollections(ctx context.Context, repoID string) ([]*store.InstructionCollection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cols := append([]*store.InstructionCollection(nil), s.collections[repoID]...)
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Priority < cols[j].Priority })
	return cols, nil
}

// CreateTask creates a new task.
func (s *Store) CreateTask(ctx context.Context, task *store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s: %w", task.ID, store.ErrConflict)
	}
	task.CreatedAt = s.now()
	task.UpdatedAt = task.CreatedAt
	s.tasks[task.ID] = task
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return t, nil
}

// UpdateTask updates an existing task.
func (s *Store) UpdateTask(ctx context.Context, task *store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; !exists {
		return fmt.Errorf("task %s: %w", task.ID, store.ErrNotFound)
	}
	task.UpdatedAt = s.now()
	s.tasks[task.ID] = task
	return nil
}

// ListTasks returns all tasks.
func (s *Store) ListTasks(ctx context.Context) ([]*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*store.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		result = append(result, t)
	}
	return result, nil
}

// ListDueTasks returns enabled tasks due at or before now, oldest first.
func (s *Store) ListDueTasks(ctx context.Context, now time.Time, max int) ([]*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*store.Task
	for _, t := range s.tasks {
		if !t.Enabled || t.NextRunAt == nil {
			continue
		}
		if t.NextRunAt.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(*due[j].NextRunAt) {
			return due[i].NextRunAt.Before(*due[j].NextRunAt)
		}
		return due[i].ID < due[j].ID
	})
	if max > 0 && len(due) > max {
		due = due[:max]
	}
	return due, nil
}

// CreateRun creates a new run.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s: %w", run.ID, store.ErrConflict)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	if run.State == "" {
		run.State = store.RunQueued
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	s.runs[run.ID] = run
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

// ListRuns lists runs matching the filter, ordered by CreatedAt then ID.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Run
	for _, r := range s.runs {
		if filter.State != "" && r.State != filter.State {
			continue
		}
		if filter.TaskID != "" && r.TaskID != filter.TaskID {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ListAllRunIDs returns the IDs of every run ever recorded.
func (s *Store) ListAllRunIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// MarkRunPendingApproval moves a queued run to PendingApproval.
func (s *Store) MarkRunPendingApproval(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if r.State != store.RunQueued {
		return fmt.Errorf("run %s in state %s: %w", id, r.State, store.ErrConflict)
	}
	r.State = store.RunPendingApproval
	return nil
}

// MarkRunStarted moves a run to Running and stamps StartedAt.
func (s *Store) MarkRunStarted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if r.State.Terminal() {
		return fmt.Errorf("run %s already terminal: %w", id, store.ErrConflict)
	}
	now := s.now().UTC()
	r.State = store.RunRunning
	r.StartedAt = &now
	return nil
}

// MarkRunCompleted moves a run to a terminal state and stamps EndedAt.
func (s *Store) MarkRunCompleted(ctx context.Context, id string, update store.CompletionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if r.State.Terminal() {
		return fmt.Errorf("run %s already terminal: %w", id, store.ErrConflict)
	}
	now := s.now().UTC()
	if update.Succeeded {
		r.State = store.RunSucceeded
	} else {
		r.State = store.RunFailed
	}
	r.Summary = update.Summary
	r.Output = update.Output
	r.FailureClass = update.FailureClass
	if update.PRURL != "" {
		r.PRURL = update.PRURL
	}
	r.EndedAt = &now
	return nil
}

// CountActiveRuns counts runs in the Running state.
func (s *Store) CountActiveRuns(ctx context.Context) (int, error) {
	return s.countActive(func(r *store.Run) bool { return true })
}

// CountActiveRunsByProject counts Running runs whose repository belongs to the project.
func (s *Store) CountActiveRunsByProject(ctx context.Context, projectID string) (int, error) {
	s.mu.RLock()
	repoIDs := make(map[string]bool)
	for _, repo := range s.repos {
		if repo.ProjectID == projectID {
			repoIDs[repo.ID] = true
		}
	}
	s.mu.RUnlock()
	return s.countActive(func(r *store.Run) bool { return repoIDs[r.RepositoryID] })
}

// CountActiveRunsByRepo counts Running runs against a repository.
func (s *Store) CountActiveRunsByRepo(ctx context.Context, repoID string) (int, error) {
	return s.countActive(func(r *store.Run) bool { return r.RepositoryID == repoID })
}

// CountActiveRunsByTask counts Running runs of a task.
func (s *Store) CountActiveRunsByTask(ctx context.Context, taskID string) (int, error) {
	return s.countActive(func(r *store.Run) bool { return r.TaskID == taskID })
}

func (s *Store) countActive(match func(*store.Run) bool) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, r := range s.runs {
		if r.State == store.RunRunning && match(r) {
			count++
		}
	}
	return count, nil
}

// CreateWorker creates a worker record.
func (s *Store) CreateWorker(ctx context.Context, w *store.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[w.ID]; exists {
		return fmt.Errorf("worker %s: %w", w.ID, store.ErrConflict)
	}
	s.workers[w.ID] = w
	return nil
}

// GetWorker retrieves a worker record by ID.
func (s *Store) GetWorker(ctx context.Context, id string) (*store.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, store.ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

// UpdateWorker updates a worker record.
func (s *Store) UpdateWorker(ctx context.Context, w *store.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[w.ID]; !exists {
		return fmt.Errorf("worker %s: %w", w.ID, store.ErrNotFound)
	}
	cp := *w
	s.workers[w.ID] = &cp
	return nil
}

// ListWorkers returns all worker records.
func (s *Store) ListWorkers(ctx context.Context) ([]*store.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*store.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// DeleteWorker removes a worker record.
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
	return nil
}

// TryAcquireLease acquires the named lease for owner with the given TTL.
func (s *Store) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.leases[name]; ok && l.ExpiresAt.After(now) && l.Owner != owner {
		return false, nil
	}
	s.leases[name] = &store.Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLease releases the named lease if held by owner.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[name]; ok && l.Owner == owner {
		delete(s.leases, name)
	}
	return nil
}

// CreateFinding persists a failure record.
func (s *Store) CreateFinding(ctx context.Context, f *store.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	s.findings = append(s.findings, f)
	return nil
}

// ListFindings returns findings for a run, or all findings when runID is empty.
func (s *Store) ListFindings(ctx context.Context, runID string) ([]*store.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*store.Finding
	for _, f := range s.findings {
		if runID == "" || f.RunID == runID {
			result = append(result, f)
		}
	}
	return result, nil
}

// AppendStructuredEvent stores the event, ignoring duplicate sequences.
func (s *Store) AppendStructuredEvent(ctx context.Context, ev *store.StructuredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events[ev.RunID] {
		if existing.Sequence == ev.Sequence {
			return nil
		}
	}
	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return nil
}

// ListRecentStructuredEvents returns up to max of the most recent events for
// the run, ordered by ascending sequence.
func (s *Store) ListRecentStructuredEvents(ctx context.Context, runID string, max int) ([]*store.StructuredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := append([]*store.StructuredEvent(nil), s.events[runID]...)
	sort.Slice(evs, func(i, j int) bool { return evs[i].Sequence < evs[j].Sequence })
	if max > 0 && len(evs) > max {
		evs = evs[len(evs)-max:]
	}
	return evs, nil
}

// AppendRunLog persists a run log line.
func (s *Store) AppendRunLog(ctx context.Context, line *store.RunLogLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runLogs[line.RunID] = append(s.runLogs[line.RunID], line)
	return nil
}

// RunLogs returns persisted log lines for a run. Used by tests.
func (s *Store) RunLogs(runID string) []*store.RunLogLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*store.RunLogLine(nil), s.runLogs[runID]...)
}

// ListDueAutomations returns enabled automations due at or before now.
func (s *Store) ListDueAutomations(ctx context.Context, now time.Time, max int) ([]*store.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*store.Automation
	for _, a := range s.automations {
		if !a.Enabled || a.NextRunAt == nil || a.NextRunAt.After(now) {
			continue
		}
		due = append(due, a)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if max > 0 && len(due) > max {
		due = due[:max]
	}
	return due, nil
}

// UpdateAutomation updates an automation definition.
func (s *Store) UpdateAutomation(ctx context.Context, a *store.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.automations[a.ID]; !exists {
		return fmt.Errorf("automation %s: %w", a.ID, store.ErrNotFound)
	}
	s.automations[a.ID] = a
	return nil
}

// CreateAutomationExecution records one firing of an automation.
func (s *Store) CreateAutomationExecution(ctx context.Context, e *store.AutomationExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.FiredAt.IsZero() {
		e.FiredAt = s.now()
	}
	s.autoExecs = append(s.autoExecs, e)
	return nil
}

// AutomationExecutions returns recorded executions. Used by tests.
func (s *Store) AutomationExecutions() []*store.AutomationExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*store.AutomationExecution(nil), s.autoExecs...)
}

// ListWorkflowExecutionsByState returns workflow executions in the given state.
func (s *Store) ListWorkflowExecutionsByState(ctx context.Context, state store.RunState) ([]*store.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*store.WorkflowExecution
	for _, w := range s.workflows {
		if w.State == state {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// MarkWorkflowExecutionFailed moves a workflow execution to Failed.
func (s *Store) MarkWorkflowExecutionFailed(ctx context.Context, id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return fmt.Errorf("workflow execution %s: %w", id, store.ErrNotFound)
	}
	now := s.now().UTC()
	w.State = store.RunFailed
	w.Summary = summary
	w.EndedAt = &now
	return nil
}

// ListRepositorySecrets returns encrypted provider secrets for a repository.
func (s *Store) ListRepositorySecrets(ctx context.Context, repoID string) ([]*store.ProviderSecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*store.ProviderSecret(nil), s.secrets[repoID]...), nil
}

// GetSettings returns the persisted settings document.
func (s *Store) GetSettings(ctx context.Context) (*store.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return &store.Settings{}, nil
	}
	cp := *s.settings
	return &cp, nil
}

// SaveSettings persists the settings document.
func (s *Store) SaveSettings(ctx context.Context, settings *store.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *settings
	s.settings = &cp
	return nil
}

// SaveArtifact stores a run artifact.
func (s *Store) SaveArtifact(ctx context.Context, runID, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[runID+"/"+name] = data
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	return nil
}
