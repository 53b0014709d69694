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

// Package sqlite provides a SQLite store implementation for single-node deployments.
//
// Entities are stored as JSON documents alongside the columns the control
// plane filters on. SQLite serializes writes, so the connection pool is
// limited to a single connection.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/helmsman-dev/helmsman/internal/store"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is a SQLite store implementation.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, now: time.Now}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			project_id TEXT,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instruction_collections (
			id TEXT PRIMARY KEY,
			repo_id TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_collections_repo ON instruction_collections(repo_id)`,
		`CREATE TABLE IF NOT EXISTS repo_secrets (
			repo_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			doc TEXT NOT NULL,
			PRIMARY KEY (repo_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 0,
			next_run_at TEXT,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(enabled, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			repo_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_repo ON runs(repo_id, state)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS findings (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_run ON findings(run_id)`,
		`CREATE TABLE IF NOT EXISTS structured_events (
			run_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			doc TEXT NOT NULL,
			PRIMARY KEY (run_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			run_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id)`,
		`CREATE TABLE IF NOT EXISTS automations (
			id TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 0,
			next_run_at TEXT,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS automation_executions (
			id TEXT PRIMARY KEY,
			automation_id TEXT NOT NULL,
			fired_at TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (run_id, name)
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func marshalDoc(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}
	return string(data), nil
}

func scanDoc[T any](row interface{ Scan(...any) error }) (*T, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var v T
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &v, nil
}

func listDocs[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document: %w", err)
		}
		result = append(result, &v)
	}
	return result, rows.Err()
}

// ListProjects returns all projects.
func (s *Store) ListProjects(ctx context.Context) ([]*store.Project, error) {
	return listDocs[store.Project](ctx, s.db, `SELECT doc FROM projects ORDER BY id`)
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*store.Project, error) {
	return scanDoc[store.Project](s.db.QueryRowContext(ctx, `SELECT doc FROM projects WHERE id = ?`, id))
}

// ListRepositories returns all repositories.
func (s *Store) ListRepositories(ctx context.Context) ([]*store.Repository, error) {
	return listDocs[store.Repository](ctx, s.db, `SELECT doc FROM repositories ORDER BY id`)
}

// GetRepository retrieves a repository by ID.
func (s *Store) GetRepository(ctx context.Context, id string) (*store.Repository, error) {
	return scanDoc[store.Repository](s.db.QueryRowContext(ctx, `SELECT doc FROM repositories WHERE id = ?`, id))
}

// ListInstructionCollections returns collections for a repository in priority order.
func (s *Store) ListInstructionCollections(ctx context.Context, repoID string) ([]*store.InstructionCollection, error) {
	return listDocs[store.InstructionCollection](ctx, s.db,
		`SELECT doc FROM instruction_collections WHERE repo_id = ? ORDER BY priority, id`, repoID)
}

// CreateTask creates a new task.
func (s *Store) CreateTask(ctx context.Context, task *store.Task) error {
	task.CreatedAt = s.now()
	task.UpdatedAt = task.CreatedAt
	doc, err := marshalDoc(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, enabled, next_run_at, doc) VALUES (?, ?, ?, ?)`,
		task.ID, boolInt(task.Enabled), timePtrString(task.NextRunAt), doc)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return scanDoc[store.Task](s.db.QueryRowContext(ctx, `SELECT doc FROM tasks WHERE id = ?`, id))
}

// UpdateTask updates an existing task.
func (s *Store) UpdateTask(ctx context.Context, task *store.Task) error {
	task.UpdatedAt = s.now()
	doc, err := marshalDoc(task)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET enabled = ?, next_run_at = ?, doc = ? WHERE id = ?`,
		boolInt(task.Enabled), timePtrString(task.NextRunAt), doc, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireRow(res)
}

// ListTasks returns all tasks.
func (s *Store) ListTasks(ctx context.Context) ([]*store.Task, error) {
	return listDocs[store.Task](ctx, s.db, `SELECT doc FROM tasks ORDER BY id`)
}

// ListDueTasks returns enabled tasks due at or before now, oldest first.
func (s *Store) ListDueTasks(ctx context.Context, now time.Time, max int) ([]*store.Task, error) {
	return listDocs[store.Task](ctx, s.db,
		`SELECT doc FROM tasks WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at, id LIMIT ?`,
		now.UTC().Format(time.RFC3339Nano), max)
}

// CreateRun creates a new run.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now().UTC()
	}
	if run.State == "" {
		run.State = store.RunQueued
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	doc, err := marshalDoc(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, task_id, repo_id, state, created_at, doc) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.RepositoryID, string(run.State),
		run.CreatedAt.UTC().Format(time.RFC3339Nano), doc)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	return scanDoc[store.Run](s.db.QueryRowContext(ctx, `SELECT doc FROM runs WHERE id = ?`, id))
}

// ListRuns lists runs matching the filter, ordered by CreatedAt then ID.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := `SELECT doc FROM runs WHERE 1=1`
	var args []any
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return listDocs[store.Run](ctx, s.db, query, args...)
}

// ListAllRunIDs returns the IDs of every run ever recorded.
func (s *Store) ListAllRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkRunPendingApproval moves a queued run to PendingApproval.
func (s *Store) MarkRunPendingApproval(ctx context.Context, id string) error {
	return s.mutateRun(ctx, id, func(r *store.Run) error {
		if r.State != store.RunQueued {
			return fmt.Errorf("run %s in state %s: %w", id, r.State, store.ErrConflict)
		}
		r.State = store.RunPendingApproval
		return nil
	})
}

// MarkRunStarted moves a run to Running and stamps StartedAt.
func (s *Store) MarkRunStarted(ctx context.Context, id string) error {
	return s.mutateRun(ctx, id, func(r *store.Run) error {
		if r.State.Terminal() {
			return fmt.Errorf("run %s already terminal: %w", id, store.ErrConflict)
		}
		now := s.now().UTC()
		r.State = store.RunRunning
		r.StartedAt = &now
		return nil
	})
}

// MarkRunCompleted moves a run to a terminal state and stamps EndedAt.
func (s *Store) MarkRunCompleted(ctx context.Context, id string, update store.CompletionUpdate) error {
	return s.mutateRun(ctx, id, func(r *store.Run) error {
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
	})
}

// mutateRun applies fn to the run inside a transaction and writes it back.
func (s *Store) mutateRun(ctx context.Context, id string, fn func(*store.Run) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, err := scanDoc[store.Run](tx.QueryRowContext(ctx, `SELECT doc FROM runs WHERE id = ?`, id))
	if err != nil {
		return err
	}
	if err := fn(run); err != nil {
		return err
	}
	doc, err := marshalDoc(run)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET state = ?, doc = ? WHERE id = ?`, string(run.State), doc, id); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return tx.Commit()
}

// CountActiveRuns counts runs in the Running state.
func (s *Store) CountActiveRuns(ctx context.Context) (int, error) {
	return s.countQuery(ctx, `SELECT COUNT(*) FROM runs WHERE state = ?`, string(store.RunRunning))
}

// CountActiveRunsByProject counts Running runs whose repository belongs to the project.
func (s *Store) CountActiveRunsByProject(ctx context.Context, projectID string) (int, error) {
	return s.countQuery(ctx,
		`SELECT COUNT(*) FROM runs WHERE state = ? AND repo_id IN
		   (SELECT id FROM repositories WHERE project_id = ?)`,
		string(store.RunRunning), projectID)
}

// CountActiveRunsByRepo counts Running runs against a repository.
func (s *Store) CountActiveRunsByRepo(ctx context.Context, repoID string) (int, error) {
	return s.countQuery(ctx, `SELECT COUNT(*) FROM runs WHERE state = ? AND repo_id = ?`,
		string(store.RunRunning), repoID)
}

// CountActiveRunsByTask counts Running runs of a task.
func (s *Store) CountActiveRunsByTask(ctx context.Context, taskID string) (int, error) {
	return s.countQuery(ctx, `SELECT COUNT(*) FROM runs WHERE state = ? AND task_id = ?`,
		string(store.RunRunning), taskID)
}

func (s *Store) countQuery(ctx context.Context, query string, args ...any) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CreateWorker creates a worker record.
func (s *Store) CreateWorker(ctx context.Context, w *store.Worker) error {
	doc, err := marshalDoc(w)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO workers (id, doc) VALUES (?, ?)`, w.ID, doc); err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker record by ID.
func (s *Store) GetWorker(ctx context.Context, id string) (*store.Worker, error) {
	return scanDoc[store.Worker](s.db.QueryRowContext(ctx, `SELECT doc FROM workers WHERE id = ?`, id))
}

// UpdateWorker updates a worker record.
func (s *Store) UpdateWorker(ctx context.Context, w *store.Worker) error {
	doc, err := marshalDoc(w)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET doc = ? WHERE id = ?`, doc, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}
	return requireRow(res)
}

// ListWorkers returns all worker records.
func (s *Store) ListWorkers(ctx context.Context) ([]*store.Worker, error) {
	return listDocs[store.Worker](ctx, s.db, `SELECT doc FROM workers ORDER BY id`)
}

// DeleteWorker removes a worker record.
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	return err
}

// TryAcquireLease acquires the named lease for owner with the given TTL.
func (s *Store) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	var existingOwner string
	var expiresAt string
	err = tx.QueryRowContext(ctx, `SELECT owner, expires_at FROM leases WHERE name = ?`, name).
		Scan(&existingOwner, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// free
	case err != nil:
		return false, err
	default:
		exp, perr := time.Parse(time.RFC3339Nano, expiresAt)
		if perr == nil && exp.After(now) && existingOwner != owner {
			return false, nil
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at`,
		name, owner, now.Add(ttl).Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return true, tx.Commit()
}

// ReleaseLease releases the named lease if held by owner.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner)
	return err
}

// CreateFinding persists a failure record.
func (s *Store) CreateFinding(ctx context.Context, f *store.Finding) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now().UTC()
	}
	doc, err := marshalDoc(f)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO findings (id, run_id, doc) VALUES (?, ?, ?)`, f.ID, f.RunID, doc); err != nil {
		return fmt.Errorf("failed to create finding: %w", err)
	}
	return nil
}

// ListFindings returns findings for a run, or all findings when runID is empty.
func (s *Store) ListFindings(ctx context.Context, runID string) ([]*store.Finding, error) {
	if runID == "" {
		return listDocs[store.Finding](ctx, s.db, `SELECT doc FROM findings ORDER BY id`)
	}
	return listDocs[store.Finding](ctx, s.db, `SELECT doc FROM findings WHERE run_id = ? ORDER BY id`, runID)
}

// AppendStructuredEvent stores the event, ignoring duplicate sequences.
func (s *Store) AppendStructuredEvent(ctx context.Context, ev *store.StructuredEvent) error {
	doc, err := marshalDoc(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO structured_events (run_id, sequence, doc) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, sequence) DO NOTHING`,
		ev.RunID, ev.Sequence, doc)
	if err != nil {
		return fmt.Errorf("failed to append structured event: %w", err)
	}
	return nil
}

// ListRecentStructuredEvents returns up to max of the most recent events for
// the run, ordered by ascending sequence.
func (s *Store) ListRecentStructuredEvents(ctx context.Context, runID string, max int) ([]*store.StructuredEvent, error) {
	evs, err := listDocs[store.StructuredEvent](ctx, s.db,
		`SELECT doc FROM (
		   SELECT sequence, doc FROM structured_events WHERE run_id = ?
		   ORDER BY sequence DESC LIMIT ?
		 ) ORDER BY sequence ASC`,
		runID, max)
	if err != nil {
		return nil, err
	}
	return evs, nil
}

// AppendRunLog persists a run log line.
func (s *Store) AppendRunLog(ctx context.Context, line *store.RunLogLine) error {
	doc, err := marshalDoc(line)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_logs (run_id, ts, doc) VALUES (?, ?, ?)`,
		line.RunID, line.Timestamp.UTC().Format(time.RFC3339Nano), doc)
	if err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	return nil
}

// ListDueAutomations returns enabled automations due at or before now.
func (s *Store) ListDueAutomations(ctx context.Context, now time.Time, max int) ([]*store.Automation, error) {
	return listDocs[store.Automation](ctx, s.db,
		`SELECT doc FROM automations WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at, id LIMIT ?`,
		now.UTC().Format(time.RFC3339Nano), max)
}

// UpdateAutomation updates an automation definition.
func (s *Store) UpdateAutomation(ctx context.Context, a *store.Automation) error {
	doc, err := marshalDoc(a)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE automations SET enabled = ?, next_run_at = ?, doc = ? WHERE id = ?`,
		boolInt(a.Enabled), timePtrString(a.NextRunAt), doc, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update automation: %w", err)
	}
	return requireRow(res)
}

// CreateAutomationExecution records one firing of an automation.
func (s *Store) CreateAutomationExecution(ctx context.Context, e *store.AutomationExecution) error {
	if e.FiredAt.IsZero() {
		e.FiredAt = s.now().UTC()
	}
	doc, err := marshalDoc(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO automation_executions (id, automation_id, fired_at, doc) VALUES (?, ?, ?, ?)`,
		e.ID, e.AutomationID, e.FiredAt.UTC().Format(time.RFC3339Nano), doc)
	if err != nil {
		return fmt.Errorf("failed to create automation execution: %w", err)
	}
	return nil
}

// ListWorkflowExecutionsByState returns workflow executions in the given state.
func (s *Store) ListWorkflowExecutionsByState(ctx context.Context, state store.RunState) ([]*store.WorkflowExecution, error) {
	return listDocs[store.WorkflowExecution](ctx, s.db,
		`SELECT doc FROM workflow_executions WHERE state = ? ORDER BY id`, string(state))
}

// MarkWorkflowExecutionFailed moves a workflow execution to Failed.
func (s *Store) MarkWorkflowExecutionFailed(ctx context.Context, id, summary string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	we, err := scanDoc[store.WorkflowExecution](tx.QueryRowContext(ctx,
		`SELECT doc FROM workflow_executions WHERE id = ?`, id))
	if err != nil {
		return err
	}
	now := s.now().UTC()
	we.State = store.RunFailed
	we.Summary = summary
	we.EndedAt = &now
	doc, err := marshalDoc(we)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_executions SET state = ?, doc = ? WHERE id = ?`,
		string(we.State), doc, id); err != nil {
		return fmt.Errorf("failed to update workflow execution: %w", err)
	}
	return tx.Commit()
}

// ListRepositorySecrets returns encrypted provider secrets for a repository.
func (s *Store) ListRepositorySecrets(ctx context.Context, repoID string) ([]*store.ProviderSecret, error) {
	return listDocs[store.ProviderSecret](ctx, s.db,
		`SELECT doc FROM repo_secrets WHERE repo_id = ? ORDER BY provider`, repoID)
}

// GetSettings returns the persisted settings document.
func (s *Store) GetSettings(ctx context.Context) (*store.Settings, error) {
	settings, err := scanDoc[store.Settings](s.db.QueryRowContext(ctx, `SELECT doc FROM settings WHERE id = 1`))
	if errors.Is(err, store.ErrNotFound) {
		return &store.Settings{}, nil
	}
	return settings, err
}

// SaveSettings persists the settings document.
func (s *Store) SaveSettings(ctx context.Context, settings *store.Settings) error {
	doc, err := marshalDoc(settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (id, doc) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, doc)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// SaveArtifact stores a run artifact.
func (s *Store) SaveArtifact(ctx context.Context, runID, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, name, data) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, name) DO UPDATE SET data = excluded.data`,
		runID, name, data)
	if err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
