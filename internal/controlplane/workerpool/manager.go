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

// Package workerpool manages the lifecycle of remote task runtimes:
// provisioning, heartbeat presence, dispatch leases, draining, recycling,
// and reconciliation against the container runtime.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/helmsman-dev/helmsman/internal/controlplane/settings"
	"github.com/helmsman-dev/helmsman/internal/log"
	"github.com/helmsman-dev/helmsman/internal/store"
	"github.com/helmsman-dev/helmsman/internal/workerrpc"
)

const (
	// heartbeatTTL is how long a worker stays in presence without a heartbeat.
	heartbeatTTL = 2 * time.Minute

	// rateWindow is the accounting window for start attempts and failures.
	rateWindow = 10 * time.Minute

	// pressureWindow bounds the sliding window of load samples.
	pressureWindow = 5 * time.Minute

	// pressureMinSamples is the minimum window population before pressure
	// scaling acts on it.
	pressureMinSamples = 3
)

type entry struct {
	// mu serializes lifecycle transitions for this worker. Different
	// workers transition in parallel.
	mu sync.Mutex
	w  store.Worker
}

type pressureSample struct {
	at     time.Time
	cpu    float64
	memory float64
}

// Manager owns the worker pool. In-memory presence is authoritative for
// placement decisions; the store record is a mirror for observability and
// restart recovery.
type Manager struct {
	store    store.WorkerStore
	runtime  workerrpc.Runtime
	settings *settings.Provider
	logger   *slog.Logger

	mu             sync.Mutex
	workers        map[string]*entry
	limiter        *rate.Limiter
	limiterCap     int
	failedStarts   []time.Time
	cooldownUntil  time.Time
	scaleOutPaused bool
	imageDigest    string
	startSeq       int
	pressure       []pressureSample

	now func() time.Time
}

// NewManager creates a worker pool manager.
func NewManager(st store.WorkerStore, rt workerrpc.Runtime, sp *settings.Provider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    st,
		runtime:  rt,
		settings: sp,
		logger:   log.WithComponent(logger, "workerpool"),
		workers:  make(map[string]*entry),
		now:      time.Now,
	}
}

// SetClock overrides the manager clock. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// EnsureImageAvailable resolves the configured worker image (and canary
// image, when set) and records the digest. Idempotent.
func (m *Manager) EnsureImageAvailable(ctx context.Context) (string, error) {
	rt, err := m.settings.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("load settings: %w", err)
	}
	if rt.WorkerImage == "" {
		return "", fmt.Errorf("no worker image configured")
	}
	digest, err := m.runtime.ResolveImage(ctx, rt.WorkerImage)
	if err != nil {
		return "", fmt.Errorf("resolve image %s: %w", rt.WorkerImage, err)
	}
	if rt.CanaryImage != "" && rt.CanaryPercent > 0 {
		if _, err := m.runtime.ResolveImage(ctx, rt.CanaryImage); err != nil {
			m.logger.Warn("canary image unavailable, canary rollout disabled for now",
				slog.String("image", rt.CanaryImage), log.Error(err))
		}
	}
	m.mu.Lock()
	m.imageDigest = digest
	m.mu.Unlock()
	return digest, nil
}

// EnsureMinimumWorkers brings the pool up to the configured floor plus
// reserve, adding one extra worker while the fleet is under sustained load
// pressure. Scale-out respects the pause flag, the failed-start cooldown,
// and the per-10-minute start rate limit.
func (m *Manager) EnsureMinimumWorkers(ctx context.Context) error {
	rt, err := m.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	target := rt.MinWorkers + rt.ReserveWorkers
	if rt.PressureScalingEnabled && m.underPressure(rt) {
		target++
	}
	if target > rt.MaxWorkers {
		target = rt.MaxWorkers
	}

	live := m.countLive()
	for live < target {
		started, err := m.startWorker(ctx, rt)
		if err != nil {
			return err
		}
		if !started {
			return nil
		}
		live++
	}
	return nil
}

// countLive counts workers in states that count toward pool capacity.
// Entry mutexes are only taken after m.mu is released; entry locks may
// nest m.mu but never the reverse.
func (m *Manager) countLive() int {
	n := 0
	for _, e := range m.sortedEntries() {
		e.mu.Lock()
		switch e.w.State {
		case store.WorkerProvisioning, store.WorkerStarting, store.WorkerReady, store.WorkerBusy:
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// startWorker provisions one worker. Returns started=false when scale-out
// is paused, cooling down, or rate limited.
func (m *Manager) startWorker(ctx context.Context, rt settings.Runtime) (bool, error) {
	m.mu.Lock()
	if m.scaleOutPaused {
		m.mu.Unlock()
		poolStarts.WithLabelValues("paused").Inc()
		return false, nil
	}
	now := m.now()
	if now.Before(m.cooldownUntil) {
		m.mu.Unlock()
		poolStarts.WithLabelValues("cooldown").Inc()
		return false, nil
	}
	if m.limiter == nil || m.limiterCap != rt.MaxStartAttemptsPer10Min {
		m.limiterCap = rt.MaxStartAttemptsPer10Min
		m.limiter = rate.NewLimiter(rate.Limit(float64(rt.MaxStartAttemptsPer10Min)/rateWindow.Seconds()), rt.MaxStartAttemptsPer10Min)
	}
	if !m.limiter.Allow() {
		m.mu.Unlock()
		poolStarts.WithLabelValues("rate_limited").Inc()
		m.logger.Warn("worker start rate limit reached, deferring scale-out")
		return false, nil
	}

	imageRef := rt.WorkerImage
	if rt.CanaryImage != "" && rt.CanaryPercent > 0 && m.startSeq%100 < rt.CanaryPercent {
		imageRef = rt.CanaryImage
	}
	m.startSeq++

	id := "worker-" + uuid.NewString()[:8]
	e := &entry{w: store.Worker{
		ID:        id,
		State:     store.WorkerProvisioning,
		MaxSlots:  1,
		ImageRef:  imageRef,
		StartedAt: now.UTC(),
	}}
	m.workers[id] = e
	m.mu.Unlock()

	// Registered before the entry lock so the gauge pass runs unlocked.
	defer m.updateGauges()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.store.CreateWorker(ctx, cloneWorker(&e.w)); err != nil {
		m.removeEntry(id)
		return false, fmt.Errorf("persist worker %s: %w", id, err)
	}

	e.w.State = store.WorkerStarting
	m.persist(ctx, e)

	containerID, endpoint, err := m.runtime.StartWorker(ctx, id, imageRef)
	if err != nil {
		m.logger.Error("worker failed to start",
			slog.String(log.WorkerIDKey, id), slog.String("image", imageRef), log.Error(err))
		e.w.State = store.WorkerFailedStart
		m.persist(ctx, e)
		poolStarts.WithLabelValues("failed").Inc()
		m.recordFailedStart(rt)
		return true, nil
	}

	e.w.ContainerID = containerID
	e.w.Endpoint = endpoint
	e.w.ImageDigest = m.digest()
	e.w.State = store.WorkerReady
	e.w.LastHeartbeat = m.clock().UTC()
	m.persist(ctx, e)
	poolStarts.WithLabelValues("started").Inc()

	m.logger.Info("worker started",
		slog.String(log.WorkerIDKey, id),
		slog.String("image", imageRef),
		slog.String("endpoint", endpoint))
	return true, nil
}

// recordFailedStart tracks failures in the rate window and opens the
// cooldown once the threshold is crossed.
func (m *Manager) recordFailedStart(rt settings.Runtime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-rateWindow)
	kept := m.failedStarts[:0]
	for _, t := range m.failedStarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.failedStarts = append(kept, now)
	if len(m.failedStarts) >= rt.MaxFailedStartsPer10Min {
		m.cooldownUntil = now.Add(rt.Cooldown)
		m.failedStarts = m.failedStarts[:0]
		m.logger.Warn("too many failed worker starts, entering cooldown",
			slog.Int("failures", rt.MaxFailedStartsPer10Min),
			slog.Time("until", m.cooldownUntil))
	}
}

// DispatchLease reserves one worker for the duration of a dispatch.
type DispatchLease struct {
	manager  *Manager
	workerID string
	done     bool
}

// WorkerID returns the reserved worker.
func (l *DispatchLease) WorkerID() string { return l.workerID }

// Release ends the lease. When the dispatch was accepted the worker stays
// Busy until its heartbeats report the slot free again; otherwise it
// returns to Ready.
func (l *DispatchLease) Release(ctx context.Context, dispatched bool) {
	if l == nil || l.done {
		return
	}
	l.done = true
	if dispatched {
		return
	}
	m := l.manager
	e := m.entryFor(l.workerID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.w.State == store.WorkerBusy {
		e.w.State = store.WorkerReady
		m.persist(ctx, e)
	}
	e.mu.Unlock()
	m.updateGauges()
}

// AcquireWorkerForDispatch reserves a Ready, non-draining worker with a
// fresh heartbeat and moves it to Busy. Returns nil when no worker is
// available.
func (m *Manager) AcquireWorkerForDispatch(ctx context.Context) *DispatchLease {
	for _, e := range m.sortedEntries() {
		e.mu.Lock()
		fresh := e.w.LastHeartbeat.IsZero() || m.clock().Sub(e.w.LastHeartbeat) < heartbeatTTL
		if e.w.State == store.WorkerReady && !e.w.Draining && fresh {
			e.w.State = store.WorkerBusy
			m.persist(ctx, e)
			id := e.w.ID
			e.mu.Unlock()
			poolDispatchLeases.WithLabelValues("acquired").Inc()
			m.updateGauges()
			return &DispatchLease{manager: m, workerID: id}
		}
		e.mu.Unlock()
	}
	poolDispatchLeases.WithLabelValues("exhausted").Inc()
	return nil
}

// Get returns a copy of one worker's record.
func (m *Manager) Get(workerID string) (*store.Worker, bool) {
	e := m.entryFor(workerID)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneWorker(&e.w), true
}

// List returns copies of all workers in presence, ordered by id.
func (m *Manager) List() []*store.Worker {
	entries := m.sortedEntries()
	result := make([]*store.Worker, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		result = append(result, cloneWorker(&e.w))
		e.mu.Unlock()
	}
	return result
}

// ReportHeartbeat applies one liveness report. Unknown workers are admitted
// into presence as observed; slot occupancy drives the Ready/Busy flip, and
// a drained worker whose slot empties moves on to Stopping.
func (m *Manager) ReportHeartbeat(ctx context.Context, hb *workerrpc.Heartbeat) {
	e := m.entryFor(hb.WorkerID)
	if e == nil {
		e = &entry{w: store.Worker{
			ID:        hb.WorkerID,
			State:     store.WorkerReady,
			StartedAt: m.clock().UTC(),
		}}
		m.mu.Lock()
		m.workers[hb.WorkerID] = e
		m.mu.Unlock()
		if err := m.store.CreateWorker(ctx, cloneWorker(&e.w)); err != nil {
			m.logger.Warn("failed to persist observed worker",
				slog.String(log.WorkerIDKey, hb.WorkerID), log.Error(err))
		}
		m.logger.Info("admitted unknown worker from heartbeat",
			slog.String(log.WorkerIDKey, hb.WorkerID))
	}

	defer m.updateGauges()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.w.ActiveSlots = hb.ActiveSlots
	if hb.MaxSlots > 0 {
		e.w.MaxSlots = hb.MaxSlots
	}
	e.w.LastHeartbeat = m.clock().UTC()

	switch {
	case e.w.State == store.WorkerBusy && hb.ActiveSlots == 0:
		if e.w.Draining {
			e.w.State = store.WorkerStopping
		} else {
			e.w.State = store.WorkerReady
		}
	case e.w.State == store.WorkerDraining && hb.ActiveSlots == 0:
		e.w.State = store.WorkerStopping
	case e.w.State == store.WorkerReady && hb.ActiveSlots > 0:
		e.w.State = store.WorkerBusy
	}
	m.persist(ctx, e)
}

// RecordDispatchActivity bumps a worker's dispatch counter and marks the
// worker for recycling once it crosses the configured run budget.
func (m *Manager) RecordDispatchActivity(ctx context.Context, workerID string) {
	e := m.entryFor(workerID)
	if e == nil {
		return
	}
	rt, err := m.settings.Get(ctx)
	if err != nil {
		rt = settings.Project(nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.w.DispatchCount++
	if rt.RecycleAfterRuns > 0 && e.w.DispatchCount >= int64(rt.RecycleAfterRuns) && !e.w.Draining {
		e.w.Draining = true
		poolRecycles.Inc()
		m.logger.Info("worker reached run budget, draining for recycle",
			slog.String(log.WorkerIDKey, workerID),
			slog.Int64("dispatches", e.w.DispatchCount))
	}
	m.persist(ctx, e)
}

// ScaleDownIdle stops Ready idle workers above the configured floor plus
// reserve, oldest first, and drains workers past the uptime budget.
func (m *Manager) ScaleDownIdle(ctx context.Context) error {
	rt, err := m.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	floor := rt.MinWorkers + rt.ReserveWorkers

	if rt.RecycleAfterUptime > 0 {
		for _, e := range m.sortedEntries() {
			e.mu.Lock()
			if !e.w.Draining && m.clock().Sub(e.w.StartedAt) >= rt.RecycleAfterUptime {
				switch e.w.State {
				case store.WorkerReady, store.WorkerBusy:
					e.w.Draining = true
					poolRecycles.Inc()
					m.persist(ctx, e)
					m.logger.Info("worker past uptime budget, draining for recycle",
						slog.String(log.WorkerIDKey, e.w.ID))
				}
			}
			e.mu.Unlock()
		}
	}

	excess := m.countLive() - floor
	if excess <= 0 {
		return nil
	}

	entries := m.sortedEntries()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].w.StartedAt.Before(entries[j].w.StartedAt)
	})
	for _, e := range entries {
		if excess <= 0 {
			break
		}
		e.mu.Lock()
		idle := e.w.State == store.WorkerReady && e.w.ActiveSlots == 0
		id := e.w.ID
		e.mu.Unlock()
		if !idle {
			continue
		}
		if err := m.stopAndRemove(ctx, id); err != nil {
			m.logger.Warn("failed to scale down worker",
				slog.String(log.WorkerIDKey, id), log.Error(err))
			continue
		}
		excess--
	}
	return nil
}

// SetDraining flags or unflags a worker for draining. A draining Ready
// worker with no active slot proceeds straight to Stopping.
func (m *Manager) SetDraining(ctx context.Context, workerID string, draining bool) error {
	e := m.entryFor(workerID)
	if e == nil {
		return store.ErrNotFound
	}
	defer m.updateGauges()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.w.Draining = draining
	if draining && e.w.State == store.WorkerReady && e.w.ActiveSlots == 0 {
		e.w.State = store.WorkerStopping
	}
	if !draining && e.w.State == store.WorkerDraining {
		e.w.State = store.WorkerReady
	}
	m.persist(ctx, e)
	return nil
}

// Recycle drains one worker so its replacement is provisioned on the next
// ensure cycle.
func (m *Manager) Recycle(ctx context.Context, workerID string) error {
	poolRecycles.Inc()
	return m.SetDraining(ctx, workerID, true)
}

// RecyclePool drains every live worker for rolling replacement.
func (m *Manager) RecyclePool(ctx context.Context) {
	for _, w := range m.List() {
		switch w.State {
		case store.WorkerReady, store.WorkerBusy, store.WorkerStarting, store.WorkerProvisioning:
			if err := m.Recycle(ctx, w.ID); err != nil {
				m.logger.Warn("failed to recycle worker",
					slog.String(log.WorkerIDKey, w.ID), log.Error(err))
			}
		}
	}
}

// SetScaleOutPaused pauses or resumes provisioning of new workers.
func (m *Manager) SetScaleOutPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scaleOutPaused = paused
}

// ReportPressureSample records one fleet load sample for pressure scaling.
func (m *Manager) ReportPressureSample(cpu, memory float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-pressureWindow)
	kept := m.pressure[:0]
	for _, s := range m.pressure {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.pressure = append(kept, pressureSample{at: now, cpu: cpu, memory: memory})
}

// underPressure reports whether the sample window averages exceed either
// configured threshold.
func (m *Manager) underPressure(rt settings.Runtime) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-pressureWindow)
	var cpu, mem float64
	n := 0
	for _, s := range m.pressure {
		if s.at.After(cutoff) {
			cpu += s.cpu
			mem += s.memory
			n++
		}
	}
	if n < pressureMinSamples {
		return false
	}
	return cpu/float64(n) > rt.PressureCPUThreshold || mem/float64(n) > rt.PressureMemoryThreshold
}

// RunReconciliation aligns presence, the store mirror, and the container
// runtime: stale workers are pruned, workers whose containers vanished are
// marked Stopped, unknown containers are torn down, and Stopping workers
// are completed.
func (m *Manager) RunReconciliation(ctx context.Context) error {
	m.pruneStale(ctx)

	runningIDs, err := m.runtime.ListRunningWorkerIDs(ctx)
	if err != nil {
		return fmt.Errorf("list running workers: %w", err)
	}
	running := make(map[string]bool, len(runningIDs))
	for _, id := range runningIDs {
		running[id] = true
	}

	for _, e := range m.sortedEntries() {
		e.mu.Lock()
		id := e.w.ID
		state := e.w.State
		hasContainer := e.w.ContainerID != ""
		e.mu.Unlock()

		switch state {
		case store.WorkerReady, store.WorkerBusy, store.WorkerDraining:
			if hasContainer && !running[id] {
				m.logger.Warn("worker container missing, marking stopped",
					slog.String(log.WorkerIDKey, id))
				e.mu.Lock()
				e.w.State = store.WorkerStopped
				m.persist(ctx, e)
				e.mu.Unlock()
				m.removeEntry(id)
				if err := m.store.DeleteWorker(ctx, id); err != nil && err != store.ErrNotFound {
					m.logger.Warn("failed to delete stopped worker record",
						slog.String(log.WorkerIDKey, id), log.Error(err))
				}
			}
		case store.WorkerStopping:
			if err := m.stopAndRemove(ctx, id); err != nil {
				m.logger.Warn("failed to stop draining worker",
					slog.String(log.WorkerIDKey, id), log.Error(err))
			}
		}
		delete(running, id)
	}

	// Containers the runtime reports but presence does not know about.
	for id := range running {
		m.logger.Warn("stopping unknown worker container",
			slog.String(log.WorkerIDKey, id))
		if err := m.runtime.StopWorker(ctx, id); err != nil {
			m.logger.Warn("failed to stop unknown worker container",
				slog.String(log.WorkerIDKey, id), log.Error(err))
		}
	}

	m.updateGauges()
	return nil
}

// pruneStale drops workers whose last heartbeat is beyond the TTL from
// presence and the store mirror.
func (m *Manager) pruneStale(ctx context.Context) {
	for _, e := range m.sortedEntries() {
		e.mu.Lock()
		stale := false
		switch e.w.State {
		case store.WorkerReady, store.WorkerBusy, store.WorkerDraining:
			stale = !e.w.LastHeartbeat.IsZero() && m.clock().Sub(e.w.LastHeartbeat) > heartbeatTTL
		}
		id := e.w.ID
		if stale {
			e.w.State = store.WorkerStopped
			m.persist(ctx, e)
		}
		e.mu.Unlock()
		if !stale {
			continue
		}
		m.logger.Warn("pruning stale worker",
			slog.String(log.WorkerIDKey, id))
		poolStalePruned.Inc()
		m.removeEntry(id)
		if err := m.store.DeleteWorker(ctx, id); err != nil && err != store.ErrNotFound {
			m.logger.Warn("failed to delete stale worker record",
				slog.String(log.WorkerIDKey, id), log.Error(err))
		}
	}
}

// HealthSnapshot is a point-in-time summary of the pool.
type HealthSnapshot struct {
	Total          int                       `json:"total"`
	ByState        map[store.WorkerState]int `json:"by_state"`
	Draining       int                       `json:"draining"`
	ScaleOutPaused bool                      `json:"scale_out_paused"`
	CoolingDown    bool                      `json:"cooling_down"`
	CooldownUntil  time.Time                 `json:"cooldown_until"`
	ImageDigest    string                    `json:"image_digest,omitempty"`
}

// GetHealthSnapshot summarizes pool state for operators.
func (m *Manager) GetHealthSnapshot() HealthSnapshot {
	snap := HealthSnapshot{ByState: make(map[store.WorkerState]int)}
	for _, e := range m.sortedEntries() {
		e.mu.Lock()
		snap.Total++
		snap.ByState[e.w.State]++
		if e.w.Draining {
			snap.Draining++
		}
		e.mu.Unlock()
	}
	m.mu.Lock()
	snap.ScaleOutPaused = m.scaleOutPaused
	if m.now().Before(m.cooldownUntil) {
		snap.CoolingDown = true
		snap.CooldownUntil = m.cooldownUntil
	}
	snap.ImageDigest = m.imageDigest
	m.mu.Unlock()
	return snap
}

// stopAndRemove tears down a worker's container and drops it from presence
// and the store mirror.
func (m *Manager) stopAndRemove(ctx context.Context, workerID string) error {
	e := m.entryFor(workerID)
	if e == nil {
		return store.ErrNotFound
	}
	e.mu.Lock()
	e.w.State = store.WorkerStopping
	m.persist(ctx, e)
	e.mu.Unlock()

	if err := m.runtime.StopWorker(ctx, workerID); err != nil {
		return fmt.Errorf("stop worker %s: %w", workerID, err)
	}

	e.mu.Lock()
	e.w.State = store.WorkerStopped
	m.persist(ctx, e)
	e.mu.Unlock()

	m.removeEntry(workerID)
	if err := m.store.DeleteWorker(ctx, workerID); err != nil && err != store.ErrNotFound {
		return fmt.Errorf("delete worker record %s: %w", workerID, err)
	}
	m.logger.Info("worker stopped", slog.String(log.WorkerIDKey, workerID))
	m.updateGauges()
	return nil
}

func (m *Manager) entryFor(workerID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[workerID]
}

func (m *Manager) removeEntry(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
}

func (m *Manager) sortedEntries() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, m.workers[id])
	}
	return entries
}

func (m *Manager) clock() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now()
}

func (m *Manager) digest() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.imageDigest
}

// persist mirrors the entry to the store. Best-effort: presence stays
// authoritative when the mirror write fails. Callers hold e.mu.
func (m *Manager) persist(ctx context.Context, e *entry) {
	if err := m.store.UpdateWorker(ctx, cloneWorker(&e.w)); err != nil && err != store.ErrNotFound {
		m.logger.Warn("failed to mirror worker record",
			slog.String(log.WorkerIDKey, e.w.ID), log.Error(err))
	}
}

// updateGauges recomputes the per-state worker gauges. It locks each
// entry in turn, so callers must not hold any entry mutex.
func (m *Manager) updateGauges() {
	counts := make(map[store.WorkerState]int)
	for _, e := range m.sortedEntries() {
		e.mu.Lock()
		counts[e.w.State]++
		e.mu.Unlock()
	}
	states := []store.WorkerState{
		store.WorkerProvisioning, store.WorkerStarting, store.WorkerReady,
		store.WorkerBusy, store.WorkerDraining, store.WorkerStopping,
		store.WorkerStopped, store.WorkerQuarantined, store.WorkerFailedStart,
	}
	for _, s := range states {
		poolWorkers.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func cloneWorker(w *store.Worker) *store.Worker {
	c := *w
	return &c
}
