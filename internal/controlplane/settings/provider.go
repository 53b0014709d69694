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

// Package settings projects the persisted settings document into a clamped,
// cached runtime view.
package settings

import (
	"context"
	"sync"
	"time"

	"github.com/helmsman-dev/helmsman/internal/store"
)

// cacheTTL is how long a projected settings value is served before the
// store is consulted again.
const cacheTTL = 10 * time.Second

// Runtime is the immutable, clamped projection of persisted settings.
type Runtime struct {
	SchedulerInterval       time.Duration
	MaxGlobalConcurrentRuns int
	PerProjectConcurrency   int
	PerRepoConcurrency      int

	MinWorkers               int
	MaxWorkers               int
	ReserveWorkers           int
	MaxQueueDepth            int
	QueueWaitTimeout         time.Duration
	WorkerImage              string
	CanaryImage              string
	CanaryPercent            int
	MaxConcurrentPulls       int
	MaxStartAttemptsPer10Min int
	MaxFailedStartsPer10Min  int
	Cooldown                 time.Duration
	RecycleAfterRuns         int
	RecycleAfterUptime       time.Duration
	RunHardTimeout           time.Duration
	MaxRunLogMB              int
	PressureScalingEnabled   bool
	PressureCPUThreshold     float64
	PressureMemoryThreshold  float64

	EnableAutoTermination bool
	CheckInterval         time.Duration
	StaleRunThreshold     time.Duration
	ZombieRunThreshold    time.Duration
	MaxRunAge             time.Duration
	ForceKillOnTimeout    bool
}

// Provider serves clamped runtime settings with a short-lived cache.
type Provider struct {
	store store.SettingsStore

	mu        sync.Mutex
	cached    *Runtime
	fetchedAt time.Time
	now       func() time.Time
}

// NewProvider creates a settings provider over the store.
func NewProvider(st store.SettingsStore) *Provider {
	return &Provider{store: st, now: time.Now}
}

// Get returns the current runtime settings, reading through the cache.
func (p *Provider) Get(ctx context.Context) (Runtime, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.now().Sub(p.fetchedAt) < cacheTTL {
		return *p.cached, nil
	}

	doc, err := p.store.GetSettings(ctx)
	if err != nil {
		// Serve the stale projection rather than failing a tick.
		if p.cached != nil {
			return *p.cached, nil
		}
		return Runtime{}, err
	}

	rt := Project(doc)
	p.cached = &rt
	p.fetchedAt = p.now()
	return rt, nil
}

// Invalidate drops the cached projection. The next Get reads the store.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

// Project clamps a settings document into a Runtime value.
func Project(doc *store.Settings) Runtime {
	if doc == nil {
		doc = &store.Settings{}
	}

	rt := Runtime{
		SchedulerInterval:       time.Duration(atLeast(positiveOr(doc.SchedulerIntervalSeconds, 20), 2)) * time.Second,
		MaxGlobalConcurrentRuns: positiveOr(doc.MaxGlobalConcurrentRuns, 16),
		PerProjectConcurrency:   positiveOr(doc.PerProjectConcurrencyLimit, 8),
		PerRepoConcurrency:      positiveOr(doc.PerRepoConcurrencyLimit, 4),

		MinWorkers:               clamp(positiveOr(doc.MinWorkers, 1), 0, 256),
		MaxWorkers:               clamp(positiveOr(doc.MaxWorkers, 8), 1, 256),
		ReserveWorkers:           clamp(doc.ReserveWorkers, 0, 128),
		MaxQueueDepth:            clamp(positiveOr(doc.MaxQueueDepth, 1000), 1, 50000),
		QueueWaitTimeout:         time.Duration(clamp(positiveOr(doc.QueueWaitTimeoutSeconds, 300), 5, 7200)) * time.Second,
		WorkerImage:              doc.WorkerImage,
		CanaryImage:              doc.CanaryImage,
		CanaryPercent:            clamp(doc.CanaryPercent, 0, 100),
		MaxConcurrentPulls:       positiveOr(doc.MaxConcurrentPulls, 2),
		MaxStartAttemptsPer10Min: positiveOr(doc.MaxWorkerStartAttemptsPer10Min, 20),
		MaxFailedStartsPer10Min:  positiveOr(doc.MaxFailedStartsPer10Min, 5),
		Cooldown:                 time.Duration(positiveOr(doc.CooldownMinutes, 10)) * time.Minute,
		RecycleAfterRuns:         max(doc.RecycleAfterRuns, 0),
		RecycleAfterUptime:       time.Duration(max(doc.RecycleAfterUptimeMinutes, 0)) * time.Minute,
		RunHardTimeout:           time.Duration(clamp(positiveOr(doc.RunHardTimeoutSeconds, 3600), 30, 86400)) * time.Second,
		MaxRunLogMB:              positiveOr(doc.MaxRunLogMB, 16),
		PressureScalingEnabled:   doc.PressureScalingEnabled,
		PressureCPUThreshold:     clampFloat(positiveFloatOr(doc.PressureCPUThreshold, 0.85), 0, 1),
		PressureMemoryThreshold:  clampFloat(positiveFloatOr(doc.PressureMemoryThreshold, 0.90), 0, 1),

		EnableAutoTermination: doc.EnableAutoTermination,
		CheckInterval:         time.Duration(atLeast(positiveOr(doc.CheckIntervalSeconds, 60), 10)) * time.Second,
		StaleRunThreshold:     time.Duration(positiveOr(doc.StaleRunThresholdMinutes, 30)) * time.Minute,
		ZombieRunThreshold:    time.Duration(positiveOr(doc.ZombieRunThresholdMinutes, 120)) * time.Minute,
		MaxRunAge:             time.Duration(positiveOr(doc.MaxRunAgeHours, 24)) * time.Hour,
		ForceKillOnTimeout:    doc.ForceKillOnTimeout,
	}

	// Reserve can never exceed the pool ceiling.
	if rt.ReserveWorkers > rt.MaxWorkers {
		rt.ReserveWorkers = rt.MaxWorkers
	}
	if rt.MinWorkers > rt.MaxWorkers {
		rt.MinWorkers = rt.MaxWorkers
	}

	return rt
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func positiveFloatOr(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func atLeast(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
