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

// Package controlplane assembles the orchestrator: stores, schedulers,
// dispatcher, worker pool, event listener, and recovery, and runs their
// cooperative loops.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/helmsman-dev/helmsman/internal/config"
	"github.com/helmsman-dev/helmsman/internal/controlplane/automation"
	"github.com/helmsman-dev/helmsman/internal/controlplane/background"
	"github.com/helmsman-dev/helmsman/internal/controlplane/dispatch"
	"github.com/helmsman-dev/helmsman/internal/controlplane/events"
	"github.com/helmsman-dev/helmsman/internal/controlplane/lease"
	"github.com/helmsman-dev/helmsman/internal/controlplane/notify"
	"github.com/helmsman-dev/helmsman/internal/controlplane/projection"
	"github.com/helmsman-dev/helmsman/internal/controlplane/publish"
	"github.com/helmsman-dev/helmsman/internal/controlplane/recovery"
	"github.com/helmsman-dev/helmsman/internal/controlplane/scheduler"
	"github.com/helmsman-dev/helmsman/internal/controlplane/settings"
	"github.com/helmsman-dev/helmsman/internal/controlplane/workerpool"
	"github.com/helmsman-dev/helmsman/internal/log"
	"github.com/helmsman-dev/helmsman/internal/secrets"
	"github.com/helmsman-dev/helmsman/internal/store"
	"github.com/helmsman-dev/helmsman/internal/workerrpc"
)

// poolMaintenanceInterval paces the worker pool ensure/reconcile cycle.
const poolMaintenanceInterval = 30 * time.Second

// Options carries the pluggable edges of the control plane.
type Options struct {
	Config    *config.Config
	Store     store.Store
	Fleet     workerrpc.Client
	Runtime   workerrpc.Runtime
	Routes    workerrpc.RouteCleaner
	Publisher notify.Publisher
	Opener    secrets.Opener
	Logger    *slog.Logger
}

// ControlPlane owns every orchestration subsystem.
type ControlPlane struct {
	cfg    *config.Config
	store  store.Store
	logger *slog.Logger

	Settings   *settings.Provider
	Leases     *lease.Coordinator
	Background *background.Coordinator
	Bus        *publish.Bus
	Pool       *workerpool.Manager
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler
	Automation *automation.Scheduler
	Projector  *projection.Projector
	Listener   *events.Listener
	Recovery   *recovery.Service
}

// New wires the control plane. It does not start any loop; call Run.
func New(opts Options) (*ControlPlane, error) {
	if opts.Config == nil || opts.Store == nil || opts.Fleet == nil || opts.Runtime == nil {
		return nil, fmt.Errorf("controlplane: config, store, fleet, and runtime are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sp := settings.NewProvider(opts.Store)
	leases := lease.NewCoordinator(opts.Store, logger)
	bg := background.NewCoordinator(logger)
	bus := publish.NewBus(logger)
	pool := workerpool.NewManager(opts.Store, opts.Runtime, sp, logger)
	dispatcher := dispatch.New(opts.Store, pool, opts.Fleet, sp, opts.Opener, bus, logger)
	sched := scheduler.New(opts.Store, dispatcher, sp, leases, logger)
	auto := automation.New(opts.Store, dispatcher, sp, leases, logger)
	projector := projection.New(opts.Store)
	listener := events.New(opts.Store, opts.Fleet, dispatcher, opts.Routes, bus, projector, logger)
	recov := recovery.New(opts.Store, opts.Fleet, sp, bus, logger)

	if opts.Publisher != nil {
		relay := notify.NewRelay(opts.Publisher)
		bg.OnUpdated(relay.OnUpdated)
	}

	return &ControlPlane{
		cfg:        opts.Config,
		store:      opts.Store,
		logger:     log.WithComponent(logger, "controlplane"),
		Settings:   sp,
		Leases:     leases,
		Background: bg,
		Bus:        bus,
		Pool:       pool,
		Dispatcher: dispatcher,
		Scheduler:  sched,
		Automation: auto,
		Projector:  projector,
		Listener:   listener,
		Recovery:   recov,
	}, nil
}

// Run seeds settings, performs startup recovery, and runs every loop
// until the context is cancelled.
func (cp *ControlPlane) Run(ctx context.Context) error {
	if err := cp.seedSettings(ctx); err != nil {
		return err
	}

	cp.Bus.Start()
	defer cp.Bus.Stop()
	cp.Background.Start(ctx)
	defer cp.Background.Stop()

	// Startup recovery runs to completion before any scheduling begins so
	// orphaned state cannot race new placements.
	if err := cp.Recovery.RecoverOnStartup(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	cp.Background.Enqueue(background.KindImageResolution, "worker-image", func(ctx context.Context, report func(background.Progress)) error {
		report(background.Progress{Message: "resolving worker image"})
		_, err := cp.Pool.EnsureImageAvailable(ctx)
		return err
	}, true, true)

	g, ctx := errgroup.WithContext(ctx)
	// A critical bootstrap failure, such as an unresolvable worker image,
	// takes the whole process down.
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-cp.Background.Fatal():
			return fmt.Errorf("critical background work failed: %w", err)
		}
	})
	g.Go(func() error { cp.Scheduler.Run(ctx); return nil })
	g.Go(func() error { cp.Automation.Run(ctx); return nil })
	g.Go(func() error { cp.Listener.Run(ctx); return nil })
	g.Go(func() error { cp.Recovery.Run(ctx); return nil })
	g.Go(func() error { cp.poolLoop(ctx); return nil })

	cp.logger.Info("control plane started")
	return g.Wait()
}

// poolLoop keeps the worker pool sized and consistent.
func (cp *ControlPlane) poolLoop(ctx context.Context) {
	for {
		if err := cp.Pool.EnsureMinimumWorkers(ctx); err != nil {
			cp.logger.Error("failed to ensure minimum workers", log.Error(err))
		}
		if err := cp.Pool.RunReconciliation(ctx); err != nil {
			cp.logger.Error("worker reconciliation failed", log.Error(err))
		}
		if err := cp.Pool.ScaleDownIdle(ctx); err != nil {
			cp.logger.Error("idle scale-down failed", log.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poolMaintenanceInterval):
		}
	}
}

// seedSettings writes the config file's settings block into the store
// when no document has been saved yet.
func (cp *ControlPlane) seedSettings(ctx context.Context) error {
	if cp.cfg.Settings == nil {
		return nil
	}
	current, err := cp.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if !reflect.DeepEqual(*current, store.Settings{}) {
		return nil
	}
	if err := cp.store.SaveSettings(ctx, cp.cfg.Settings); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	cp.Settings.Invalidate()
	cp.logger.Info("seeded runtime settings from config file")
	return nil
}
