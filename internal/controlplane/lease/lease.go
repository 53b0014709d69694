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

// Package lease provides cluster-wide named mutual exclusion backed by the
// persistent store. Leases expire by TTL; callers reacquire before the TTL
// elapses rather than refreshing.
package lease

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-dev/helmsman/internal/log"
	"github.com/helmsman-dev/helmsman/internal/store"
)

// Coordinator acquires and releases named TTL leases.
type Coordinator struct {
	store  store.LeaseStore
	owner  string
	logger *slog.Logger
}

// NewCoordinator creates a lease coordinator. The owner identity combines
// the host name with a random per-process id so two processes on one host
// never collide.
func NewCoordinator(st store.LeaseStore, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	owner := host + "-" + uuid.NewString()[:8]
	return &Coordinator{
		store:  st,
		owner:  owner,
		logger: log.WithComponent(logger, "lease").With(slog.String("owner", owner)),
	}
}

// Owner returns this coordinator's owner identity.
func (c *Coordinator) Owner() string {
	return c.owner
}

// TryAcquire attempts to acquire the named lease for ttl. On success the
// returned handle releases the lease when closed. Returns ok=false when
// another live owner holds the lease.
func (c *Coordinator) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Handle, bool, error) {
	acquired, err := c.store.TryAcquireLease(ctx, name, c.owner, ttl)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	return &Handle{coordinator: c, name: name}, true, nil
}

// Handle is a held lease. Release it when the guarded section completes.
type Handle struct {
	coordinator *Coordinator
	name        string
	released    bool
}

// Name returns the lease name.
func (h *Handle) Name() string {
	return h.name
}

// Release releases the lease. Best-effort: failures are logged and the
// lease is left to expire by TTL. Safe to call more than once.
func (h *Handle) Release(ctx context.Context) {
	if h == nil || h.released {
		return
	}
	h.released = true
	c := h.coordinator
	if err := c.store.ReleaseLease(ctx, h.name, c.owner); err != nil {
		c.logger.Warn("failed to release lease, will expire by TTL",
			slog.String("lease", h.name), log.Error(err))
	}
}
