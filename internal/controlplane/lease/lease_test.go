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

package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-dev/helmsman/internal/store/memory"
)

func TestTryAcquireExcludesOtherOwners(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	a := NewCoordinator(st, nil)
	b := NewCoordinator(st, nil)
	require.NotEqual(t, a.Owner(), b.Owner())

	handle, acquired, err := a.TryAcquire(ctx, "cron-scheduler", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = b.TryAcquire(ctx, "cron-scheduler", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "a live lease excludes other owners")

	handle.Release(ctx)

	_, acquired, err = b.TryAcquire(ctx, "cron-scheduler", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "released lease is free")
}

func TestTryAcquireReentrantForSameOwner(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	c := NewCoordinator(st, nil)

	_, acquired, err := c.TryAcquire(ctx, "tick", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = c.TryAcquire(ctx, "tick", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "the holder may reacquire to extend")
}

func TestLeaseExpiresByTTL(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	a := NewCoordinator(st, nil)
	b := NewCoordinator(st, nil)

	_, acquired, err := a.TryAcquire(ctx, "tick", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	st.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })

	_, acquired, err = b.TryAcquire(ctx, "tick", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "expired lease is up for grabs")
}

func TestDistinctLeaseNamesAreIndependent(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	a := NewCoordinator(st, nil)
	b := NewCoordinator(st, nil)

	_, acquired, err := a.TryAcquire(ctx, "cron-scheduler", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = b.TryAcquire(ctx, "automation-scheduler", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestHandleReleaseIsIdempotent(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	a := NewCoordinator(st, nil)
	b := NewCoordinator(st, nil)

	handle, acquired, err := a.TryAcquire(ctx, "tick", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	handle.Release(ctx)

	// b now holds the lease; a's second release must not steal it back.
	_, acquired, err = b.TryAcquire(ctx, "tick", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	handle.Release(ctx)

	_, acquired, err = a.TryAcquire(ctx, "tick", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)
}
