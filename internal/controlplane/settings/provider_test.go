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

package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-dev/helmsman/internal/store"
)

type settingsStoreFunc func(ctx context.Context) (*store.Settings, error)

func (f settingsStoreFunc) GetSettings(ctx context.Context) (*store.Settings, error) { return f(ctx) }
func (f settingsStoreFunc) SaveSettings(ctx context.Context, s *store.Settings) error {
	return nil
}

func TestProjectDefaults(t *testing.T) {
	rt := Project(nil)

	assert.Equal(t, 20*time.Second, rt.SchedulerInterval)
	assert.Equal(t, 16, rt.MaxGlobalConcurrentRuns)
	assert.Equal(t, 8, rt.PerProjectConcurrency)
	assert.Equal(t, 4, rt.PerRepoConcurrency)
	assert.Equal(t, 8, rt.MaxWorkers)
	assert.Equal(t, 1000, rt.MaxQueueDepth)
	assert.Equal(t, 300*time.Second, rt.QueueWaitTimeout)
	assert.Equal(t, time.Hour, rt.RunHardTimeout)
	assert.Equal(t, time.Minute, rt.CheckInterval)
	assert.Equal(t, 30*time.Minute, rt.StaleRunThreshold)
	assert.Equal(t, 120*time.Minute, rt.ZombieRunThreshold)
	assert.Equal(t, 24*time.Hour, rt.MaxRunAge)
}

func TestProjectClamps(t *testing.T) {
	rt := Project(&store.Settings{
		SchedulerIntervalSeconds: 1,
		MaxWorkers:               10000,
		ReserveWorkers:           500,
		MaxQueueDepth:            -3,
		QueueWaitTimeoutSeconds:  1,
		CanaryPercent:            250,
		RunHardTimeoutSeconds:    5,
		CheckIntervalSeconds:     3,
	})

	assert.Equal(t, 2*time.Second, rt.SchedulerInterval, "interval floor is 2s")
	assert.Equal(t, 256, rt.MaxWorkers)
	assert.Equal(t, 128, rt.ReserveWorkers)
	assert.Equal(t, 1000, rt.MaxQueueDepth, "non-positive falls back to default")
	assert.Equal(t, 5*time.Second, rt.QueueWaitTimeout)
	assert.Equal(t, 100, rt.CanaryPercent)
	assert.Equal(t, 30*time.Second, rt.RunHardTimeout)
	assert.Equal(t, 10*time.Second, rt.CheckInterval)
}

func TestProjectReserveNeverExceedsMax(t *testing.T) {
	rt := Project(&store.Settings{MaxWorkers: 4, ReserveWorkers: 10, MinWorkers: 9})
	assert.Equal(t, 4, rt.ReserveWorkers)
	assert.Equal(t, 4, rt.MinWorkers)
}

func TestProviderCachesForTTL(t *testing.T) {
	calls := 0
	p := NewProvider(settingsStoreFunc(func(ctx context.Context) (*store.Settings, error) {
		calls++
		return &store.Settings{MaxGlobalConcurrentRuns: 5}, nil
	}))
	now := time.Now()
	p.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		rt, err := p.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5, rt.MaxGlobalConcurrentRuns)
	}
	assert.Equal(t, 1, calls, "reads within the TTL hit the cache")

	now = now.Add(cacheTTL + time.Second)
	_, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestProviderInvalidateForcesReload(t *testing.T) {
	calls := 0
	p := NewProvider(settingsStoreFunc(func(ctx context.Context) (*store.Settings, error) {
		calls++
		return &store.Settings{}, nil
	}))

	_, err := p.Get(context.Background())
	require.NoError(t, err)
	p.Invalidate()
	_, err = p.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestProviderServesStaleOnError(t *testing.T) {
	fail := false
	p := NewProvider(settingsStoreFunc(func(ctx context.Context) (*store.Settings, error) {
		if fail {
			return nil, errors.New("store down")
		}
		return &store.Settings{MaxGlobalConcurrentRuns: 7}, nil
	}))
	now := time.Now()
	p.now = func() time.Time { return now }

	rt, err := p.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, rt.MaxGlobalConcurrentRuns)

	fail = true
	now = now.Add(cacheTTL + time.Second)
	rt, err = p.Get(context.Background())
	require.NoError(t, err, "stale projection serves through store outages")
	assert.Equal(t, 7, rt.MaxGlobalConcurrentRuns)
}
