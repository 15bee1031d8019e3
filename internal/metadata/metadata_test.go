package metadata

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-units"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/ephemeral-agents/internal/build"
	"github.com/determined-ai/ephemeral-agents/internal/resources"
	"github.com/determined-ai/ephemeral-agents/pkg/docker"
)

func TestMemoryStoreAttachIsGetOrCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	req := build.Request{ID: "b-1", JobName: "job/main", Label: "docker"}

	_, err := store.Get(ctx, req.ID)
	require.ErrorIs(t, err, ErrNotFound)

	first, err := store.Attach(ctx, req)
	require.NoError(t, err)
	first.IncrementAttempts()

	second, err := store.Attach(ctx, req)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, second.Attempts())

	got, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Same(t, first, got)
}

func TestMemoryStoreClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	req := build.Request{ID: "b-1", JobName: "job", Label: "docker"}

	const claimers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			_, err := store.Claim(ctx, req, agent)
			if err != nil {
				assert.ErrorIs(t, err, ErrClaimed)
				return
			}
			mu.Lock()
			winners = append(winners, agent)
			mu.Unlock()
		}(fmt.Sprintf("agent-%d", i))
	}
	wg.Wait()
	require.Len(t, winners, 1)

	info, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, info.InProgress())
	require.Equal(t, winners[0], info.Agent())

	// Only the holder can release the build.
	info.Release("someone-else")
	_, err = store.Claim(ctx, req, "agent-late")
	require.ErrorIs(t, err, ErrClaimed)
	require.Contains(t, err.Error(), winners[0])

	info.Release(winners[0])
	again, err := store.Claim(ctx, req, "agent-late")
	require.NoError(t, err)
	require.Same(t, info, again)
}

func TestMemoryStoreSaveAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, id := range []string{"b", "a"} {
		info, err := store.Attach(ctx, build.Request{ID: id, JobName: "job"})
		require.NoError(t, err)
		info.SetInProgress(true)
		require.NoError(t, store.Save(ctx, info))
	}

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].BuildID)
	require.True(t, list[0].InProgress)

	// Saved snapshots do not follow later changes until saved again.
	info, err := store.Get(ctx, "a")
	require.NoError(t, err)
	info.SetInProgress(false)
	saved, ok := store.Saved("a")
	require.True(t, ok)
	require.True(t, saved.InProgress)
}

func TestInfoSnapshotIsACopy(t *testing.T) {
	info := NewInfo("b-1", "job", "docker")
	info.SetStats(Stats{MemoryUsage: 10})

	s := info.Snapshot()
	s.Stats.MemoryUsage = 20
	s.Attempts = 7

	require.Equal(t, uint64(10), info.Stats().MemoryUsage)
	require.Equal(t, 0, info.Attempts())
}

func TestInfoSetters(t *testing.T) {
	info := NewInfo("b-1", "job", "")
	now := time.Now()

	info.LaunchStarted("123", now)
	info.SetAllocation(resources.Limits{CPUShares: 512, Memory: 256 * units.MiB}, "job-agent-123")
	info.SetContainer(docker.Handle{ID: "c1", Node: "node-1", State: "created"})
	info.SetProvisioned(now, "builder:latest")
	info.Finish(OutcomeSuccess, resources.Hint{CPUShares: 64, Memory: 32 * units.MiB}, now)

	s := info.Snapshot()
	require.Equal(t, "123", s.Label)
	require.True(t, s.InProgress)
	require.Equal(t, int64(512), s.CPUShares)
	require.Equal(t, "job-agent-123", s.CacheVolume)
	require.Equal(t, "node-1", s.Node)
	require.Equal(t, "builder:latest", s.Image)
	require.Equal(t, OutcomeSuccess, s.Outcome)
	require.Equal(t, int64(32*units.MiB), s.NextMemory)
	require.NotNil(t, s.Finished)
}

func TestInfoRestoresFromSnapshot(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	info := NewInfo("b-1", "job", "")
	info.LaunchStarted("123", now)
	info.IncrementAttempts()
	info.SetStats(Stats{Read: now, MemoryMaxUsage: 80, OnlineCPUs: 4})
	info.Finish(OutcomeFailure, resources.Hint{}, now)

	want := info.Snapshot()
	if diff := cmp.Diff(want, fromSnapshot(want).Snapshot()); diff != "" {
		t.Errorf("restored snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestInfoConcurrentUpdates(t *testing.T) {
	info := NewInfo("b-1", "job", "")
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info.IncrementAttempts()
			_ = info.Snapshot()
		}()
	}
	wg.Wait()
	require.Equal(t, 100, info.Attempts())
}

func TestStatsUsage(t *testing.T) {
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	u := Stats{
		StartedAt:      started,
		Read:           started.Add(time.Minute),
		MemoryUsage:    50,
		MemoryMaxUsage: 80,
		CPUTotalUsage:  uint64(30 * time.Second),
	}.Usage()
	require.Equal(t, uint64(80), u.PeakMemory)
	require.Equal(t, time.Minute, u.Lifetime)
	require.Equal(t, 30*time.Second, u.CPUTime)

	// cgroup v2 engines report no max usage.
	u = Stats{MemoryUsage: 50}.Usage()
	require.Equal(t, uint64(50), u.PeakMemory)
	require.Zero(t, u.Lifetime)
}
