package resources

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-units"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/ephemeral-agents/internal/options"
)

func TestComputeLimits(t *testing.T) {
	dynamic := options.LabelConfig{
		MaxCPUShares:              1024,
		MaxMemory:                 "1024m",
		DynamicResourceAllocation: true,
	}
	static := dynamic
	static.DynamicResourceAllocation = false

	tests := []struct {
		name string
		cfg  options.LabelConfig
		hint *Hint
		want Limits
	}{
		{"hint below ceiling", dynamic, &Hint{CPUShares: 256, Memory: 512 * units.MiB},
			Limits{CPUShares: 256, Memory: 512 * units.MiB}},
		{"no hint", dynamic, nil, Limits{CPUShares: 1024, Memory: 1024 * units.MiB}},
		{"hint above ceiling", dynamic, &Hint{CPUShares: 4096, Memory: 2048 * units.MiB},
			Limits{CPUShares: 1024, Memory: 1024 * units.MiB}},
		{"empty hint dimension", dynamic, &Hint{CPUShares: 0, Memory: 256 * units.MiB},
			Limits{CPUShares: 1024, Memory: 256 * units.MiB}},
		{"dynamic disabled", static, &Hint{CPUShares: 256, Memory: 512 * units.MiB},
			Limits{CPUShares: 1024, Memory: 1024 * units.MiB}},
		{"unlimited ceiling", options.LabelConfig{DynamicResourceAllocation: true},
			&Hint{CPUShares: 64, Memory: 64 * units.MiB}, Limits{CPUShares: 64, Memory: 64 * units.MiB}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ComputeLimits(tc.cfg, tc.hint)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestComputeLimitsNeverExceedsCeiling(t *testing.T) {
	cfg := options.LabelConfig{MaxCPUShares: 512, MaxMemory: "256m", DynamicResourceAllocation: true}
	for _, mem := range []int64{-1, 0, 1, 255 * units.MiB, 256 * units.MiB, 1 << 40} {
		for _, cpu := range []int64{-1, 0, 1, 511, 512, 1 << 20} {
			got, err := ComputeLimits(cfg, &Hint{CPUShares: cpu, Memory: mem})
			require.NoError(t, err)
			require.LessOrEqual(t, got.Memory, int64(256*units.MiB))
			require.LessOrEqual(t, got.CPUShares, int64(512))
			require.Positive(t, got.Memory)
			require.Positive(t, got.CPUShares)
		}
	}
}

func TestComputeLimitsInvalidMemory(t *testing.T) {
	_, err := ComputeLimits(options.LabelConfig{MaxMemory: "huge"}, nil)
	require.Error(t, err)
}

func TestNextHint(t *testing.T) {
	h := NextHint(Usage{
		PeakMemory: 100 * units.MiB,
		CPUTime:    30 * time.Second,
		Lifetime:   60 * time.Second,
	})
	require.Equal(t, int64(125*units.MiB), h.Memory)
	require.Equal(t, int64(640), h.CPUShares)

	h = NextHint(Usage{PeakMemory: 1, CPUTime: time.Millisecond, Lifetime: time.Hour})
	require.Equal(t, MinMemoryHint, h.Memory)
	require.Equal(t, MinCPUSharesHint, h.CPUShares)

	require.Equal(t, Hint{}, NextHint(Usage{}))
}

type recordingHistory struct {
	hints map[string]Hint
	reads int
}

func (r *recordingHistory) LastSuccessful(_ context.Context, job string) (*Hint, error) {
	r.reads++
	h, ok := r.hints[job]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (r *recordingHistory) Record(_ context.Context, job string, hint Hint) error {
	r.hints[job] = hint
	return nil
}

func TestHistoryCache(t *testing.T) {
	ctx := context.Background()
	backing := &recordingHistory{hints: map[string]Hint{"old": {Memory: 42}}}
	cache, err := NewHistoryCache(2, backing)
	require.NoError(t, err)

	h, err := cache.LastSuccessful(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, h)

	h, err = cache.LastSuccessful(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, int64(42), h.Memory)
	_, err = cache.LastSuccessful(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, 2, backing.reads, "second read should be served from the cache")

	require.NoError(t, cache.Record(ctx, "new", Hint{CPUShares: 8}))
	require.Equal(t, int64(8), backing.hints["new"].CPUShares)
	h, err = cache.LastSuccessful(ctx, "new")
	require.NoError(t, err)
	require.Equal(t, int64(8), h.CPUShares)

	_, err = NewHistoryCache(0, nil)
	require.Error(t, err)
}
