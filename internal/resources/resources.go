// Package resources decides the CPU and memory a new agent container is given, optionally
// shrinking the per-label ceiling to what previous runs of the same job actually used.
package resources

import (
	"math/big"
	"time"

	"github.com/docker/go-units"
	"github.com/shopspring/decimal"

	"github.com/determined-ai/ephemeral-agents/internal/options"
)

var headroom = decimal.RequireFromString("1.25")

const (
	// MinMemoryHint is the smallest memory hint ever suggested, the engine refuses less.
	MinMemoryHint int64 = 6 * units.MiB
	// MinCPUSharesHint is the smallest CPU shares hint ever suggested.
	MinCPUSharesHint int64 = 2
	// defaultCPUShares is the weight of one fully used core.
	defaultCPUShares = 1024
)

// Hint is a suggested allocation for the next run of a job. A dimension <= 0 carries no
// suggestion.
type Hint struct {
	CPUShares int64 `json:"cpu_shares"`
	Memory    int64 `json:"memory"`
}

// Limits is the allocation a container is created with. Zero means unlimited to the engine.
type Limits struct {
	CPUShares int64 `json:"cpu_shares"`
	Memory    int64 `json:"memory"`
}

// ComputeLimits returns the allocation for a container of the given label. With dynamic
// allocation disabled, or without a hint, it is exactly the configured ceiling; otherwise each
// dimension is the smaller of ceiling and hint. The result never exceeds a positive ceiling.
func ComputeLimits(cfg options.LabelConfig, hint *Hint) (Limits, error) {
	maxMemory, err := cfg.MaxMemoryBytes()
	if err != nil {
		return Limits{}, err
	}
	ceiling := Limits{CPUShares: cfg.MaxCPUShares, Memory: maxMemory}
	if !cfg.DynamicResourceAllocation || hint == nil {
		return ceiling, nil
	}
	return Limits{
		CPUShares: bounded(ceiling.CPUShares, hint.CPUShares),
		Memory:    bounded(ceiling.Memory, hint.Memory),
	}, nil
}

func bounded(ceiling, hint int64) int64 {
	switch {
	case hint <= 0:
		return ceiling
	case ceiling <= 0:
		return hint
	case hint < ceiling:
		return hint
	default:
		return ceiling
	}
}

// Usage is what a finished container consumed.
type Usage struct {
	PeakMemory uint64
	// CPUTime is the total CPU time consumed across all cores.
	CPUTime  time.Duration
	Lifetime time.Duration
}

// NextHint derives the allocation suggested for the next run from a run's usage: a quarter more
// than the peak memory rounded up to a MiB, and a quarter more than the average number of cores
// used, expressed in CPU shares.
func NextHint(u Usage) Hint {
	var h Hint
	if u.PeakMemory > 0 {
		mib := decimal.NewFromInt(units.MiB)
		mem := decimal.NewFromBigInt(new(big.Int).SetUint64(u.PeakMemory), 0).
			Mul(headroom).Div(mib).Ceil().Mul(mib)
		h.Memory = max(mem.IntPart(), MinMemoryHint)
	}
	if u.Lifetime > 0 && u.CPUTime > 0 {
		cores := decimal.NewFromInt(int64(u.CPUTime)).Div(decimal.NewFromInt(int64(u.Lifetime)))
		shares := cores.Mul(decimal.NewFromInt(defaultCPUShares)).Mul(headroom).Ceil()
		h.CPUShares = max(shares.IntPart(), MinCPUSharesHint)
	}
	return h
}
