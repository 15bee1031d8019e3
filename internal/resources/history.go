package resources

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// History remembers the hints produced by successful runs of each job.
type History interface {
	// LastSuccessful returns the hint recorded by the latest successful run of job, or nil.
	LastSuccessful(ctx context.Context, job string) (*Hint, error)
	// Record stores the hint of a successful run of job.
	Record(ctx context.Context, job string, hint Hint) error
}

// HistoryCache is a bounded History kept in memory, optionally reading through to and writing
// through to a durable History.
type HistoryCache struct {
	cache   *lru.Cache[string, Hint]
	backing History
}

// NewHistoryCache returns a cache holding at most size jobs. backing may be nil.
func NewHistoryCache(size int, backing History) (*HistoryCache, error) {
	cache, err := lru.New[string, Hint](size)
	if err != nil {
		return nil, errors.Wrap(err, "creating history cache")
	}
	return &HistoryCache{cache: cache, backing: backing}, nil
}

// LastSuccessful implements History.
func (h *HistoryCache) LastSuccessful(ctx context.Context, job string) (*Hint, error) {
	if hint, ok := h.cache.Get(job); ok {
		return &hint, nil
	}
	if h.backing == nil {
		return nil, nil
	}
	hint, err := h.backing.LastSuccessful(ctx, job)
	if err != nil || hint == nil {
		return nil, err
	}
	h.cache.Add(job, *hint)
	return hint, nil
}

// Record implements History.
func (h *HistoryCache) Record(ctx context.Context, job string, hint Hint) error {
	h.cache.Add(job, hint)
	if h.backing == nil {
		return nil
	}
	return h.backing.Record(ctx, job, hint)
}
