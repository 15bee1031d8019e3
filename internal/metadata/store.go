package metadata

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/determined-ai/ephemeral-agents/internal/build"
)

var (
	// ErrNotFound is returned when a build has no provisioning metadata.
	ErrNotFound = errors.New("provisioning metadata not found")
	// ErrClaimed is returned when claiming a build that an agent already holds.
	ErrClaimed = errors.New("build already has an agent")
)

// Store attaches metadata to builds and persists it.
type Store interface {
	// Attach returns the build's metadata, creating it if it has none. Metadata is never
	// removed, so repeated calls for one build return the same Info.
	Attach(ctx context.Context, req build.Request) (*Info, error)
	// Claim attaches the build's metadata and reserves the build for agent, marking it in
	// progress. It fails with ErrClaimed while another agent holds the build; the holder
	// releases it through Info.Release.
	Claim(ctx context.Context, req build.Request, agent string) (*Info, error)
	// Get returns the build's metadata or ErrNotFound.
	Get(ctx context.Context, buildID string) (*Info, error)
	// Save persists the current state of the metadata.
	Save(ctx context.Context, info *Info) error
	// List returns the persisted metadata of every build.
	List(ctx context.Context) ([]Snapshot, error)
}

// MemoryStore is a Store that keeps everything in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	infos map[string]*Info
	saved map[string]Snapshot
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{infos: map[string]*Info{}, saved: map[string]Snapshot{}}
}

// Attach implements Store.
func (m *MemoryStore) Attach(_ context.Context, req build.Request) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attach(req), nil
}

// Claim implements Store.
func (m *MemoryStore) Claim(_ context.Context, req build.Request, agent string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.attach(req)
	if err := info.claim(agent); err != nil {
		return nil, err
	}
	return info, nil
}

func (m *MemoryStore) attach(req build.Request) *Info {
	if info, ok := m.infos[req.ID]; ok {
		return info
	}
	info := NewInfo(req.ID, req.JobName, req.Label)
	m.infos[req.ID] = info
	return info
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, buildID string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[buildID]
	if !ok {
		return nil, ErrNotFound
	}
	return info, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, info *Info) error {
	s := info.Snapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[s.BuildID] = s
	return nil
}

// Saved returns the last saved snapshot of a build.
func (m *MemoryStore) Saved(buildID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.saved[buildID]
	return s, ok
}

// List implements Store.
func (m *MemoryStore) List(context.Context) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.saved))
	for _, s := range m.saved {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BuildID < out[j].BuildID })
	return out, nil
}
