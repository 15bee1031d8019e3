package provision

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/determined-ai/ephemeral-agents/internal/metadata"
	"github.com/determined-ai/ephemeral-agents/internal/prom"
	"github.com/determined-ai/ephemeral-agents/internal/resources"
	"github.com/determined-ai/ephemeral-agents/internal/teardown"
	"github.com/determined-ai/ephemeral-agents/pkg/docker"
	"github.com/determined-ai/ephemeral-agents/pkg/syncx/workpool"
)

// Registry makes agents known to the build queue.
type Registry interface {
	// Register adds the agent for rec and launches it. It returns once the launch finished.
	Register(ctx context.Context, rec *Record) error
}

// NodeRegistry is the set of live agents. Registering an agent launches it.
type NodeRegistry struct {
	launcher *Launcher
	teardown *teardown.Engine
	client   *docker.Client
	store    metadata.Store
	history  resources.History
	pool     *workpool.Pool
	clock    clockwork.Clock
	log      *logrus.Entry

	mu    sync.Mutex
	nodes map[string]*Computer
}

// NewNodeRegistry returns an empty registry. Launches and cleanups run on pool.
func NewNodeRegistry(
	launcher *Launcher,
	teardown *teardown.Engine,
	client *docker.Client,
	store metadata.Store,
	history resources.History,
	pool *workpool.Pool,
	clock clockwork.Clock,
) *NodeRegistry {
	return &NodeRegistry{
		launcher: launcher,
		teardown: teardown,
		client:   client,
		store:    store,
		history:  history,
		pool:     pool,
		clock:    clock,
		log:      logrus.WithField("component", "node-registry"),
		nodes:    map[string]*Computer{},
	}
}

// Register implements Registry.
func (r *NodeRegistry) Register(ctx context.Context, rec *Record) error {
	c := newComputer(rec, r)

	r.mu.Lock()
	if _, ok := r.nodes[c.name]; ok {
		r.mu.Unlock()
		return errors.Errorf("agent %s is already registered", c.name)
	}
	r.nodes[c.name] = c
	r.mu.Unlock()
	prom.Agents.Inc()
	r.log.WithField("agent", c.name).Debug("registered agent")

	return r.launcher.Launch(ctx, c)
}

// Deregister forgets the named agent. Unknown names are ignored.
func (r *NodeRegistry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[name]; !ok {
		return
	}
	delete(r.nodes, name)
	prom.Agents.Dec()
	r.log.WithField("agent", name).Debug("deregistered agent")
}

// Get returns the named agent.
func (r *NodeRegistry) Get(name string) (*Computer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.nodes[name]
	return c, ok
}

// Registered reports whether the named agent is registered.
func (r *NodeRegistry) Registered(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns the registered agents ordered by name.
func (r *NodeRegistry) List() []*Computer {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := maps.Keys(r.nodes)
	slices.Sort(names)
	out := make([]*Computer, 0, len(names))
	for _, name := range names {
		out = append(out, r.nodes[name])
	}
	return out
}
