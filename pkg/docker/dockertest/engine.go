// Package dockertest provides an in-memory container engine for tests.
package dockertest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// Container is the fake engine's record of one container.
type Container struct {
	ID         string
	Name       string
	Config     dcontainer.Config
	HostConfig dcontainer.HostConfig
	Running    bool
	Paused     bool
	Node       string
	Created    time.Time
	StartedAt  time.Time
}

// Engine is an in-memory docker.Engine. Per-operation failures are injected through the Fail*
// fields; each is consulted with the container ID and a nil return means "behave normally".
type Engine struct {
	mu         sync.Mutex
	next       int
	containers map[string]*Container
	calls      []string

	// CreateStatus is the status reported when awaiting creation.
	CreateStatus int64
	// Node is the swarm node name reported by inspect; empty reports no node.
	Node string
	// Stats is returned by the one-shot stats call.
	Stats types.StatsJSON

	FailCreate  func(name string) error
	FailInspect func(id string) error
	FailStart   func(id string) error
	FailKill    func(id string) error
	FailUnpause func(id string) error
	FailRemove  func(id string) error
	FailStats   func(id string) error
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{containers: map[string]*Container{}}
}

// Calls returns the operations performed so far, as "op id" strings.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Count returns how many times op was called.
func (e *Engine) Count(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

// Get returns a copy of the container with the given ID.
func (e *Engine) Get(id string) (Container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Len returns the number of containers present.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.containers)
}

// Add inserts a container directly, as if created outside the code under test.
func (e *Engine) Add(c Container) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c.ID == "" {
		e.next++
		c.ID = fmt.Sprintf("c%04d", e.next)
	}
	if c.Created.IsZero() {
		c.Created = time.Now()
	}
	e.containers[c.ID] = &c
}

// Delete removes a container behind the caller's back.
func (e *Engine) Delete(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.containers, id)
}

// Pause marks the container paused.
func (e *Engine) Pause(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[id]; ok {
		c.Paused = true
	}
}

func (e *Engine) record(op, id string) {
	e.calls = append(e.calls, op+" "+id)
}

func notFound(id string) error {
	return errdefs.NotFound(errors.Errorf("No such container: %s", id))
}

func inject(f func(string) error, id string) error {
	if f == nil {
		return nil
	}
	return f(id)
}

// ContainerCreate implements docker.Engine.
func (e *Engine) ContainerCreate(
	_ context.Context,
	config *dcontainer.Config,
	hostConfig *dcontainer.HostConfig,
	_ *network.NetworkingConfig,
	_ *ocispec.Platform,
	name string,
) (dcontainer.CreateResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("create", name)
	if err := inject(e.FailCreate, name); err != nil {
		return dcontainer.CreateResponse{}, err
	}
	e.next++
	c := &Container{
		ID:      fmt.Sprintf("c%04d", e.next),
		Name:    name,
		Node:    e.Node,
		Created: time.Now(),
	}
	if config != nil {
		c.Config = *config
	}
	if hostConfig != nil {
		c.HostConfig = *hostConfig
	}
	e.containers[c.ID] = c
	return dcontainer.CreateResponse{ID: c.ID}, nil
}

// ContainerWait implements docker.Engine.
func (e *Engine) ContainerWait(
	_ context.Context, id string, _ dcontainer.WaitCondition,
) (<-chan dcontainer.WaitResponse, <-chan error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("wait", id)
	waiter := make(chan dcontainer.WaitResponse, 1)
	errs := make(chan error, 1)
	if _, ok := e.containers[id]; !ok {
		errs <- notFound(id)
		return waiter, errs
	}
	waiter <- dcontainer.WaitResponse{StatusCode: e.CreateStatus}
	return waiter, errs
}

// ContainerInspect implements docker.Engine.
func (e *Engine) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("inspect", id)
	if err := inject(e.FailInspect, id); err != nil {
		return types.ContainerJSON{}, err
	}
	c, ok := e.containers[id]
	if !ok {
		return types.ContainerJSON{}, notFound(id)
	}
	status := "created"
	switch {
	case c.Paused:
		status = "paused"
	case c.Running:
		status = "running"
	}
	info := types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:      c.ID,
			Name:    "/" + c.Name,
			Created: c.Created.Format(time.RFC3339Nano),
			State: &types.ContainerState{
				Status:  status,
				Running: c.Running,
				Paused:  c.Paused,
			},
		},
		Config: &dcontainer.Config{Hostname: c.ID, Labels: c.Config.Labels},
	}
	if !c.StartedAt.IsZero() {
		info.State.StartedAt = c.StartedAt.Format(time.RFC3339Nano)
	}
	if c.Node != "" {
		info.Node = &types.ContainerNode{Name: c.Node}
	}
	return info, nil
}

// ContainerStart implements docker.Engine.
func (e *Engine) ContainerStart(_ context.Context, id string, _ dcontainer.StartOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("start", id)
	if err := inject(e.FailStart, id); err != nil {
		return err
	}
	c, ok := e.containers[id]
	if !ok {
		return notFound(id)
	}
	c.Running = true
	c.StartedAt = time.Now()
	return nil
}

// ContainerKill implements docker.Engine.
func (e *Engine) ContainerKill(_ context.Context, id, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("kill", id)
	if err := inject(e.FailKill, id); err != nil {
		return err
	}
	c, ok := e.containers[id]
	if !ok {
		return notFound(id)
	}
	if !c.Running {
		return errdefs.Conflict(errors.Errorf("Container %s is not running", id))
	}
	c.Running = false
	return nil
}

// ContainerUnpause implements docker.Engine.
func (e *Engine) ContainerUnpause(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("unpause", id)
	if err := inject(e.FailUnpause, id); err != nil {
		return err
	}
	c, ok := e.containers[id]
	if !ok {
		return notFound(id)
	}
	c.Paused = false
	return nil
}

// ContainerRemove implements docker.Engine.
func (e *Engine) ContainerRemove(_ context.Context, id string, _ dcontainer.RemoveOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("remove", id)
	if err := inject(e.FailRemove, id); err != nil {
		return err
	}
	if _, ok := e.containers[id]; !ok {
		return notFound(id)
	}
	delete(e.containers, id)
	return nil
}

// ContainerStatsOneShot implements docker.Engine.
func (e *Engine) ContainerStatsOneShot(_ context.Context, id string) (types.ContainerStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("stats", id)
	if err := inject(e.FailStats, id); err != nil {
		return types.ContainerStats{}, err
	}
	if _, ok := e.containers[id]; !ok {
		return types.ContainerStats{}, notFound(id)
	}
	stats := e.Stats
	stats.ID = id
	bs, err := json.Marshal(stats)
	if err != nil {
		return types.ContainerStats{}, err
	}
	return types.ContainerStats{Body: io.NopCloser(bytes.NewReader(bs)), OSType: "linux"}, nil
}

// ContainerList implements docker.Engine. Only label filters are honored.
func (e *Engine) ContainerList(
	_ context.Context, options dcontainer.ListOptions,
) ([]types.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("list", "")
	var out []types.Container
	for _, c := range e.containers {
		if !options.All && !c.Running {
			continue
		}
		if !matchesLabels(options, c.Config.Labels) {
			continue
		}
		state := "created"
		if c.Running {
			state = "running"
		}
		out = append(out, types.Container{
			ID:      c.ID,
			Names:   []string{"/" + c.Name},
			Labels:  c.Config.Labels,
			State:   state,
			Created: c.Created.Unix(),
		})
	}
	return out, nil
}

func matchesLabels(options dcontainer.ListOptions, labels map[string]string) bool {
	for _, l := range options.Filters.Get("label") {
		key, val, hasVal := strings.Cut(l, "=")
		got, ok := labels[key]
		if !ok || (hasVal && got != val) {
			return false
		}
	}
	return true
}

