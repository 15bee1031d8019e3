package provision

import (
	"context"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/ephemeral-agents/internal/build"
	"github.com/determined-ai/ephemeral-agents/internal/metadata"
	"github.com/determined-ai/ephemeral-agents/internal/resources"
	"github.com/determined-ai/ephemeral-agents/pkg/syncx/workpool"
)

// Computer is the live handle of one agent: its container, its single execution slot and its
// connection.
type Computer struct {
	name   string
	record *Record
	nodes  *NodeRegistry
	log    *logrus.Entry
	slot   build.Slot

	mu          sync.Mutex
	state       State
	containerID string
	node        string
	accepting   bool
	deleting    bool
	channel     Channel
	outcome     metadata.Outcome

	// launched is closed once the launch has returned.
	launched   chan struct{}
	closeOnce  sync.Once
	deleteOnce sync.Once
	cleanup    *workpool.Task
}

func newComputer(rec *Record, nodes *NodeRegistry) *Computer {
	return &Computer{
		name:   rec.Name(),
		record: rec,
		nodes:  nodes,
		log: nodes.log.WithFields(logrus.Fields{
			"agent":    rec.Name(),
			"build-id": rec.Request.ID,
		}),
		state:    StateCreated,
		launched: make(chan struct{}),
	}
}

// Name returns the node name of the agent.
func (c *Computer) Name() string { return c.name }

// Record returns the record the agent was provisioned for.
func (c *Computer) Record() *Record { return c.record }

// NumSlots is always one: an agent runs a single build.
func (c *Computer) NumSlots() int { return 1 }

// CurrentTask returns the task running in the agent's slot, if any.
func (c *Computer) CurrentTask() *build.Task { return c.slot.Current() }

// MonitorData returns no monitoring data; agents do not live long enough to need it.
func (c *Computer) MonitorData() map[string]interface{} {
	return map[string]interface{}{}
}

// State returns the launch state.
func (c *Computer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Computer) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Tracef("transitioning from %s to %s", c.state, s)
	c.state = s
}

// ContainerID returns the agent's container, empty until created.
func (c *Computer) ContainerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.containerID
}

func (c *Computer) setContainerID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.containerID = id
}

// Node returns the host the container was placed on.
func (c *Computer) Node() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node
}

func (c *Computer) setNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.node = node
}

// IsAccepting reports whether new work may be routed to the agent.
func (c *Computer) IsAccepting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepting
}

// acceptWork opens the agent to work unless it was deleted in the meantime.
func (c *Computer) acceptWork() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleting {
		return false
	}
	c.accepting = true
	return true
}

// SetChannel attaches the agent's connection. When it closes, the agent is deleted.
func (c *Computer) SetChannel(ch Channel) {
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()

	ch.OnClose(func(err error) {
		c.closeOnce.Do(func() {
			c.log.WithError(err).Info("agent disconnected")
			c.Delete()
		})
	})
}

func (c *Computer) takeChannel() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.channel
	c.channel = nil
	return ch
}

// startTask occupies the slot with the build the agent was provisioned for.
func (c *Computer) startTask() {
	c.slot.Assign(&build.Task{BuildID: c.record.Request.ID, Metadata: c.record.Metadata})
}

// TaskCompleted records how the agent's build finished and deletes the agent.
func (c *Computer) TaskCompleted(success bool) *workpool.Task {
	c.mu.Lock()
	if success {
		c.outcome = metadata.OutcomeSuccess
	} else {
		c.outcome = metadata.OutcomeFailure
	}
	c.mu.Unlock()
	return c.Delete()
}

// Delete stops routing work to the agent and then, in the background, tears down its container,
// closes its connection and deregisters it. A launch in progress is not interrupted: cleanup
// starts once it has returned. Later calls return the same cleanup task.
func (c *Computer) Delete() *workpool.Task {
	c.mu.Lock()
	c.accepting = false
	c.deleting = true
	c.mu.Unlock()

	c.deleteOnce.Do(func() {
		c.cleanup = c.nodes.pool.Submit("cleanup "+c.name, c.runCleanup)
	})
	return c.cleanup
}

func (c *Computer) runCleanup(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	<-c.launched

	err := c.nodes.teardown.Teardown(ctx, c.ContainerID(), c.gatherStats)
	if err != nil {
		c.log.WithError(err).Warn("errors while tearing down agent container")
	}

	c.finishTask(ctx)

	if ch := c.takeChannel(); ch != nil {
		if err := ch.Close(); err != nil {
			c.log.WithError(err).Debug("error closing agent channel")
		}
	}

	c.nodes.Deregister(c.name)
	if md := c.record.Metadata; md != nil {
		md.Release(c.name)
	}
	c.setState(StateCleaned)
	c.log.Info("agent cleaned up")
	return nil
}

// gatherStats samples the container's usage into the metadata of the build it is running. Agents
// without a running build, or whose build carries no metadata, are skipped.
func (c *Computer) gatherStats(ctx context.Context, info types.ContainerJSON) error {
	task := c.slot.Current()
	if task == nil {
		return nil
	}
	md, ok := task.Metadata.(*metadata.Info)
	if !ok || md == nil {
		return nil
	}

	stats, err := c.nodes.client.ContainerStats(ctx, info.ID)
	if err != nil {
		return err
	}
	sample := metadata.Stats{
		Read:           stats.Read,
		MemoryUsage:    stats.MemoryStats.Usage,
		MemoryMaxUsage: stats.MemoryStats.MaxUsage,
		MemoryLimit:    stats.MemoryStats.Limit,
		CPUTotalUsage:  stats.CPUStats.CPUUsage.TotalUsage,
		OnlineCPUs:     stats.CPUStats.OnlineCPUs,
	}
	if info.State != nil {
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			sample.StartedAt = started
		}
	}
	md.SetStats(sample)
	return c.nodes.store.Save(ctx, md)
}

// finishTask frees the slot and records the build's outcome together with the allocation hint
// for the next run of its job.
func (c *Computer) finishTask(ctx context.Context) {
	task := c.slot.Release()
	if task == nil {
		return
	}
	md, ok := task.Metadata.(*metadata.Info)
	if !ok || md == nil {
		return
	}

	c.mu.Lock()
	outcome := c.outcome
	c.mu.Unlock()
	if outcome == metadata.OutcomeNone {
		outcome = metadata.OutcomeFailure
	}

	var hint resources.Hint
	if stats := md.Stats(); stats != nil {
		hint = resources.NextHint(stats.Usage())
	}
	md.Finish(outcome, hint, c.nodes.clock.Now())

	if outcome == metadata.OutcomeSuccess && hint != (resources.Hint{}) && c.nodes.history != nil {
		if err := c.nodes.history.Record(ctx, c.record.Request.JobName, hint); err != nil {
			c.log.WithError(err).Warn("unable to record resource history")
		}
	}
	if err := c.nodes.store.Save(ctx, md); err != nil {
		c.log.WithError(err).Error("unable to save provisioning metadata")
	}
}
