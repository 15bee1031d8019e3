// Package metadata holds the provisioning metadata attached to each build: what the agent was
// given, where it ran and how the launch went.
package metadata

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"

	"github.com/determined-ai/ephemeral-agents/internal/resources"
	"github.com/determined-ai/ephemeral-agents/pkg/docker"
)

// Outcome is how the build served by an agent finished.
type Outcome string

// Outcomes.
const (
	OutcomeNone    Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Stats is a single sample of a container's resource usage.
type Stats struct {
	Read           time.Time `json:"read"`
	StartedAt      time.Time `json:"started_at"`
	MemoryUsage    uint64    `json:"memory_usage"`
	MemoryMaxUsage uint64    `json:"memory_max_usage"`
	MemoryLimit    uint64    `json:"memory_limit"`
	CPUTotalUsage  uint64    `json:"cpu_total_usage"`
	OnlineCPUs     uint32    `json:"online_cpus"`
}

// Usage converts the sample into what the container consumed over its life so far.
func (s Stats) Usage() resources.Usage {
	u := resources.Usage{
		PeakMemory: max(s.MemoryMaxUsage, s.MemoryUsage),
		CPUTime:    time.Duration(s.CPUTotalUsage),
	}
	if !s.StartedAt.IsZero() && s.Read.After(s.StartedAt) {
		u.Lifetime = s.Read.Sub(s.StartedAt)
	}
	return u
}

// Snapshot is a point-in-time copy of a build's provisioning metadata.
type Snapshot struct {
	bun.BaseModel `bun:"table:provisioning_metadata" json:"-"`

	BuildID string `bun:"build_id,pk" json:"build_id"`
	JobName string `bun:"job_name,notnull" json:"job_name"`
	Label   string `bun:"label" json:"label"`

	InProgress    bool       `bun:"in_progress,notnull" json:"in_progress"`
	LaunchStarted *time.Time `bun:"launch_started" json:"launch_started,omitempty"`
	Provisioned   *time.Time `bun:"provisioned" json:"provisioned,omitempty"`
	Finished      *time.Time `bun:"finished" json:"finished,omitempty"`
	Attempts      int        `bun:"attempts,notnull" json:"attempts"`

	CPUShares int64 `bun:"cpu_shares,notnull" json:"cpu_shares"`
	Memory    int64 `bun:"memory,notnull" json:"memory"`

	NextCPUShares int64 `bun:"next_cpu_shares,notnull" json:"next_cpu_shares"`
	NextMemory    int64 `bun:"next_memory,notnull" json:"next_memory"`

	ContainerID    string `bun:"container_id" json:"container_id,omitempty"`
	Node           string `bun:"node" json:"node,omitempty"`
	ContainerState string `bun:"container_state" json:"container_state,omitempty"`
	CacheVolume    string `bun:"cache_volume" json:"cache_volume,omitempty"`
	Image          string `bun:"image" json:"image,omitempty"`

	Stats   *Stats  `bun:"stats,type:jsonb" json:"stats,omitempty"`
	Outcome Outcome `bun:"outcome" json:"outcome,omitempty"`
}

// Info is the live, mutable provisioning metadata of one build. It is shared between the
// scheduler, the launch and the agent serving the build, so every access goes through its lock.
type Info struct {
	mu sync.Mutex
	s  Snapshot
	// agent holds the build while it provisions or serves it. It is process state and is never
	// persisted.
	agent string
}

// NewInfo returns metadata for a build that has none yet.
func NewInfo(buildID, jobName, label string) *Info {
	return &Info{s: Snapshot{BuildID: buildID, JobName: jobName, Label: label}}
}

func fromSnapshot(s Snapshot) *Info {
	return &Info{s: s}
}

// BuildID returns the build the metadata belongs to.
func (i *Info) BuildID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.s.BuildID
}

// Snapshot returns a copy of the metadata.
func (i *Info) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := i.s
	if i.s.Stats != nil {
		stats := *i.s.Stats
		s.Stats = &stats
	}
	return s
}

// Update applies f to the metadata under its lock.
func (i *Info) Update(f func(s *Snapshot)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	f(&i.s)
}

func (i *Info) claim(agent string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.agent != "" {
		return errors.Wrapf(ErrClaimed, "build %s is held by %s", i.s.BuildID, i.agent)
	}
	i.agent = agent
	i.s.InProgress = true
	return nil
}

// Release gives up agent's hold on the build. A hold by another agent is left alone.
func (i *Info) Release(agent string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.agent == agent {
		i.agent = ""
	}
}

// Agent returns the agent holding the build, if any.
func (i *Info) Agent() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.agent
}

// InProgress reports whether a launch is currently in flight.
func (i *Info) InProgress() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.s.InProgress
}

// SetInProgress marks a launch as in flight or finished.
func (i *Info) SetInProgress(inProgress bool) {
	i.Update(func(s *Snapshot) { s.InProgress = inProgress })
}

// LaunchStarted records the start of a launch for the given label.
func (i *Info) LaunchStarted(label string, at time.Time) {
	i.Update(func(s *Snapshot) {
		s.Label = label
		s.InProgress = true
		s.LaunchStarted = &at
	})
}

// Attempts returns the number of failed launch attempts.
func (i *Info) Attempts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.s.Attempts
}

// IncrementAttempts counts one more failed launch.
func (i *Info) IncrementAttempts() {
	i.Update(func(s *Snapshot) { s.Attempts++ })
}

// SetAllocation records what the container was created with.
func (i *Info) SetAllocation(l resources.Limits, cacheVolume string) {
	i.Update(func(s *Snapshot) {
		s.CPUShares = l.CPUShares
		s.Memory = l.Memory
		s.CacheVolume = cacheVolume
	})
}

// SetContainer records where the container was placed.
func (i *Info) SetContainer(h docker.Handle) {
	i.Update(func(s *Snapshot) {
		s.ContainerID = h.ID
		s.Node = h.Node
		s.ContainerState = h.State
	})
}

// SetProvisioned records that the container started.
func (i *Info) SetProvisioned(at time.Time, image string) {
	i.Update(func(s *Snapshot) {
		s.Provisioned = &at
		s.Image = image
	})
}

// SetStats records the latest stats sample.
func (i *Info) SetStats(stats Stats) {
	i.Update(func(s *Snapshot) { s.Stats = &stats })
}

// Stats returns the latest stats sample, if any.
func (i *Info) Stats() *Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.s.Stats == nil {
		return nil
	}
	stats := *i.s.Stats
	return &stats
}

// Finish records the outcome of the build and the hint for the next run of its job.
func (i *Info) Finish(outcome Outcome, hint resources.Hint, at time.Time) {
	i.Update(func(s *Snapshot) {
		s.Outcome = outcome
		s.NextCPUShares = hint.CPUShares
		s.NextMemory = hint.Memory
		s.Finished = &at
	})
}
