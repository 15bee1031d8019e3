package provision

import (
	"context"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/ephemeral-agents/internal/metadata"
	"github.com/determined-ai/ephemeral-agents/internal/prom"
	"github.com/determined-ai/ephemeral-agents/internal/resources"
	"github.com/determined-ai/ephemeral-agents/pkg/docker"
)

// Launcher drives an agent's container from creation until its connector is connected.
type Launcher struct {
	client    *docker.Client
	store     metadata.Store
	history   resources.History
	connector Connector
	clock     clockwork.Clock
	log       *logrus.Entry
}

// NewLauncher returns a Launcher. history may be nil, in which case agents always get the full
// label ceiling.
func NewLauncher(
	client *docker.Client,
	store metadata.Store,
	history resources.History,
	connector Connector,
	clock clockwork.Clock,
) *Launcher {
	return &Launcher{
		client:    client,
		store:     store,
		history:   history,
		connector: connector,
		clock:     clock,
		log:       logrus.WithField("component", "launcher"),
	}
}

// Launch creates, starts and connects the computer's container. On failure the computer is
// deleted and a *LaunchError is returned. Either way the build's metadata is no longer in
// progress once Launch returns.
func (l *Launcher) Launch(ctx context.Context, c *Computer) (err error) {
	// A launch that has begun runs to completion.
	ctx = context.WithoutCancel(ctx)

	rec := c.Record()
	info := rec.Metadata
	log := l.log.WithFields(logrus.Fields{"agent": c.Name(), "build-id": rec.Request.ID})

	defer close(c.launched)
	defer func() {
		info.SetInProgress(false)
		if serr := l.store.Save(ctx, info); serr != nil {
			log.WithError(serr).Error("unable to save provisioning metadata")
		}
	}()
	defer prom.Time(prom.LaunchSeconds)()
	defer func() {
		if err == nil {
			prom.LaunchesTotal.WithLabelValues(prom.OutcomeSuccess).Inc()
			return
		}
		err = &LaunchError{State: c.State(), Err: err}
		c.setState(StateFailed)
		log = log.WithField("container-id", c.ContainerID())
		if docker.IsNoResources(err) {
			prom.LaunchesTotal.WithLabelValues(prom.OutcomeNoResources).Inc()
			log.WithError(err).Info("no capacity to launch agent")
		} else {
			prom.LaunchesTotal.WithLabelValues(prom.OutcomeFailure).Inc()
			info.IncrementAttempts()
			log.WithError(err).Warn("failed to launch agent")
		}
		c.Delete()
	}()

	info.LaunchStarted(rec.Label.String(), l.clock.Now())
	if err := l.store.Save(ctx, info); err != nil {
		log.WithError(err).Warn("unable to save provisioning metadata")
	}

	limits, err := l.limits(ctx, rec, log)
	if err != nil {
		return err
	}
	secret := Secret(rec.Options.SecretKey, c.Name())
	spec, err := buildContainerSpec(rec, limits, secret)
	if err != nil {
		return err
	}
	info.SetAllocation(limits, spec.cacheVolume)

	c.setState(StateCreating)
	id, err := l.client.CreateContainer(ctx, c.Name(), spec.config, spec.hostConfig)
	if err != nil {
		return err
	}
	c.setContainerID(id)
	log = log.WithField("container-id", id)
	log.Debugf("created container with %d cpu shares and %d bytes of memory",
		limits.CPUShares, limits.Memory)

	c.setState(StateWaitForCreationResult)
	status, err := l.client.AwaitCreation(ctx, id)
	if err != nil {
		return err
	}
	if status != 0 {
		return errors.Errorf("container creation failed with status %d", status)
	}

	c.setState(StateInspecting)
	var inspected types.ContainerJSON
	err = docker.RetryOnError(ctx, rec.Options.RetryPolicy(), func() error {
		var ierr error
		inspected, ierr = l.client.InspectContainer(ctx, id)
		if docker.IsNotFound(ierr) {
			return docker.Permanent(ierr)
		}
		return ierr
	})
	if err != nil {
		return errors.Wrap(err, "inspecting container")
	}
	handle := docker.HandleOf(inspected)
	c.setNode(handle.Node)
	info.SetContainer(handle)

	c.setState(StateStarting)
	if err := l.client.StartContainer(ctx, id); err != nil {
		return err
	}
	info.SetProvisioned(l.clock.Now(), rec.Config.Image)
	if err := l.store.Save(ctx, info); err != nil {
		log.WithError(err).Warn("unable to save provisioning metadata")
	}
	log.WithField("node", handle.Node).Info("started agent container")

	c.setState(StateConnecting)
	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(rec.Options.ConnectTimeout))
	defer cancel()
	ch, err := l.connector.Connect(connectCtx, c.Name(), secret)
	if err != nil {
		return errors.Wrap(err, "waiting for agent to connect")
	}
	c.SetChannel(ch)

	c.setState(StateConnected)
	c.startTask()
	if !c.acceptWork() {
		log.Info("agent connected after it was deleted")
		return nil
	}
	log.Info("agent connected")
	return nil
}

func (l *Launcher) limits(
	ctx context.Context, rec *Record, log *logrus.Entry,
) (resources.Limits, error) {
	var hint *resources.Hint
	if rec.Config.DynamicResourceAllocation && l.history != nil {
		h, err := l.history.LastSuccessful(ctx, rec.Request.JobName)
		if err != nil {
			log.WithError(err).Warn("unable to load resource history, using the label ceiling")
		} else {
			hint = h
		}
	}
	return resources.ComputeLimits(rec.Config, hint)
}
