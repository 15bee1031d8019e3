// Package teardown reclaims agent containers. Teardown is best effort: every step is attempted
// even when earlier ones fail, and running it again on a container that is already gone is a
// successful no-op.
package teardown

import (
	"context"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/errdefs"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/ephemeral-agents/internal/prom"
	"github.com/determined-ai/ephemeral-agents/pkg/docker"
)

// Teardown steps, also used as the step label of the error counter.
const (
	StepInspect = "inspect"
	StepStats   = "stats"
	StepUnpause = "unpause"
	StepKill    = "kill"
	StepRemove  = "remove"
)

// GatherFunc collects final statistics of a container about to be removed.
type GatherFunc func(ctx context.Context, info types.ContainerJSON) error

// Engine tears down containers.
type Engine struct {
	client *docker.Client
	retry  docker.RetryPolicy
	log    *logrus.Entry
}

// New returns an Engine that retries removal according to retry.
func New(client *docker.Client, retry docker.RetryPolicy) *Engine {
	return &Engine{
		client: client,
		retry:  retry,
		log:    logrus.WithField("component", "teardown"),
	}
}

// Teardown inspects the container, gathers its stats, unpauses it if paused, kills it and
// force-removes it. A container the engine no longer knows about is done. Failures of
// individual steps do not stop the later ones; they are logged, counted and returned together.
func (e *Engine) Teardown(ctx context.Context, containerID string, gather GatherFunc) error {
	if containerID == "" {
		return nil
	}
	log := e.log.WithField("container-id", containerID)
	var result *multierror.Error
	fail := func(step string, err error) {
		prom.TeardownStepErrors.WithLabelValues(step).Inc()
		log.WithError(err).Warnf("teardown step %s failed", step)
		result = multierror.Append(result, errors.Wrap(err, step))
	}

	info, err := e.client.InspectContainer(ctx, containerID)
	inspected := err == nil
	switch {
	case docker.IsNotFound(err):
		log.Debug("container already removed")
		return nil
	case err != nil:
		fail(StepInspect, err)
	}

	if inspected && gather != nil {
		if err := gather(ctx, info); err != nil {
			fail(StepStats, err)
		}
	}

	if docker.IsPaused(info) {
		log.Trace("unpausing container")
		if err := e.client.UnpauseContainer(ctx, containerID); err != nil && !docker.IsNotFound(err) {
			fail(StepUnpause, err)
		}
	}

	// Stopped containers answer with a conflict.
	log.Trace("killing container")
	if err := e.client.KillContainer(ctx, containerID); err != nil &&
		!docker.IsNotFound(err) && !errdefs.IsConflict(err) {
		fail(StepKill, err)
	}

	log.Trace("removing container")
	err = docker.RetryOnError(ctx, e.retry, func() error {
		err := e.client.ForceRemoveContainer(ctx, containerID)
		if docker.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		fail(StepRemove, err)
	} else {
		log.Debug("container removed")
	}

	return result.ErrorOrNil()
}
