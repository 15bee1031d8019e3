// Package reaper periodically removes agent containers that no registered agent owns any more,
// such as containers left behind by a crash or an unclean shutdown.
package reaper

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/filters"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/ephemeral-agents/internal/prom"
	"github.com/determined-ai/ephemeral-agents/internal/teardown"
	"github.com/determined-ai/ephemeral-agents/pkg/docker"
	"github.com/determined-ai/ephemeral-agents/pkg/syncx/workpool"
)

// Registry tells whether an agent is still registered.
type Registry interface {
	Registered(name string) bool
}

// Reaper tears down orphaned agent containers created by this service instance.
type Reaper struct {
	client   *docker.Client
	teardown *teardown.Engine
	nodes    Registry
	pool     *workpool.Pool
	clock    clockwork.Clock
	owner    string
	grace    time.Duration
	log      *logrus.Entry

	cron *cron.Cron
}

// New returns a Reaper for containers labelled with owner that are older than grace.
func New(
	client *docker.Client,
	td *teardown.Engine,
	nodes Registry,
	pool *workpool.Pool,
	clock clockwork.Clock,
	owner string,
	grace time.Duration,
) *Reaper {
	return &Reaper{
		client:   client,
		teardown: td,
		nodes:    nodes,
		pool:     pool,
		clock:    clock,
		owner:    owner,
		grace:    grace,
		log:      logrus.WithField("component", "reaper"),
	}
}

// Start sweeps on the given cron schedule, e.g. "@every 5m", until Stop is called. A sweep that is
// still running when the next one is due causes that one to be skipped.
func (r *Reaper) Start(schedule string) error {
	logger := cron.PrintfLogger(r.log)
	r.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	_, err := r.cron.AddFunc(schedule, func() {
		if err := r.pool.Submit("reap orphaned containers", r.Sweep).Wait(); err != nil {
			r.log.WithError(err).Warn("error reaping orphaned containers")
		}
	})
	if err != nil {
		return errors.Wrapf(err, "invalid reaper schedule %q", schedule)
	}
	r.cron.Start()
	r.log.Infof("reaping orphaned containers %s", schedule)
	return nil
}

// Stop stops scheduling sweeps and waits for a running one.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep tears down every orphaned container once.
func (r *Reaper) Sweep(ctx context.Context) error {
	fs := filters.NewArgs(
		filters.Arg("label", docker.ManagedLabel+"=true"),
		filters.Arg("label", docker.OwnerLabel+"="+r.owner),
	)
	containers, err := r.client.ListContainers(ctx, fs)
	if err != nil {
		return errors.Wrap(err, "listing agent containers")
	}

	var result *multierror.Error
	now := r.clock.Now()
	for _, c := range containers {
		agent := c.Labels[docker.AgentLabel]
		if r.nodes.Registered(agent) {
			continue
		}
		if age := now.Sub(time.Unix(c.Created, 0)); age < r.grace {
			continue
		}

		log := r.log.WithFields(logrus.Fields{"agent": agent, "container-id": c.ID})
		log.Info("tearing down orphaned container")
		if err := r.teardown.Teardown(ctx, c.ID, nil); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "reaping %s", c.ID))
			continue
		}
		prom.ReapedContainers.Inc()
	}
	return result.ErrorOrNil()
}
