package provision

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/ephemeral-agents/internal/build"
	"github.com/determined-ai/ephemeral-agents/internal/label"
	"github.com/determined-ai/ephemeral-agents/internal/metadata"
	"github.com/determined-ai/ephemeral-agents/internal/options"
	"github.com/determined-ai/ephemeral-agents/internal/prom"
	"github.com/determined-ai/ephemeral-agents/pkg/syncx/workpool"
)

// Scheduler turns pending build requests into agents.
type Scheduler struct {
	minter   *label.Minter
	store    metadata.Store
	registry Registry
	pool     *workpool.Pool
	clock    clockwork.Clock
	log      *logrus.Entry
}

// NewScheduler returns a Scheduler registering agents with registry on pool.
func NewScheduler(
	minter *label.Minter,
	store metadata.Store,
	registry Registry,
	pool *workpool.Pool,
	clock clockwork.Clock,
) *Scheduler {
	return &Scheduler{
		minter:   minter,
		store:    store,
		registry: registry,
		pool:     pool,
		clock:    clock,
		log:      logrus.WithField("component", "scheduler"),
	}
}

// ScheduleBuild provisions an agent for req. It never blocks on the launch: registration runs on
// the worker pool and the returned task completes when the launch does. If no agent can be
// scheduled, the problem is logged and nil is returned.
func (s *Scheduler) ScheduleBuild(
	ctx context.Context, opts options.Options, req build.Request,
) *workpool.Task {
	task, err := s.Schedule(ctx, opts, req)
	log := s.log.WithField("build-id", req.ID)
	switch {
	case errors.Is(err, metadata.ErrClaimed):
		log.WithError(err).Info("not scheduling a second agent")
	case err != nil:
		prom.ScheduleFailures.Inc()
		log.WithError(err).Error("unable to schedule agent")
	}
	return task
}

// Schedule is ScheduleBuild, returning why no agent was scheduled instead of logging it. A build
// is served by one agent at a time: while its agent provisions or runs, Schedule fails with
// metadata.ErrClaimed.
func (s *Scheduler) Schedule(
	ctx context.Context, opts options.Options, req build.Request,
) (*workpool.Task, error) {
	rec, err := s.newRecord(ctx, opts, req)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"build-id": req.ID, "agent": rec.Name()}).
		Info("scheduling agent")
	register := func(ctx context.Context) error {
		err := s.registry.Register(ctx, rec)
		var lerr *LaunchError
		if err != nil && !errors.As(err, &lerr) {
			s.abandon(rec, err)
		}
		return err
	}
	return s.pool.SubmitOrElse("register "+rec.Name(), register, func(err error) {
		s.abandon(rec, err)
	}), nil
}

// abandon returns a build whose agent never launched to the pending state, so that it can be
// scheduled again. Launched agents release their build when they are cleaned up.
func (s *Scheduler) abandon(rec *Record, cause error) {
	log := s.log.WithFields(logrus.Fields{"build-id": rec.Request.ID, "agent": rec.Name()})
	log.WithError(cause).Warn("agent was never launched")

	info := rec.Metadata
	info.SetInProgress(false)
	if err := s.store.Save(context.Background(), info); err != nil {
		log.WithError(err).Error("unable to save provisioning metadata")
	}
	info.Release(rec.Name())
}

func (s *Scheduler) newRecord(
	ctx context.Context, opts options.Options, req build.Request,
) (*Record, error) {
	l := s.minter.Mint()
	cfg, err := opts.LabelConfig(req.Label)
	if err != nil {
		return nil, err
	}
	if _, err := cfg.MaxMemoryBytes(); err != nil {
		return nil, err
	}

	rec := &Record{
		Label:   l,
		Request: req,
		Config:  cfg,
		Options: opts,
		Created: s.clock.Now(),
	}
	info, err := s.store.Claim(ctx, req, rec.Name())
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, info); err != nil {
		s.log.WithError(err).WithField("build-id", req.ID).Warn("unable to save provisioning metadata")
	}
	rec.Metadata = info
	return rec, nil
}
