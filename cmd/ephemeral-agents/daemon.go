package main

import (
	"context"
	"fmt"
	"os"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/ephemeral-agents/internal/api"
	"github.com/determined-ai/ephemeral-agents/internal/connect"
	"github.com/determined-ai/ephemeral-agents/internal/label"
	"github.com/determined-ai/ephemeral-agents/internal/metadata"
	"github.com/determined-ai/ephemeral-agents/internal/options"
	"github.com/determined-ai/ephemeral-agents/internal/provision"
	"github.com/determined-ai/ephemeral-agents/internal/reaper"
	"github.com/determined-ai/ephemeral-agents/internal/resources"
	"github.com/determined-ai/ephemeral-agents/internal/teardown"
	"github.com/determined-ai/ephemeral-agents/pkg/docker"
	"github.com/determined-ai/ephemeral-agents/pkg/syncx/workpool"
)

const shutdownTimeout = 30 * time.Second

// instanceName defaults to the hostname, which stays stable across restarts so orphans left by a
// previous run are still recognized as ours.
func instanceName(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return petname.Generate(2, "-")
}

func runDaemon(ctx context.Context, opts options.Options) error {
	opts.InstanceName = instanceName(opts.InstanceName)
	log.Infof("starting ephemeral-agents %s as %s", version, opts.InstanceName)

	client, err := docker.Dial(opts.Docker)
	if err != nil {
		return err
	}

	var (
		store   metadata.Store
		durable resources.History
	)
	if opts.DB.URL != "" {
		bunStore, err := metadata.OpenBunStore(ctx, opts.DB.URL)
		if err != nil {
			return err
		}
		defer func() {
			if err := bunStore.Close(); err != nil {
				log.WithError(err).Warn("error closing metadata database")
			}
		}()
		store, durable = bunStore, bunStore
	} else {
		log.Warn("no database configured, provisioning metadata is kept in memory")
		store = metadata.NewMemoryStore()
	}
	history, err := resources.NewHistoryCache(opts.HistoryCacheSize, durable)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	pool := workpool.New(context.Background(), opts.Workers)
	hub := connect.NewHub(connect.DefaultPingInterval)
	td := teardown.New(client, opts.RetryPolicy())
	launcher := provision.NewLauncher(client, store, history, hub, clock)
	nodes := provision.NewNodeRegistry(launcher, td, client, store, history, pool, clock)
	scheduler := provision.NewScheduler(
		label.NewMinter(clock, time.Duration(opts.MintSpacing)), store, nodes, pool, clock)

	var sweeper *reaper.Reaper
	if opts.Reaper.Enabled {
		sweeper = reaper.New(client, td, nodes, pool, clock, opts.InstanceName,
			time.Duration(opts.Reaper.GracePeriod))
		if err := sweeper.Start(opts.Reaper.Schedule); err != nil {
			pool.Close()
			return err
		}
	}

	server := api.New(opts, scheduler, nodes, store, hub)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(fmt.Sprintf("%s:%d", opts.BindIP, opts.BindPort))
	}()

	var runErr error
	select {
	case err := <-serverErr:
		runErr = errors.Wrap(err, "api server stopped")
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("error shutting down api server")
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	// In-flight launches are not interrupted; wait for them and their cleanups.
	pool.Close()
	log.Info("shut down")
	return runErr
}
