package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/docker/docker/api/types"
	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/hashicorp/go-cleanhttp"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Engine is the subset of the Docker Engine API used to provision and reclaim agent containers.
// *client.Client satisfies it.
type Engine interface {
	ContainerCreate(
		ctx context.Context,
		config *dcontainer.Config,
		hostConfig *dcontainer.HostConfig,
		networkingConfig *network.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (dcontainer.CreateResponse, error)
	ContainerWait(
		ctx context.Context, containerID string, condition dcontainer.WaitCondition,
	) (<-chan dcontainer.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStart(ctx context.Context, containerID string, options dcontainer.StartOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerRemove(ctx context.Context, containerID string, options dcontainer.RemoveOptions) error
	ContainerStatsOneShot(ctx context.Context, containerID string) (types.ContainerStats, error)
	ContainerList(ctx context.Context, options dcontainer.ListOptions) ([]types.Container, error)
}

var _ Engine = (*client.Client)(nil)

// TLSConfig configures TLS to the engine endpoint.
type TLSConfig struct {
	Enabled    bool   `json:"enabled"`
	CAFile     string `json:"ca_file"`
	CertFile   string `json:"cert_file"`
	KeyFile    string `json:"key_file"`
	SkipVerify bool   `json:"skip_verify"`
}

// Config describes how to reach the container engine.
type Config struct {
	Host       string    `json:"host"`
	APIVersion string    `json:"api_version"`
	TLS        TLSConfig `json:"tls"`
}

// Handle identifies a container together with the node it was scheduled on.
type Handle struct {
	ID    string `json:"id"`
	Node  string `json:"node"`
	State string `json:"state"`
}

// Client wraps an Engine, augmenting it with a few higher level conveniences and the error
// classification the provisioning code relies on.
type Client struct {
	engine Engine
	log    *logrus.Entry
}

// NewClient returns a Client around an existing engine.
func NewClient(engine Engine) *Client {
	return &Client{
		engine: engine,
		log:    logrus.WithField("component", "docker-client"),
	}
}

// Dial builds an engine client from the given configuration. The HTTP transport is a pooled
// cleanhttp transport so that many provisioning and teardown calls can be in flight at once.
func Dial(cfg Config) (*Client, error) {
	transport := cleanhttp.DefaultPooledTransport()
	if cfg.TLS.Enabled {
		tlsConfig, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:             cfg.TLS.CAFile,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			InsecureSkipVerify: cfg.TLS.SkipVerify,
		})
		if err != nil {
			return nil, errors.Wrap(err, "loading engine TLS configuration")
		}
		transport.TLSClientConfig = tlsConfig
	}

	host := cfg.Host
	if host == "" {
		host = os.Getenv(client.EnvOverrideHost)
	}
	if host == "" {
		host = client.DefaultDockerHost
	}

	// The host must be applied after the HTTP client so its transport learns how to dial it.
	opts := []client.Opt{
		client.WithHTTPClient(&http.Client{Transport: transport}),
		client.WithHost(host),
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}

	cl, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "creating engine client for %s", host)
	}
	return NewClient(cl), nil
}

// Engine returns the wrapped engine, to be used sparingly.
func (d *Client) Engine() Engine {
	return d.engine
}

// CreateContainer creates a named container. Creation is never retried.
func (d *Client) CreateContainer(
	ctx context.Context,
	name string,
	config *dcontainer.Config,
	hostConfig *dcontainer.HostConfig,
) (string, error) {
	response, err := d.engine.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	for _, w := range response.Warnings {
		d.log.WithField("container-id", response.ID).Warnf("warning when creating container: %s", w)
	}
	return response.ID, nil
}

// AwaitCreation waits until the freshly created container is reported as not running and returns
// the status the engine reported for it.
func (d *Client) AwaitCreation(ctx context.Context, id string) (int64, error) {
	waiter, errs := d.engine.ContainerWait(ctx, id, dcontainer.WaitConditionNotRunning)
	select {
	case resp := <-waiter:
		if resp.Error != nil {
			return resp.StatusCode, errors.Errorf("awaiting container creation: %s", resp.Error.Message)
		}
		return resp.StatusCode, nil
	case err := <-errs:
		return 0, fmt.Errorf("awaiting container creation: %w", err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// InspectContainer returns the engine's view of the container.
func (d *Client) InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error) {
	return d.engine.ContainerInspect(ctx, id)
}

// StartContainer starts a created container.
func (d *Client) StartContainer(ctx context.Context, id string) error {
	if err := d.engine.ContainerStart(ctx, id, dcontainer.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

// KillContainer sends SIGKILL to the container.
func (d *Client) KillContainer(ctx context.Context, id string) error {
	return d.engine.ContainerKill(ctx, id, "KILL")
}

// UnpauseContainer resumes a paused container so it can be killed.
func (d *Client) UnpauseContainer(ctx context.Context, id string) error {
	return d.engine.ContainerUnpause(ctx, id)
}

// ForceRemoveContainer removes the container, killing it first if needed.
func (d *Client) ForceRemoveContainer(ctx context.Context, id string) error {
	return d.engine.ContainerRemove(ctx, id, dcontainer.RemoveOptions{Force: true})
}

// ContainerStats takes a single, non-streaming stats sample of the container.
func (d *Client) ContainerStats(ctx context.Context, id string) (*types.StatsJSON, error) {
	resp, err := d.engine.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("requesting container stats: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			d.log.WithError(err).Warn("error closing stats stream")
		}
	}()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, errors.Wrap(err, "decoding container stats")
	}
	return &stats, nil
}

// ListContainers lists containers, including stopped ones, matching the given filters.
func (d *Client) ListContainers(ctx context.Context, fs filters.Args) ([]types.Container, error) {
	return d.engine.ContainerList(ctx, dcontainer.ListOptions{All: true, Filters: fs})
}

// HandleOf summarizes an inspect result. The node name comes from the swarm node the container
// was placed on; on a standalone engine it falls back to the container hostname.
func HandleOf(info types.ContainerJSON) Handle {
	var h Handle
	if info.ContainerJSONBase == nil {
		return h
	}
	h.ID = info.ID
	if info.State != nil {
		h.State = info.State.Status
	}
	switch {
	case info.Node != nil && info.Node.Name != "":
		h.Node = info.Node.Name
	case info.Config != nil:
		h.Node = info.Config.Hostname
	}
	return h
}

// IsPaused reports whether the inspected container is paused.
func IsPaused(info types.ContainerJSON) bool {
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Paused
}

// LabelFilter is a convenience that takes a key and value and returns a docker label filter.
func LabelFilter(key, val string) filters.Args {
	return filters.NewArgs(filters.Arg("label", key+"="+val))
}
