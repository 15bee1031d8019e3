package options

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/determined-ai/ephemeral-agents/pkg/check"
	"github.com/determined-ai/ephemeral-agents/pkg/docker"
	"github.com/determined-ai/ephemeral-agents/pkg/logger"
)

// DefaultCacheVolumeDriver is the volume driver used for per-agent cache volumes.
const DefaultCacheVolumeDriver = "cache-driver"

// Options stores all the configurable options for the provisioning service. A value of Options
// is passed explicitly into every scheduling call; nothing reads it from a global.
type Options struct {
	ConfigFile string `json:"config_file"`

	Log logger.Config `json:"log"`

	// InstanceName identifies this service instance on the containers it creates.
	InstanceName string `json:"instance_name"`

	// ControllerURL is the base URL agents reach this service at, to download the connector and
	// connect back.
	ControllerURL string `json:"controller_url"`
	// AgentJar is the connector served to agents at JarURL. Agents download nothing if unset.
	AgentJar string `json:"agent_jar"`
	// SecretKey signs the per-agent connection secrets.
	SecretKey string `json:"secret_key"`

	BindIP   string `json:"bind_ip"`
	BindPort int    `json:"bind_port"`

	Workers        int      `json:"workers"`
	ConnectTimeout Duration `json:"connect_timeout"`
	MintSpacing    Duration `json:"mint_spacing"`

	Privileged        bool   `json:"privileged"`
	CacheVolumeDriver string `json:"cache_volume_driver"`

	Docker docker.Config `json:"docker"`
	Retry  RetryOptions  `json:"retry"`

	HistoryCacheSize int `json:"history_cache_size"`

	DB     DBOptions     `json:"db"`
	Reaper ReaperOptions `json:"reaper"`

	Labels map[string]LabelConfig `json:"labels"`
}

// RetryOptions bounds the retry loops around idempotent engine calls.
type RetryOptions struct {
	Attempts        int      `json:"attempts"`
	InitialInterval Duration `json:"initial_interval"`
	MaxInterval     Duration `json:"max_interval"`
}

// Validate implements the check.Validatable interface.
func (r RetryOptions) Validate() []error {
	return []error{
		check.GreaterThan(int64(r.Attempts), 0, "retry attempts must be positive"),
	}
}

// DBOptions configures where provisioning metadata is persisted. An empty URL keeps it in memory.
type DBOptions struct {
	URL string `json:"url"`
}

// ReaperOptions configures the periodic sweep for orphaned agent containers.
type ReaperOptions struct {
	Enabled     bool     `json:"enabled"`
	Schedule    string   `json:"schedule"`
	GracePeriod Duration `json:"grace_period"`
}

// LabelConfig is the per-label launch configuration.
type LabelConfig struct {
	Image     string   `json:"image"`
	Env       []string `json:"env"`
	HostBinds []string `json:"host_binds"`
	CacheDirs []string `json:"cache_dirs"`

	MaxCPUShares              int64  `json:"max_cpu_shares"`
	MaxMemory                 string `json:"max_memory"`
	DynamicResourceAllocation bool   `json:"dynamic_resource_allocation"`
}

// MaxMemoryBytes parses the memory ceiling, e.g. "1g" or "512m". An empty ceiling is 0, which the
// engine treats as unlimited.
func (l LabelConfig) MaxMemoryBytes() (int64, error) {
	if l.MaxMemory == "" {
		return 0, nil
	}
	b, err := units.RAMInBytes(l.MaxMemory)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid max_memory %q", l.MaxMemory)
	}
	return b, nil
}

// Validate implements the check.Validatable interface.
func (l LabelConfig) Validate() []error {
	errs := []error{
		check.NotEmpty(l.Image, "image must be provided"),
		check.GreaterThanOrEqualTo(l.MaxCPUShares, 0, "max_cpu_shares must not be negative"),
	}
	if b, err := l.MaxMemoryBytes(); err != nil {
		errs = append(errs, err)
	} else {
		errs = append(errs, check.GreaterThanOrEqualTo(b, 0, "max_memory must not be negative"))
	}
	for _, bind := range l.HostBinds {
		if _, _, err := SplitBind(bind); err != nil {
			errs = append(errs, err)
		}
	}
	for _, dir := range l.CacheDirs {
		errs = append(errs, check.True(strings.HasPrefix(dir, "/"),
			"cache dir %q must be an absolute path", dir))
	}
	return errs
}

// SplitBind splits a "hostPath:containerPath[:mode]" bind spec.
func SplitBind(bind string) (string, string, error) {
	parts := strings.Split(bind, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("invalid host bind %q, expected hostPath:containerPath", bind)
	}
	return parts[0], parts[1], nil
}

// DefaultOptions returns the default configuration.
func DefaultOptions() *Options {
	return &Options{
		Log:               logger.DefaultConfig(),
		BindIP:            "0.0.0.0",
		BindPort:          8090,
		Workers:           32,
		ConnectTimeout:    Duration(5 * time.Minute),
		MintSpacing:       Duration(5 * time.Millisecond),
		CacheVolumeDriver: DefaultCacheVolumeDriver,
		Retry: RetryOptions{
			Attempts:        docker.DefaultRetryPolicy.Attempts,
			InitialInterval: Duration(docker.DefaultRetryPolicy.InitialInterval),
			MaxInterval:     Duration(docker.DefaultRetryPolicy.MaxInterval),
		},
		HistoryCacheSize: 1024,
		Reaper: ReaperOptions{
			Enabled:     true,
			Schedule:    "@every 5m",
			GracePeriod: Duration(30 * time.Minute),
		},
		Labels: map[string]LabelConfig{},
	}
}

// Validate implements the check.Validatable interface.
func (o Options) Validate() []error {
	return []error{
		check.NotEmpty(o.ControllerURL, "controller_url must be provided"),
		check.NotEmpty(o.SecretKey, "secret_key must be provided"),
		check.GreaterThan(int64(o.Workers), 0, "workers must be positive"),
		check.GreaterThan(int64(o.ConnectTimeout), 0, "connect_timeout must be positive"),
		check.GreaterThanOrEqualTo(int64(o.MintSpacing), 0, "mint_spacing must not be negative"),
		check.GreaterThan(int64(o.HistoryCacheSize), 0, "history_cache_size must be positive"),
		check.True(!o.Reaper.Enabled || o.Reaper.Schedule != "",
			"reaper.schedule must be provided when the reaper is enabled"),
	}
}

// LabelConfig returns the launch configuration for a label requirement.
func (o Options) LabelConfig(label string) (LabelConfig, error) {
	cfg, ok := o.Labels[label]
	if !ok {
		return LabelConfig{}, errors.Errorf("no configuration for label %q", label)
	}
	return cfg, nil
}

// ControllerBase returns the controller URL with a trailing slash.
func (o Options) ControllerBase() string {
	if strings.HasSuffix(o.ControllerURL, "/") {
		return o.ControllerURL
	}
	return o.ControllerURL + "/"
}

// JarURL is where agents download the connector from.
func (o Options) JarURL() string {
	return o.ControllerBase() + "jnlpJars/slave.jar"
}

// ConnectURL is the endpoint an agent named name connects back to.
func (o Options) ConnectURL(name string) string {
	return fmt.Sprintf("%scomputer/%s/slave-agent.jnlp", o.ControllerBase(), name)
}

// RetryPolicy converts the retry options for the engine client.
func (o Options) RetryPolicy() docker.RetryPolicy {
	return docker.RetryPolicy{
		Attempts:        o.Retry.Attempts,
		InitialInterval: time.Duration(o.Retry.InitialInterval),
		MaxInterval:     time.Duration(o.Retry.MaxInterval),
	}
}

// Printable returns a printable string with secrets redacted.
func (o Options) Printable() ([]byte, error) {
	o.SecretKey = "********"
	optJSON, err := json.Marshal(o)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert config to JSON")
	}
	return optJSON, nil
}
