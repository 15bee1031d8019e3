package provision

import (
	"fmt"
	"strings"

	dcontainer "github.com/docker/docker/api/types/container"

	"github.com/determined-ai/ephemeral-agents/internal/options"
	"github.com/determined-ai/ephemeral-agents/internal/resources"
	"github.com/determined-ai/ephemeral-agents/pkg/docker"
)

// Environment variables set on every agent container.
const (
	EnvAgentName  = "AGENT_NAME"
	EnvAgentLabel = "AGENT_LABEL"
	EnvBuildID    = "BUILD_ID"
)

var jobNameReplacer = strings.NewReplacer(
	"/", "_",
	"-", "_",
	",", "_",
	" ", "_",
	"=", "_",
	".", "_",
)

// SanitizeJobName makes a job name usable as part of a volume name.
func SanitizeJobName(job string) string {
	return jobNameReplacer.Replace(job)
}

// CacheVolumeName is the named volume mounted at every cache directory of an agent.
func CacheVolumeName(job, agent string) string {
	return SanitizeJobName(job) + "-" + agent
}

// BootstrapCommand downloads the connector from the controller and runs it against the agent's
// connection endpoint. Reconnection is disabled: the agent is single use.
func BootstrapCommand(opts options.Options, name, secret string) []string {
	return []string{"sh", "-c", fmt.Sprintf(
		"curl --connect-timeout 20 --max-time 60 -o slave.jar %s && "+
			"java -jar slave.jar -jnlpUrl %s -secret %s -noReconnect",
		opts.JarURL(), opts.ConnectURL(name), secret,
	)}
}

type containerSpec struct {
	config      *dcontainer.Config
	hostConfig  *dcontainer.HostConfig
	cacheVolume string
}

func buildContainerSpec(rec *Record, limits resources.Limits, secret string) (containerSpec, error) {
	name := rec.Name()
	cfg := rec.Config

	env := append([]string{}, cfg.Env...)
	env = append(env,
		EnvAgentName+"="+name,
		EnvAgentLabel+"="+rec.Label.String(),
		EnvBuildID+"="+rec.Request.ID,
	)

	binds := make([]string, 0, len(cfg.HostBinds)+len(cfg.CacheDirs))
	for _, bind := range cfg.HostBinds {
		if _, _, err := options.SplitBind(bind); err != nil {
			return containerSpec{}, err
		}
		binds = append(binds, bind)
	}

	spec := containerSpec{
		config: &dcontainer.Config{
			Image: cfg.Image,
			Env:   env,
			Cmd:   BootstrapCommand(rec.Options, name, secret),
			Labels: map[string]string{
				docker.ManagedLabel: "true",
				docker.OwnerLabel:   rec.Options.InstanceName,
				docker.AgentLabel:   name,
				docker.BuildLabel:   rec.Request.ID,
				docker.JobLabel:     rec.Request.JobName,
			},
		},
		hostConfig: &dcontainer.HostConfig{
			Privileged: rec.Options.Privileged,
			Resources: dcontainer.Resources{
				CPUShares: limits.CPUShares,
				Memory:    limits.Memory,
			},
		},
	}

	if len(cfg.CacheDirs) > 0 {
		spec.cacheVolume = CacheVolumeName(rec.Request.JobName, name)
		for _, dir := range cfg.CacheDirs {
			binds = append(binds, spec.cacheVolume+":"+dir)
		}
		spec.hostConfig.VolumeDriver = rec.Options.CacheVolumeDriver
	}
	spec.hostConfig.Binds = binds
	return spec, nil
}
