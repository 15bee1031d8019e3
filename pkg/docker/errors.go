package docker

import (
	"strings"

	"github.com/docker/docker/client"
)

// NoResourcesMessage is the engine's error text when a container cannot be placed for lack of
// capacity.
const NoResourcesMessage = "no resources available to schedule container"

// IsNotFound reports whether err means the container (or other object) does not exist.
func IsNotFound(err error) bool {
	return err != nil && client.IsErrNotFound(err)
}

// IsNoResources reports whether err is the engine's capacity-exhausted condition. This is an
// expected outcome when the cluster is full, not a failure of the agent.
func IsNoResources(err error) bool {
	return err != nil && strings.Contains(strings.TrimSpace(err.Error()), NoResourcesMessage)
}
