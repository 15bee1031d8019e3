package provision

import (
	"time"

	"github.com/determined-ai/ephemeral-agents/internal/build"
	"github.com/determined-ai/ephemeral-agents/internal/label"
	"github.com/determined-ai/ephemeral-agents/internal/metadata"
	"github.com/determined-ai/ephemeral-agents/internal/options"
)

// Record binds a build request to the identity and configuration of the agent provisioned for it.
// There is exactly one Record per scheduled request.
type Record struct {
	Label   label.Label
	Request build.Request
	Config  options.LabelConfig
	// Options is the configuration the request was scheduled with.
	Options  options.Options
	Metadata *metadata.Info
	Created  time.Time
}

// Name is the agent's node name, also used as its container name.
func (r *Record) Name() string {
	return "agent-" + r.Label.String()
}
