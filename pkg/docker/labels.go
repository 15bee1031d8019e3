package docker

// Labels put on every container created for an ephemeral agent.
const (
	// ManagedLabel marks containers owned by this service.
	ManagedLabel = "ai.determined.ephemeral.managed"
	// OwnerLabel names the service instance that created the container.
	OwnerLabel = "ai.determined.ephemeral.owner"
	// AgentLabel is the agent (computer) name.
	AgentLabel = "ai.determined.ephemeral.agent"
	// BuildLabel is the build request the agent serves.
	BuildLabel = "ai.determined.ephemeral.build"
	// JobLabel is the job the build belongs to.
	JobLabel = "ai.determined.ephemeral.job"
)
