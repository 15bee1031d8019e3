package provision

// State is the launch state of an agent.
type State string

// Launch states, in order. StateFailed may follow any state before StateConnected and
// StateCleaned follows StateFailed or a disconnect.
const (
	StateCreated               State = "Created"
	StateCreating              State = "Creating"
	StateWaitForCreationResult State = "WaitForCreationResult"
	StateInspecting            State = "Inspecting"
	StateStarting              State = "Starting"
	StateConnecting            State = "Connecting"
	StateConnected             State = "Connected"
	StateFailed                State = "Failed"
	StateCleaned               State = "Cleaned"
)
