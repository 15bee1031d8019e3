package provision

import "fmt"

// LaunchError is returned by a launch that failed. State is the state the launch was in.
type LaunchError struct {
	State State
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failed in state %s: %v", e.State, e.Err)
}

// Unwrap returns the cause.
func (e *LaunchError) Unwrap() error {
	return e.Err
}
