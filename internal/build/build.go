// Package build models the host queue's pending work as seen by the provisioner: the build request
// an agent is launched for, the task it runs and the single execution slot that runs it.
package build

import (
	"sync"
)

// Request is an immutable pending unit of work waiting for an agent.
type Request struct {
	ID      string `json:"id"`
	JobName string `json:"job_name"`
	// Label is the label requirement used to select the agent configuration.
	Label string `json:"label"`
}

// Task is a unit of work occupying a slot. Metadata is the build's provisioning metadata when the
// task belongs to a build that was provisioned by this service, and nil otherwise.
type Task struct {
	BuildID  string
	Metadata interface{}
}

// Slot is the single execution slot of an agent.
type Slot struct {
	mu   sync.Mutex
	task *Task
}

// Assign occupies the slot with t. It returns false if the slot is already busy.
func (s *Slot) Assign(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil {
		return false
	}
	s.task = t
	return true
}

// Release frees the slot and returns the task it held, if any.
func (s *Slot) Release() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.task
	s.task = nil
	return t
}

// Current returns the running task, or nil when the slot is idle.
func (s *Slot) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

// Busy reports whether a task is running.
func (s *Slot) Busy() bool {
	return s.Current() != nil
}
