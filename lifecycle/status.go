// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

// Package lifecycle tracks one job from delivery to terminal status: it
// parses the envelope, dispatches the business logic, and reports Started
// and Completed transitions to the control plane keyed by correlation id.
package lifecycle

import (
	"github.com/great-expectations/cloud-sub000/jobs"
)

const (
	statusStarted   = "started"
	statusCompleted = "completed"
)

// JobStatus is one lifecycle transition. A job posts Started once and
// terminates with exactly one Completed; the value is immutable.
type JobStatus struct {
	Status           string                 `json:"status"`
	Success          *bool                  `json:"success,omitempty"`
	ErrorTrace       string                 `json:"error_trace,omitempty"`
	CreatedResources []jobs.CreatedResource `json:"created_resources,omitempty"`
}

// Started builds the initial transition.
func Started() JobStatus {
	return JobStatus{Status: statusStarted}
}

// Completed builds the terminal transition.
func Completed(success bool, errorTrace string, resources []jobs.CreatedResource) JobStatus {
	return JobStatus{
		Status:           statusCompleted,
		Success:          &success,
		ErrorTrace:       errorTrace,
		CreatedResources: resources,
	}
}

// Terminal reports whether the status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	return s.Status == statusCompleted
}
