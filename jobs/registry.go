// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

package jobs

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

type (
	// CreatedResource identifies one resource a job created in the control
	// plane, reported back in the terminal job status.
	CreatedResource struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}

	// ActionResult is what a handler produces on success.
	ActionResult struct {
		CreatedResources []CreatedResource
	}

	// Handler executes the business logic for one job kind.
	Handler func(ctx context.Context, job Job, correlationID string) (*ActionResult, error)

	// Dispatcher maps a typed job to its handler and executes it. It is the
	// seam between the lifecycle tracker and the business logic.
	Dispatcher interface {
		Dispatch(ctx context.Context, job Job, correlationID string) (*ActionResult, error)
	}

	// Registry is a kind-keyed handler table validated for completeness at
	// startup.
	Registry struct {
		handlers map[Kind]Handler
	}
)

var (
	// ErrUnsupportedJobVersion is the terminal error produced for envelopes
	// this agent build cannot execute.
	ErrUnsupportedJobVersion = fmt.Errorf("unsupported job version, please upgrade")

	// ErrHandlerAlreadyRegistered is returned when a kind is registered twice.
	ErrHandlerAlreadyRegistered = fmt.Errorf("handler already registered for this job kind")
)

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[Kind]Handler{}}
}

// Register associates a job kind with its handler.
func (r *Registry) Register(kind Kind, h Handler) error {
	if h == nil || kind == "" || kind == KindUnknown {
		return fmt.Errorf("invalid handler registration for kind %q", kind)
	}
	if _, ok := r.handlers[kind]; ok {
		logrus.WithField("jobKind", kind).Error("agent handler already registered")
		return ErrHandlerAlreadyRegistered
	}
	r.handlers[kind] = h
	return nil
}

// Validate checks that every declared job kind has a handler. It is meant to
// run at startup, before any message is consumed.
func (r *Registry) Validate() error {
	for _, kind := range Kinds() {
		if _, ok := r.handlers[kind]; !ok {
			return fmt.Errorf("no handler registered for job kind %q", kind)
		}
	}
	return nil
}

// Dispatch routes the job to its handler. Unknown kinds take the built-in
// fallback: no business logic runs and the unsupported-version error is
// returned for the tracker to report.
func (r *Registry) Dispatch(ctx context.Context, job Job, correlationID string) (*ActionResult, error) {
	h, ok := r.handlers[job.Kind()]
	if !ok {
		return nil, ErrUnsupportedJobVersion
	}
	return h(ctx, job, correlationID)
}
