// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/great-expectations/cloud-sub000/broker"
	"github.com/great-expectations/cloud-sub000/jobs"
)

const defaultDispatchTimeout = 30 * time.Minute

type (
	// Tracker turns a WorkItem into a tracked job execution: parse the
	// envelope, register scheduled jobs, report Started, dispatch, report
	// Completed, and settle the delivery exactly once.
	Tracker struct {
		client     ControlPlaneClient
		dispatcher jobs.Dispatcher
		timeout    time.Duration
		tracer     trace.Tracer
	}

	dispatchOutcome struct {
		result *jobs.ActionResult
		err    error
	}
)

// NewTracker creates a tracker. Dispatches that run longer than timeout are
// cancelled and the delivery is requeued.
func NewTracker(client ControlPlaneClient, dispatcher jobs.Dispatcher, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	return &Tracker{
		client:     client,
		dispatcher: dispatcher,
		timeout:    timeout,
		tracer:     otel.Tracer("agent-lifecycle"),
	}
}

// Process handles one delivery end to end. Every terminal outcome, business
// failure included, acknowledges the message; only a dispatch timeout nacks
// with requeue so the broker redelivers.
func (t *Tracker) Process(item *broker.WorkItem) {
	job := jobs.Parse(item.Payload)

	correlationID := item.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	ctx, span := broker.NewConsumerSpan(t.tracer, item.Headers, string(job.Kind()))
	defer span.End()

	log := logrus.WithFields(logrus.Fields{
		"correlationID": correlationID,
		"jobKind":       job.Kind(),
	})
	log.Info("agent job received")

	// Scheduled jobs have no control-plane record yet; create it before
	// the first status transition.
	if job.Scheduled() {
		if err := t.client.RegisterJob(ctx, correlationID, job); err != nil {
			log.WithError(err).Warn("agent job pre-registration failed")
		}
	}

	if err := t.client.UpdateJobStatus(ctx, correlationID, Started()); err != nil {
		log.WithError(err).Warn("agent failed to report job started")
	}

	outcome, timedOut := t.dispatch(ctx, job, correlationID)
	if timedOut {
		log.WithField("timeout", t.timeout).Warn("agent job dispatch timed out, requeueing")
		span.SetStatus(codes.Error, "dispatch timed out")
		item.Nack(true)
		return
	}

	status := t.terminalStatus(outcome)
	if outcome.err != nil {
		span.RecordError(outcome.err)
		span.SetStatus(codes.Error, "job failed")
		log.WithError(outcome.err).Error("agent job failed")
	} else {
		span.SetStatus(codes.Ok, "success")
		log.Info("agent job completed")
	}

	if err := t.client.UpdateJobStatus(ctx, correlationID, status); err != nil {
		log.WithError(err).Warn("agent failed to report job completion")
	}

	item.Ack()
}

// dispatch runs the handler on its own goroutine under the configured
// timeout. Handler panics are contained and converted to errors; they must
// never escape into the consumer loop.
func (t *Tracker) dispatch(ctx context.Context, job jobs.Job, correlationID string) (dispatchOutcome, bool) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	results := make(chan dispatchOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- dispatchOutcome{err: fmt.Errorf("job handler panic: %v", r)}
			}
		}()
		result, err := t.dispatcher.Dispatch(ctx, job, correlationID)
		results <- dispatchOutcome{result: result, err: err}
	}()

	select {
	case outcome := <-results:
		// A handler may surface deadline errors from its own internal
		// calls; only the dispatch context expiring counts as a timeout.
		return outcome, outcome.err != nil && ctx.Err() != nil
	case <-ctx.Done():
		return dispatchOutcome{err: ctx.Err()}, true
	}
}

func (t *Tracker) terminalStatus(outcome dispatchOutcome) JobStatus {
	if outcome.err != nil {
		return Completed(false, outcome.err.Error(), nil)
	}

	var resources []jobs.CreatedResource
	if outcome.result != nil {
		resources = outcome.result.CreatedResources
	}
	return Completed(true, "", resources)
}
