// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/great-expectations/cloud-sub000/jobs"
)

// CorrelationHeader carries the current job's correlation id on every
// outgoing request. It is set per request; the client holds no mutable
// default headers.
const CorrelationHeader = "Agent-Job-Id"

const defaultRequestTimeout = 10 * time.Second

type (
	// ControlPlaneClient is the surface the tracker needs from the remote
	// status API.
	ControlPlaneClient interface {
		// RegisterJob creates the job record ahead of execution. Used only
		// for scheduled jobs, whose record does not yet exist.
		RegisterJob(ctx context.Context, correlationID string, job jobs.Job) error

		// UpdateJobStatus posts one lifecycle transition for the job.
		UpdateJobStatus(ctx context.Context, correlationID string, status JobStatus) error
	}

	client struct {
		baseURL string
		orgID   string
		token   string
		timeout time.Duration
		http    *http.Client
		breaker *gobreaker.CircuitBreaker
	}

	// registerJobRequest is the body of the pre-registration call.
	registerJobRequest struct {
		CorrelationID string   `json:"correlation_id"`
		Job           jobs.Job `json:"job"`
	}
)

// NewClient creates a control-plane client. Outbound calls share one circuit
// breaker so a down status API sheds requests quickly instead of stalling
// every job on its timeout.
func NewClient(baseURL, orgID, token string, timeout time.Duration) ControlPlaneClient {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "control-plane",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("agent control-plane circuit breaker state changed")
		},
	})

	return &client{
		baseURL: baseURL,
		orgID:   orgID,
		token:   token,
		timeout: timeout,
		http:    &http.Client{},
		breaker: breaker,
	}
}

func (c *client) RegisterJob(ctx context.Context, correlationID string, job jobs.Job) error {
	path := fmt.Sprintf("/organizations/%s/agent-jobs", c.orgID)
	return c.do(ctx, http.MethodPost, path, correlationID, registerJobRequest{
		CorrelationID: correlationID,
		Job:           job,
	})
}

func (c *client) UpdateJobStatus(ctx context.Context, correlationID string, status JobStatus) error {
	path := fmt.Sprintf("/organizations/%s/agent-jobs/%s", c.orgID, correlationID)
	return c.do(ctx, http.MethodPatch, path, correlationID, status)
}

// do builds a fresh request per call so the correlation header can never
// leak between jobs, and wraps the round trip in the circuit breaker.
func (c *client) do(ctx context.Context, method, path, correlationID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal control-plane request: %w", err)
	}

	_, err = c.breaker.Execute(func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set(CorrelationHeader, correlationID)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("control plane returned %s for %s %s", resp.Status, method, path)
		}
		return nil, nil
	})

	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"correlationID": correlationID,
			"method":        method,
		}).Error("agent control-plane request failed")
	}
	return err
}
