// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

package broker

import "fmt"

type (
	// FatalConnectionError signals that the broker rejected our credentials.
	// It is never retried; the process decides whether to exit.
	FatalConnectionError struct {
		Err error
	}

	// UnrecoverableConnectionError is the terminal signal raised by Run when
	// the connection or channel closed unexpectedly mid-session. The caller
	// owns the decision whether to reconnect.
	UnrecoverableConnectionError struct {
		Reason string
	}
)

func (e *FatalConnectionError) Error() string {
	return fmt.Sprintf("broker authentication rejected: %v", e.Err)
}

func (e *FatalConnectionError) Unwrap() error { return e.Err }

func (e *UnrecoverableConnectionError) Error() string {
	return fmt.Sprintf("broker connection closed unexpectedly: %s", e.Reason)
}

// BrokerError is the package error type for broker-level conditions that are
// not connection failures.
type BrokerError struct {
	Message string
}

// NewBrokerError creates a new BrokerError with the provided message.
func NewBrokerError(msg string) *BrokerError {
	return &BrokerError{Message: msg}
}

// Error implements the error interface and returns the error message.
func (e *BrokerError) Error() string {
	return e.Message
}

var (
	// ErrNotReset is returned by Run when the connection is not in the
	// Disconnected state; Reset must be called between sessions.
	ErrNotReset = NewBrokerError("connection must be reset before run")

	// openTransportError wraps any non-authentication failure while opening
	// the transport; callers treat it as transient.
	openTransportError = func(err error) error {
		return NewBrokerError(fmt.Sprintf("failure to open transport: %v", err))
	}

	// openChannelError wraps a channel creation failure.
	openChannelError = func(err error) error {
		return NewBrokerError(fmt.Sprintf("failure to open channel: %v", err))
	}

	// setPrefetchError wraps a failure to set the prefetch window.
	setPrefetchError = func(err error) error {
		return NewBrokerError(fmt.Sprintf("failure to set prefetch: %v", err))
	}

	// beginConsumeError wraps a failure to start the consumer on the channel.
	beginConsumeError = func(err error) error {
		return NewBrokerError(fmt.Sprintf("failure to begin consuming: %v", err))
	}
)
