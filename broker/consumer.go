// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

package broker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	// maxBackoff caps the reconnect delay in seconds.
	maxBackoff = 30

	// defaultRedeliverDelay is how long WorkItem.Redeliver waits before
	// nacking with requeue.
	defaultRedeliverDelay = 3 * time.Second
)

type (
	// MessageHandler receives each translated delivery.
	MessageHandler = func(item *WorkItem)

	// Consumer wraps a Connection with the reconnect and failure
	// classification policy and translates deliveries into WorkItems.
	Consumer interface {
		// Consume drives one broker session. On an authentication failure it
		// stops the connection and returns immediately; authentication
		// failures are never retried. On any other broker error it stops the
		// connection, sleeps for the computed backoff delay, and returns the
		// error for the caller to decide whether to loop again. A clean,
		// caller-requested stop returns nil.
		Consume(queue string, onMessage MessageHandler) error

		// Close requests a graceful stop of the in-flight session.
		Close()
	}

	consumer struct {
		conn           Connection
		sleep          func(time.Duration)
		redeliverDelay time.Duration

		mu       sync.Mutex
		failures int
		closed   bool
	}

	// WorkItem is one delivery plus the callbacks to settle it. Across the
	// lifetime of a WorkItem exactly one of Ack/Nack ever reaches the
	// broker, exactly once.
	WorkItem struct {
		Payload       []byte
		CorrelationID string
		Headers       amqp.Table

		redeliverDelay time.Duration
		ack            func()
		nack           func(requeue bool)
		settled        atomic.Bool
	}
)

// NewConsumer creates a consumer on top of the given connection.
func NewConsumer(conn Connection) Consumer {
	return &consumer{
		conn:           conn,
		sleep:          time.Sleep,
		redeliverDelay: defaultRedeliverDelay,
	}
}

func (c *consumer) Consume(queue string, onMessage MessageHandler) error {
	c.conn.Reset()

	if c.isClosed() {
		return nil
	}

	err := c.conn.Run(queue, c.deliveryHandler(onMessage))

	if c.conn.ReachedConsuming() {
		c.setFailures(0)
	}

	if err == nil {
		return nil
	}

	c.conn.Stop()

	var fatal *FatalConnectionError
	if errors.As(err, &fatal) {
		logrus.WithError(err).Error("agent broker rejected credentials, not retrying")
		return err
	}

	failures := c.bumpFailures()
	delay := backoffDelay(failures)
	logrus.WithError(err).WithFields(logrus.Fields{
		"failures": failures,
		"delay":    delay,
	}).Warn("agent broker session failed")
	c.sleep(delay)

	return err
}

func (c *consumer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.conn.Stop()
}

// deliveryHandler translates a raw delivery into a WorkItem and hands it to
// the message handler on its own goroutine so dispatch never blocks the
// event loop.
func (c *consumer) deliveryHandler(onMessage MessageHandler) DeliveryHandler {
	return func(d amqp.Delivery) {
		// Settle callbacks are bound here, to the session that produced the
		// delivery. A tag is only meaningful on its own channel; once that
		// session ends the callbacks turn into no-ops and the broker
		// redelivers on its own.
		ack := c.conn.ThreadsafeAck(d.DeliveryTag)
		nackRequeue := c.conn.ThreadsafeNack(d.DeliveryTag, true)
		nackDrop := c.conn.ThreadsafeNack(d.DeliveryTag, false)

		item := NewWorkItem(
			d.Body,
			d.CorrelationId,
			d.Headers,
			ack,
			func(requeue bool) {
				if requeue {
					nackRequeue()
					return
				}
				nackDrop()
			},
			c.redeliverDelay,
		)
		go onMessage(item)
	}
}

func (c *consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *consumer) setFailures(n int) {
	c.mu.Lock()
	c.failures = n
	c.mu.Unlock()
}

func (c *consumer) bumpFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	return c.failures
}

// backoffDelay computes the reconnect delay for the nth consecutive failure.
func backoffDelay(failures int) time.Duration {
	return time.Duration(min(failures, maxBackoff)) * time.Second
}

// NewWorkItem builds a WorkItem around settle callbacks. It is exported for
// the lifecycle package tests.
func NewWorkItem(payload []byte, correlationID string, headers amqp.Table, ack func(), nack func(requeue bool), redeliverDelay time.Duration) *WorkItem {
	return &WorkItem{
		Payload:        payload,
		CorrelationID:  correlationID,
		Headers:        headers,
		redeliverDelay: redeliverDelay,
		ack:            ack,
		nack:           nack,
	}
}

// Ack acknowledges the delivery. Calls after the item is settled are no-ops.
func (w *WorkItem) Ack() {
	if w.settled.CompareAndSwap(false, true) {
		w.ack()
	}
}

// Nack rejects the delivery, optionally requeueing it. Calls after the item
// is settled are no-ops.
func (w *WorkItem) Nack(requeue bool) {
	if w.settled.CompareAndSwap(false, true) {
		w.nack(requeue)
	}
}

// Redeliver schedules a delayed retry: after the redeliver delay the item is
// nacked with requeue so the broker hands it out again. It returns
// immediately.
func (w *WorkItem) Redeliver() {
	time.AfterFunc(w.redeliverDelay, func() {
		w.Nack(true)
	})
}
