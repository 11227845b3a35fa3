// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

package broker

import (
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ConnectionState is the lifecycle state of one broker connection. Exactly
// one state holds at a time and transitions are driven only by the event
// loop goroutine.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateChannelOpening
	StateConsuming
	StateClosing
	StateClosed
	StateUnrecoverable
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateChannelOpening:
		return "channel-opening"
	case StateConsuming:
		return "consuming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

type (
	// DeliveryHandler receives each delivery on the event loop goroutine.
	DeliveryHandler = func(d amqp.Delivery)

	// Connection owns one physical connection and channel to the broker and
	// drives the consume event loop. The channel is mutated only by the
	// goroutine running Run; foreign goroutines acknowledge deliveries
	// through the closures returned by ThreadsafeAck and ThreadsafeNack,
	// which marshal the operation onto the loop.
	Connection interface {
		// Run blocks, driving the event loop until a terminal state is
		// reached. It returns nil on a caller-requested stop or a
		// broker-initiated consumer cancellation, a *FatalConnectionError
		// when the broker rejects credentials, and a
		// *UnrecoverableConnectionError when the connection or channel
		// closed unexpectedly.
		Run(queue string, onMessage DeliveryHandler) error

		// Stop is idempotent and callable from any goroutine. It requests a
		// graceful cancel-then-close sequence and ultimately halts the loop.
		Stop()

		// Reset clears all per-session handles so a fresh Run can be issued.
		// It must only be called after Run has returned.
		Reset()

		// ReachedConsuming reports whether the last session got as far as
		// the Consuming state.
		ReachedConsuming() bool

		// State returns the current connection state.
		State() ConnectionState

		// ThreadsafeAck returns a closure that acknowledges the delivery
		// identified by tag from any goroutine. If the session has already
		// ended the closure is a no-op; the broker redelivers on its own.
		ThreadsafeAck(tag uint64) func()

		// ThreadsafeNack is the negative counterpart of ThreadsafeAck.
		ThreadsafeNack(tag uint64, requeue bool) func()
	}

	// ackOp is one acknowledgment marshaled onto the event loop.
	ackOp struct {
		tag     uint64
		nack    bool
		requeue bool
	}

	connection struct {
		connectionString string

		mu            sync.Mutex
		state         ConnectionState
		conn          RMQConnection
		ch            AMQPChannel
		stop          chan struct{}
		stopRequested bool
		ops           chan ackOp
		done          chan struct{}
		consumed      bool
		unrecoverable bool
	}
)

// NewConnection creates a broker connection for the given AMQP URL. The
// connection is established lazily by Run.
func NewConnection(connectionString string) Connection {
	return &connection{
		connectionString: connectionString,
		state:            StateDisconnected,
		stop:             make(chan struct{}),
		ops:              make(chan ackOp, 8),
		done:             make(chan struct{}),
	}
}

func (c *connection) Run(queue string, onMessage DeliveryHandler) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrNotReset
	}
	c.state = StateConnecting
	stop := c.stop
	ops := c.ops
	done := c.done
	c.mu.Unlock()

	// Whatever path Run exits through, release any threadsafe callbacks
	// captured during this session.
	defer close(done)

	conn, err := openTransport(c.connectionString)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateChannelOpening)
	ch, err := conn.Channel()
	if err != nil {
		logrus.WithError(err).Error("agent failure to establish the channel")
		_ = conn.Close()
		c.setState(StateDisconnected)
		return openChannelError(err)
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()

	if err := ch.Qos(1, 0, false); err != nil {
		c.teardown()
		c.setState(StateClosed)
		return setPrefetchError(err)
	}

	consumerTag := uuid.NewString()
	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		logrus.WithError(err).WithField("queue", queue).Error("agent failure to begin consuming")
		c.teardown()
		c.setState(StateClosed)
		return beginConsumeError(err)
	}

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancelNotify := ch.NotifyCancel(make(chan string, 1))

	c.mu.Lock()
	c.state = StateConsuming
	c.consumed = true
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"queue":       queue,
		"consumerTag": consumerTag,
	}).Info("agent consuming")

	var runErr error
	stopping := false

loop:
	for {
		select {
		case op := <-ops:
			c.apply(ch, op)

		case d, ok := <-deliveries:
			if !ok {
				break loop
			}
			onMessage(d)

		case amqpErr := <-closeNotify:
			if amqpErr != nil && !stopping {
				runErr = c.markUnrecoverable(amqpErr.Error())
			}
			break loop

		case tag := <-cancelNotify:
			logrus.WithField("consumerTag", tag).Warn("agent consumer cancelled by broker")
			stopping = true
			break loop

		case <-stop:
			stop = nil
			stopping = true
			c.setState(StateClosing)
			if err := ch.Cancel(consumerTag, false); err != nil {
				logrus.WithError(err).Warn("agent failure to cancel consumer")
				break loop
			}
			// Keep draining until the broker confirms the cancel and the
			// delivery channel closes.
		}
	}

	// The delivery channel can close before the close notification is
	// observed; classify the exit if we have not already.
	if runErr == nil && !stopping {
		select {
		case amqpErr := <-closeNotify:
			if amqpErr != nil {
				runErr = c.markUnrecoverable(amqpErr.Error())
			}
		default:
			// Drained with no close signal: broker-side cancellation.
		}
	}

	c.setState(StateClosing)
	c.teardown()

	if c.isUnrecoverable() {
		c.setState(StateUnrecoverable)
	} else {
		c.setState(StateClosed)
	}

	return runErr
}

// apply issues one marshaled acknowledgment against the channel. Failures
// are logged and absorbed; the broker redelivers unacknowledged messages.
func (c *connection) apply(ch AMQPChannel, op ackOp) {
	var err error
	if op.nack {
		err = ch.Nack(op.tag, false, op.requeue)
	} else {
		err = ch.Ack(op.tag, false)
	}
	if err != nil {
		logrus.WithError(err).WithField("deliveryTag", op.tag).Warn("agent acknowledgment failed, broker will redeliver")
	}
}

func (c *connection) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopRequested {
		return
	}
	c.stopRequested = true
	close(c.stop)
}

func (c *connection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = nil
	c.ch = nil
	c.stop = make(chan struct{})
	c.stopRequested = false
	c.ops = make(chan ackOp, 8)
	c.done = make(chan struct{})
	c.consumed = false
	c.unrecoverable = false
	c.state = StateDisconnected
}

func (c *connection) ReachedConsuming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumed
}

func (c *connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) ThreadsafeAck(tag uint64) func() {
	c.mu.Lock()
	ops, done := c.ops, c.done
	c.mu.Unlock()

	return func() {
		select {
		case ops <- ackOp{tag: tag}:
		case <-done:
		}
	}
}

func (c *connection) ThreadsafeNack(tag uint64, requeue bool) func() {
	c.mu.Lock()
	ops, done := c.ops, c.done
	c.mu.Unlock()

	return func() {
		select {
		case ops <- ackOp{tag: tag, nack: true, requeue: requeue}:
		case <-done:
		}
	}
}

func (c *connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connection) markUnrecoverable(reason string) error {
	c.mu.Lock()
	c.unrecoverable = true
	c.mu.Unlock()
	logrus.WithField("reason", reason).Warn("agent connection closed unexpectedly")
	return &UnrecoverableConnectionError{Reason: reason}
}

func (c *connection) isUnrecoverable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unrecoverable
}

func (c *connection) teardown() {
	c.mu.Lock()
	conn, ch := c.conn, c.ch
	c.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			logrus.WithError(err).Warn("agent error closing channel")
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			logrus.WithError(err).Warn("agent error closing connection")
		}
	}
}
