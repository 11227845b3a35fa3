// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

package broker

import (
	"crypto/tls"
	"errors"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type (
	// RMQConnection defines the interface for a RabbitMQ connection.
	// It abstracts the underlying AMQP connection so the event loop can be
	// exercised against mocks.
	RMQConnection interface {
		// Channel creates a new channel on the connection.
		Channel() (AMQPChannel, error)

		// IsClosed checks if the connection is closed.
		IsClosed() bool

		// Close gracefully closes the connection and all its channels.
		Close() error
	}

	// AMQPChannel defines the consume-side operations the event loop issues
	// against a RabbitMQ channel.
	AMQPChannel interface {
		// Qos sets the prefetch window for this channel. The agent always
		// runs with a prefetch count of 1 so at most one delivery is
		// unacknowledged at a time.
		Qos(prefetchCount, prefetchSize int, global bool) error

		// Consume starts delivering messages from a queue.
		Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)

		// Ack acknowledges a delivery by its delivery tag.
		Ack(tag uint64, multiple bool) error

		// Nack negatively acknowledges a delivery, optionally requeueing it.
		Nack(tag uint64, multiple, requeue bool) error

		// Cancel stops the consumer identified by its consumer tag.
		Cancel(consumer string, noWait bool) error

		// NotifyClose registers a listener for channel close events.
		NotifyClose(c chan *amqp.Error) chan *amqp.Error

		// NotifyCancel registers a listener for broker-initiated consumer
		// cancellations (e.g. the queue was deleted).
		NotifyCancel(c chan string) chan string

		// IsClosed checks if the channel is closed.
		IsClosed() bool

		// Close gracefully closes the channel.
		Close() error
	}

	// amqpConnection adapts *amqp.Connection to RMQConnection so Channel
	// returns the interface type.
	amqpConnection struct {
		*amqp.Connection
	}
)

func (c amqpConnection) Channel() (AMQPChannel, error) {
	return c.Connection.Channel()
}

// tlsCipherSuites is the restricted cipher list used for amqps:// URLs.
// The system trust store is used for certificate verification.
var tlsCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// dial is a variable that holds the function used to establish the transport.
// It allows for mocking in tests.
var dial = func(connectionString string) (RMQConnection, error) {
	if strings.HasPrefix(connectionString, "amqps://") {
		conn, err := amqp.DialTLS(connectionString, &tls.Config{
			MinVersion:   tls.VersionTLS12,
			CipherSuites: tlsCipherSuites,
		})
		if err != nil {
			return nil, err
		}
		return amqpConnection{conn}, nil
	}

	conn, err := amqp.Dial(connectionString)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// openTransport dials the broker, classifying authentication failures as
// fatal and everything else as transient.
func openTransport(connectionString string) (RMQConnection, error) {
	logrus.Debug("agent connecting to rabbitmq...")
	conn, err := dial(connectionString)
	if err != nil {
		if isAuthError(err) {
			logrus.WithError(err).Error("agent broker rejected credentials")
			return nil, &FatalConnectionError{Err: err}
		}
		logrus.WithError(err).Error("agent failure to connect to the broker")
		return nil, openTransportError(err)
	}
	logrus.Debug("agent connected to rabbitmq")
	return conn, nil
}

// isAuthError reports whether the broker refused access during the handshake.
func isAuthError(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.AccessRefused
	}
	return false
}
