// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

package broker

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// =============================================================================
// MockAMQPChannel - Mock implementation of AMQPChannel for testing
// =============================================================================

// MockAMQPChannel records channel operations and lets tests drive the
// delivery, close, and cancel channels.
type MockAMQPChannel struct {
	mu sync.Mutex

	QosError     error
	ConsumeError error
	AckError     error
	NackError    error
	CancelError  error
	CloseError   error

	Deliveries chan amqp.Delivery

	qosCalls    []QosCall
	acks        []uint64
	nacks       []NackCall
	cancels     []string
	consumeArgs []ConsumeCall
	closed      bool

	closeNotify  chan *amqp.Error
	cancelNotify chan string
}

// QosCall captures the arguments of one Qos invocation.
type QosCall struct {
	PrefetchCount int
	PrefetchSize  int
	Global        bool
}

// NackCall captures the arguments of one Nack invocation.
type NackCall struct {
	Tag      uint64
	Multiple bool
	Requeue  bool
}

// ConsumeCall captures the arguments of one Consume invocation.
type ConsumeCall struct {
	Queue    string
	Consumer string
	AutoAck  bool
}

func NewMockAMQPChannel() *MockAMQPChannel {
	return &MockAMQPChannel{
		Deliveries: make(chan amqp.Delivery, 16),
	}
}

func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qosCalls = append(m.qosCalls, QosCall{prefetchCount, prefetchSize, global})
	return m.QosError
}

func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConsumeError != nil {
		return nil, m.ConsumeError
	}
	m.consumeArgs = append(m.consumeArgs, ConsumeCall{Queue: queue, Consumer: consumer, AutoAck: autoAck})
	return m.Deliveries, nil
}

func (m *MockAMQPChannel) Ack(tag uint64, multiple bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, tag)
	return m.AckError
}

func (m *MockAMQPChannel) Nack(tag uint64, multiple, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacks = append(m.nacks, NackCall{Tag: tag, Multiple: multiple, Requeue: requeue})
	return m.NackError
}

func (m *MockAMQPChannel) Cancel(consumer string, noWait bool) error {
	m.mu.Lock()
	m.cancels = append(m.cancels, consumer)
	deliveries := m.Deliveries
	err := m.CancelError
	m.mu.Unlock()

	// A successful cancel ends the delivery stream, as the broker would.
	if err == nil && deliveries != nil {
		close(deliveries)
		m.mu.Lock()
		m.Deliveries = nil
		m.mu.Unlock()
	}
	return err
}

func (m *MockAMQPChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeNotify = c
	return c
}

func (m *MockAMQPChannel) NotifyCancel(c chan string) chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelNotify = c
	return c
}

func (m *MockAMQPChannel) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockAMQPChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.CloseError
}

// FireClose simulates an unexpected channel close from the broker side.
func (m *MockAMQPChannel) FireClose(err *amqp.Error) {
	m.mu.Lock()
	notify := m.closeNotify
	deliveries := m.Deliveries
	m.Deliveries = nil
	m.closed = true
	m.mu.Unlock()

	if notify != nil {
		notify <- err
	}
	if deliveries != nil {
		close(deliveries)
	}
}

// FireCancel simulates a broker-initiated consumer cancellation.
func (m *MockAMQPChannel) FireCancel(consumerTag string) {
	m.mu.Lock()
	notify := m.cancelNotify
	m.mu.Unlock()

	if notify != nil {
		notify <- consumerTag
	}
}

// Acks returns the delivery tags acknowledged so far.
func (m *MockAMQPChannel) Acks() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.acks...)
}

// Nacks returns the nacks recorded so far.
func (m *MockAMQPChannel) Nacks() []NackCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NackCall(nil), m.nacks...)
}

// QosCalls returns the Qos invocations recorded so far.
func (m *MockAMQPChannel) QosCalls() []QosCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]QosCall(nil), m.qosCalls...)
}

// ConsumeCalls returns the Consume invocations recorded so far.
func (m *MockAMQPChannel) ConsumeCalls() []ConsumeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ConsumeCall(nil), m.consumeArgs...)
}

// =============================================================================
// MockRMQConnection - Mock implementation of RMQConnection for testing
// =============================================================================

type MockRMQConnection struct {
	mu           sync.Mutex
	Chan         *MockAMQPChannel
	ChannelError error
	CloseError   error
	closed       bool
}

func NewMockRMQConnection() *MockRMQConnection {
	return &MockRMQConnection{Chan: NewMockAMQPChannel()}
}

func (m *MockRMQConnection) Channel() (AMQPChannel, error) {
	if m.ChannelError != nil {
		return nil, m.ChannelError
	}
	return m.Chan, nil
}

func (m *MockRMQConnection) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockRMQConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.CloseError
}

// =============================================================================
// MockConnection - Mock implementation of Connection for consumer tests
// =============================================================================

type MockConnection struct {
	mu sync.Mutex

	RunFunc          func(queue string, onMessage DeliveryHandler) error
	ConsumedSessions bool

	runCalls   int
	stopCalls  int
	resetCalls int
}

func (m *MockConnection) Run(queue string, onMessage DeliveryHandler) error {
	m.mu.Lock()
	m.runCalls++
	fn := m.RunFunc
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(queue, onMessage)
}

func (m *MockConnection) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
}

func (m *MockConnection) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCalls++
}

func (m *MockConnection) ReachedConsuming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConsumedSessions
}

func (m *MockConnection) State() ConnectionState { return StateDisconnected }

func (m *MockConnection) ThreadsafeAck(tag uint64) func() {
	return func() {}
}

func (m *MockConnection) ThreadsafeNack(tag uint64, requeue bool) func() {
	return func() {}
}

// StopCalls returns how many times Stop was invoked.
func (m *MockConnection) StopCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalls
}

// RunCalls returns how many times Run was invoked.
func (m *MockConnection) RunCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runCalls
}
