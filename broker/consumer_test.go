// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

package broker

import (
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// sleepRecorder swaps the consumer's sleep for a delay log.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestConsumer(conn Connection) (*consumer, *sleepRecorder) {
	rec := &sleepRecorder{}
	c := NewConsumer(conn).(*consumer)
	c.sleep = rec.sleep
	return c, rec
}

func TestConsume_BackoffSequence(t *testing.T) {
	conn := &MockConnection{
		RunFunc: func(queue string, onMessage DeliveryHandler) error {
			return NewBrokerError("connection refused")
		},
	}
	c, rec := newTestConsumer(conn)

	const attempts = 35
	for i := 0; i < attempts; i++ {
		if err := c.Consume("agent-jobs", func(item *WorkItem) {}); err == nil {
			t.Fatal("Consume() should return the transient error")
		}
	}

	delays := rec.recorded()
	if len(delays) != attempts {
		t.Fatalf("recorded %d delays, want %d", len(delays), attempts)
	}
	for i, delay := range delays {
		want := time.Duration(min(i+1, 30)) * time.Second
		if delay != want {
			t.Errorf("delay[%d] = %v, want %v", i, delay, want)
		}
	}
}

func TestConsume_FailureCountResetsAfterConsumingSession(t *testing.T) {
	conn := &MockConnection{
		RunFunc: func(queue string, onMessage DeliveryHandler) error {
			return NewBrokerError("channel lost")
		},
		ConsumedSessions: true,
	}
	c, rec := newTestConsumer(conn)

	for i := 0; i < 3; i++ {
		if err := c.Consume("agent-jobs", func(item *WorkItem) {}); err == nil {
			t.Fatal("Consume() should return the transient error")
		}
	}

	// Every session reached Consuming, so every failure is the first.
	for i, delay := range rec.recorded() {
		if delay != time.Second {
			t.Errorf("delay[%d] = %v, want %v", i, delay, time.Second)
		}
	}
}

func TestConsume_AuthFailureNeverRetried(t *testing.T) {
	authErr := &FatalConnectionError{Err: &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED"}}
	conn := &MockConnection{
		RunFunc: func(queue string, onMessage DeliveryHandler) error {
			return authErr
		},
	}
	c, rec := newTestConsumer(conn)

	err := c.Consume("agent-jobs", func(item *WorkItem) {})

	var fatal *FatalConnectionError
	if !errors.As(err, &fatal) {
		t.Fatalf("Consume() error = %v, want FatalConnectionError", err)
	}
	if got := conn.StopCalls(); got != 1 {
		t.Errorf("Stop() called %d times, want 1", got)
	}
	if len(rec.recorded()) != 0 {
		t.Errorf("auth failure must not back off, recorded %v", rec.recorded())
	}
	if got := conn.RunCalls(); got != 1 {
		t.Errorf("Run() called %d times, want 1", got)
	}
}

func TestConsume_CleanStopReturnsNil(t *testing.T) {
	conn := &MockConnection{
		RunFunc: func(queue string, onMessage DeliveryHandler) error {
			return nil
		},
	}
	c, rec := newTestConsumer(conn)

	if err := c.Consume("agent-jobs", func(item *WorkItem) {}); err != nil {
		t.Errorf("Consume() error = %v, want nil", err)
	}
	if len(rec.recorded()) != 0 {
		t.Errorf("clean stop must not back off, recorded %v", rec.recorded())
	}
}

func TestConsume_ClosedConsumerDoesNotRun(t *testing.T) {
	conn := &MockConnection{}
	c, _ := newTestConsumer(conn)

	c.Close()
	if err := c.Consume("agent-jobs", func(item *WorkItem) {}); err != nil {
		t.Errorf("Consume() after Close error = %v, want nil", err)
	}
	if got := conn.RunCalls(); got != 0 {
		t.Errorf("Run() called %d times after Close, want 0", got)
	}
}

func TestConsume_TranslatesDeliveries(t *testing.T) {
	conn := &MockConnection{
		RunFunc: func(queue string, onMessage DeliveryHandler) error {
			onMessage(amqp.Delivery{
				DeliveryTag:   7,
				CorrelationId: "corr-7",
				Body:          []byte(`{"type":"run_checkpoint"}`),
				Headers:       amqp.Table{"traceparent": "00-abc"},
			})
			return nil
		},
	}
	c, _ := newTestConsumer(conn)

	items := make(chan *WorkItem, 1)
	err := c.Consume("agent-jobs", func(item *WorkItem) { items <- item })
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	select {
	case item := <-items:
		if item.CorrelationID != "corr-7" {
			t.Errorf("CorrelationID = %q, want corr-7", item.CorrelationID)
		}
		if string(item.Payload) != `{"type":"run_checkpoint"}` {
			t.Errorf("unexpected payload %q", item.Payload)
		}
		if item.Headers["traceparent"] != "00-abc" {
			t.Errorf("headers not carried over: %v", item.Headers)
		}
	case <-time.After(time.Second):
		t.Fatal("message handler was never invoked")
	}
}

func TestConsume_SettleAfterReconnectIsNoop(t *testing.T) {
	first := NewMockRMQConnection()
	second := NewMockRMQConnection()
	conns := make(chan *MockRMQConnection, 2)
	conns <- first
	conns <- second
	withDial(t, func(string) (RMQConnection, error) { return <-conns, nil })

	conn := NewConnection("amqp://localhost")
	c, _ := newTestConsumer(conn)

	items := make(chan *WorkItem, 1)
	session1 := make(chan error, 1)
	go func() { session1 <- c.Consume("agent-jobs", func(item *WorkItem) { items <- item }) }()

	waitFor(t, "first session consuming", func() bool { return conn.State() == StateConsuming })
	first.Chan.Deliveries <- amqp.Delivery{DeliveryTag: 1}
	stale := <-items

	first.Chan.FireClose(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})
	if err := <-session1; err == nil {
		t.Fatal("Consume() should surface the session loss")
	}

	session2 := make(chan error, 1)
	go func() { session2 <- c.Consume("agent-jobs", func(item *WorkItem) {}) }()
	waitFor(t, "second session consuming", func() bool { return conn.State() == StateConsuming })

	// The item belongs to the dead session. Its tag means nothing on the
	// new channel, so settling it must reach neither.
	stale.Nack(true)
	time.Sleep(50 * time.Millisecond)
	if got := second.Chan.Nacks(); len(got) != 0 {
		t.Errorf("stale delivery tag reached the new session's channel: %#v", got)
	}
	if got := first.Chan.Nacks(); len(got) != 0 {
		t.Errorf("stale delivery tag reached the dead session's channel: %#v", got)
	}

	conn.Stop()
	if err := <-session2; err != nil {
		t.Errorf("Consume() after Stop error = %v, want nil", err)
	}
}

func TestWorkItem_ExactlyOneSettle(t *testing.T) {
	tests := []struct {
		name      string
		settle    func(w *WorkItem)
		wantAcks  int
		wantNacks int
	}{
		{"ack twice", func(w *WorkItem) { w.Ack(); w.Ack() }, 1, 0},
		{"nack twice", func(w *WorkItem) { w.Nack(false); w.Nack(true) }, 0, 1},
		{"ack then nack", func(w *WorkItem) { w.Ack(); w.Nack(true) }, 1, 0},
		{"nack then ack", func(w *WorkItem) { w.Nack(true); w.Ack() }, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var acks, nacks int
			w := NewWorkItem(nil, "corr-1", nil,
				func() { acks++ },
				func(requeue bool) { nacks++ },
				time.Millisecond,
			)

			tt.settle(w)

			if acks != tt.wantAcks || nacks != tt.wantNacks {
				t.Errorf("acks=%d nacks=%d, want acks=%d nacks=%d", acks, nacks, tt.wantAcks, tt.wantNacks)
			}
			if acks+nacks != 1 {
				t.Errorf("exactly one settle expected, got %d", acks+nacks)
			}
		})
	}
}

func TestWorkItem_RedeliverNacksWithRequeue(t *testing.T) {
	requeued := make(chan bool, 1)
	w := NewWorkItem(nil, "corr-1", nil,
		func() {},
		func(requeue bool) { requeued <- requeue },
		10*time.Millisecond,
	)

	w.Redeliver()

	select {
	case requeue := <-requeued:
		if !requeue {
			t.Error("Redeliver() must nack with requeue=true")
		}
	case <-time.After(time.Second):
		t.Fatal("Redeliver() never nacked")
	}
}

func TestWorkItem_RedeliverLosesToAck(t *testing.T) {
	var nacks int
	done := make(chan struct{})
	w := NewWorkItem(nil, "corr-1", nil,
		func() {},
		func(requeue bool) { nacks++ },
		10*time.Millisecond,
	)

	w.Redeliver()
	w.Ack()

	time.AfterFunc(50*time.Millisecond, func() { close(done) })
	<-done

	if nacks != 0 {
		t.Errorf("ack settled the item first, redeliver must be a no-op, got %d nacks", nacks)
	}
}
