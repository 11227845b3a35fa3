// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// AMQPPropagator is the composite propagator used to carry trace context
// through AMQP message headers.
var AMQPPropagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// AMQPHeader adapts an amqp.Table to the TextMapCarrier interface so trace
// context can be extracted from (and injected into) message headers.
type AMQPHeader map[string]interface{}

// Set stores a key-value pair in the header.
func (h AMQPHeader) Set(key, value string) {
	h[key] = value
}

// Get retrieves the string value for a key, or "" if absent or not a string.
func (h AMQPHeader) Get(key string) string {
	v, ok := h[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// Keys lists the keys stored in the header.
func (h AMQPHeader) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// NewConsumerSpan extracts the upstream trace context from the delivery
// headers and starts a consumer span for the given operation name.
func NewConsumerSpan(tracer trace.Tracer, headers amqp.Table, name string) (context.Context, trace.Span) {
	ctx := AMQPPropagator.Extract(context.Background(), AMQPHeader(headers))
	return tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindConsumer))
}
