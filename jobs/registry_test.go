// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

package jobs

import (
	"context"
	"errors"
	"testing"
)

func noopHandler(ctx context.Context, job Job, correlationID string) (*ActionResult, error) {
	return &ActionResult{}, nil
}

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		handler Handler
		wantErr bool
	}{
		{"valid registration", KindRunCheckpoint, noopHandler, false},
		{"nil handler", KindRunCheckpoint, nil, true},
		{"empty kind", "", noopHandler, true},
		{"unknown kind is reserved", KindUnknown, noopHandler, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(tt.kind, tt.handler)
			if (err != nil) != tt.wantErr {
				t.Errorf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_RegisterTwice(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(KindRunCheckpoint, noopHandler); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}

	err := r.Register(KindRunCheckpoint, noopHandler)
	if !errors.Is(err, ErrHandlerAlreadyRegistered) {
		t.Errorf("second Register() error = %v, want %v", err, ErrHandlerAlreadyRegistered)
	}
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	if err := r.Validate(); err == nil {
		t.Error("Validate() on empty registry should fail")
	}

	for _, kind := range Kinds() {
		if err := r.Register(kind, noopHandler); err != nil {
			t.Fatalf("Register(%v) error = %v", kind, err)
		}
	}

	if err := r.Validate(); err != nil {
		t.Errorf("Validate() on complete registry error = %v", err)
	}
}

func TestRegistry_DispatchUnknown(t *testing.T) {
	r := NewRegistry()
	for _, kind := range Kinds() {
		if err := r.Register(kind, noopHandler); err != nil {
			t.Fatalf("Register(%v) error = %v", kind, err)
		}
	}

	job := Parse([]byte(`{"type":"unknown_event"}`))
	_, err := r.Dispatch(context.Background(), job, "corr-1")
	if !errors.Is(err, ErrUnsupportedJobVersion) {
		t.Errorf("Dispatch() error = %v, want %v", err, ErrUnsupportedJobVersion)
	}
}

func TestRegistry_DispatchRoutesByKind(t *testing.T) {
	r := NewRegistry()
	var dispatched Kind
	for _, kind := range Kinds() {
		kind := kind
		err := r.Register(kind, func(ctx context.Context, job Job, correlationID string) (*ActionResult, error) {
			dispatched = kind
			return &ActionResult{CreatedResources: []CreatedResource{{Type: "SuiteValidationResult", ID: "svr-1"}}}, nil
		})
		if err != nil {
			t.Fatalf("Register(%v) error = %v", kind, err)
		}
	}

	job := Parse([]byte(`{"type":"list_table_names","datasource_name":"warehouse"}`))
	result, err := r.Dispatch(context.Background(), job, "corr-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if dispatched != KindListTableNames {
		t.Errorf("dispatched kind = %v, want %v", dispatched, KindListTableNames)
	}
	if len(result.CreatedResources) != 1 || result.CreatedResources[0].ID != "svr-1" {
		t.Errorf("unexpected result: %#v", result)
	}
}
