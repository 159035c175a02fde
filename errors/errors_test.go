package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSyncError_Error(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransportError(OpPull, cause)

	msg := err.Error()
	want := "pull operation failed in transport component [TRANSPORT_FAILURE]: connection refused"
	if msg != want {
		t.Fatalf("unexpected message:\n got %q\nwant %q", msg, want)
	}
}

func TestSyncError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStorageError(OpAppend, cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the cause through Unwrap")
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transport", NewTransportError(OpPush, errors.New("timeout")), true},
		{"protocol", NewProtocolError(OpPull, errors.New("bad json")), true},
		{"storage", NewStorageError(OpAppend, errors.New("locked")), false},
		{"auth", NewAuthError(OpPush, errors.New("expired")), false},
		{"validation", NewValidationError(OpIngest, errors.New("no id")), false},
		{"plain", errors.New("plain"), false},
		{"wrapped", fmt.Errorf("outer: %w", NewTransportError(OpPull, errors.New("x"))), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Fatalf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestClassifiers(t *testing.T) {
	if !IsAuth(NewAuthError(OpPush, errors.New("401"))) {
		t.Fatal("IsAuth should match auth errors")
	}
	if IsAuth(NewTransportError(OpPush, errors.New("x"))) {
		t.Fatal("IsAuth should not match transport errors")
	}
	if !IsStorage(NewStorageError(OpSave, errors.New("x"))) {
		t.Fatal("IsStorage should match storage errors")
	}
	if !IsProtocol(NewProtocolError(OpPull, errors.New("x"))) {
		t.Fatal("IsProtocol should match protocol errors")
	}
	if !IsTransport(NewTransportError(OpPull, errors.New("x"))) {
		t.Fatal("IsTransport should match transport errors")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("CodeOf on a plain error should be empty")
	}
}

func TestWrapOpComponent(t *testing.T) {
	if WrapOpComponent(nil, OpLoad, "config") != nil {
		t.Fatal("nil error must pass through unwrapped")
	}

	cause := errors.New("no such file")
	err := WrapOpComponent(cause, OpLoad, "config")

	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SyncError, got %T", err)
	}
	if se.Op != OpLoad || se.Component != "config" {
		t.Fatalf("op/component not propagated: %s/%s", se.Op, se.Component)
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause must remain reachable through Unwrap")
	}
}

func TestWithMetadata(t *testing.T) {
	err := NewTransportError(OpPush, errors.New("timeout"))
	_ = WithMetadata(err, "batch_id", "b-1")

	if err.Metadata["batch_id"] != "b-1" {
		t.Fatalf("metadata not attached: %v", err.Metadata)
	}
}
