// Package errors provides the typed error taxonomy for the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the class of failure that occurred
type ErrorCode string

const (
	// ErrCodeStorageFailure covers local durable-storage failures. These are
	// fatal for the triggering operation and are never retried by the engine.
	ErrCodeStorageFailure ErrorCode = "STORAGE_FAILURE"

	// ErrCodeTransportFailure covers network unreachability and timeouts.
	// Retried by the scheduler with backoff.
	ErrCodeTransportFailure ErrorCode = "TRANSPORT_FAILURE"

	// ErrCodeAuthFailure means the credential is invalid or expired. The
	// session pauses until re-authentication; no automatic retry.
	ErrCodeAuthFailure ErrorCode = "AUTH_FAILURE"

	// ErrCodeProtocolFailure means the server returned something the client
	// cannot interpret. Treated like a transport failure for retry purposes
	// but flagged for diagnostics.
	ErrCodeProtocolFailure ErrorCode = "PROTOCOL_FAILURE"

	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpSync    Operation = "sync"
	OpPush    Operation = "push"
	OpPull    Operation = "pull"
	OpResolve Operation = "resolve"
	OpAck     Operation = "acknowledge"
	OpAppend  Operation = "append"
	OpLoad    Operation = "load"
	OpSave    Operation = "save"
	OpPrune   Operation = "prune"
	OpIngest  Operation = "ingest"
	OpClose   Operation = "close"
)

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "journal", "transport")
	Component string

	// Underlying error
	Err error

	// Whether the scheduler may retry the failed session
	Retryable bool

	// Error code for the error class
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new local-storage SyncError. Storage errors are
// surfaced to the caller immediately and not retried: an un-journaled
// mutation would otherwise silently fail to sync.
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "storage",
		Err:       cause,
		Retryable: false,
	}
}

// NewTransportError creates a new network-related SyncError
func NewTransportError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeTransportFailure,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewAuthError creates a new credential-related SyncError
func NewAuthError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeAuthFailure,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: false,
	}
}

// NewProtocolError creates a new SyncError for malformed or unexpected
// server responses
func NewProtocolError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeProtocolFailure,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// CodeOf returns the ErrorCode of err, or "" if err is not a SyncError.
func CodeOf(err error) ErrorCode {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code
	}
	return ""
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return CodeOf(err) == ErrCodeAuthFailure
}

// IsStorage reports whether err is a local-storage failure.
func IsStorage(err error) bool {
	return CodeOf(err) == ErrCodeStorageFailure
}

// IsProtocol reports whether err is a protocol failure.
func IsProtocol(err error) bool {
	return CodeOf(err) == ErrCodeProtocolFailure
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	return CodeOf(err) == ErrCodeTransportFailure
}
