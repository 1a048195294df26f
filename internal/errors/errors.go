// Package errors provides domain-specific error types and sentinel errors
// for improved error handling across the engine.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common scenarios.
// Use errors.Is() to check these errors in your code.
var (
	// ErrNotFound indicates a requested row was not found in the store.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidTransition indicates a state-machine edge is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStatusMismatch indicates an item's current status does not match
	// the stage that tried to process it. Tasks hitting this are cancelled
	// or retried on a short fuse, never failed permanently.
	ErrStatusMismatch = errors.New("item status does not match stage")

	// ErrQuotaExhausted indicates the cached download quota reached zero.
	ErrQuotaExhausted = errors.New("download quota exhausted")

	// ErrSchedulerStopped indicates a schedule call raced with shutdown.
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrStagePaused indicates dispatch was suppressed because the stage is
	// paused. Tasks bounce back to the queue without consuming a retry.
	ErrStagePaused = errors.New("stage is paused")
)

// ProcessingError is the base error for stage failures. Kind carries a
// classification hint (see classify.go) and Retryable tells the scheduler
// whether re-enqueueing makes sense at all.
type ProcessingError struct {
	Kind      string
	Message   string
	Retryable bool
	Err       error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// NewProcessingError creates a retryable processing error of the given kind.
func NewProcessingError(kind, message string) *ProcessingError {
	return &ProcessingError{Kind: kind, Message: message, Retryable: true}
}

// NewStatusMismatchError creates a processing error for a stage that read an
// unexpected item status. Retryable so the scheduler can re-check shortly.
func NewStatusMismatchError(message string) *ProcessingError {
	return &ProcessingError{Kind: "status_mismatch", Message: message, Retryable: true, Err: ErrStatusMismatch}
}

// NetworkError represents transient network failures (timeouts, resets, DNS).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error (%s): %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new network error for the given operation.
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}

// AuthError represents authentication or authorization failures against an
// external service. A 403 from the list source or a failed mirror login both
// land here; the pipeline pauses the owning stage.
type AuthError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("auth error (service=%s, status=%d): %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("auth error (service=%s): %v", e.Service, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError creates a new auth error.
func NewAuthError(service string, statusCode int, err error) *AuthError {
	return &AuthError{Service: service, StatusCode: statusCode, Err: err}
}

// ResourceNotFoundError represents a missing remote resource (404, empty
// search, vanished download link). Never retried.
type ResourceNotFoundError struct {
	Resource string
	Err      error
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("not found: %s: %v", e.Resource, e.Err)
}

func (e *ResourceNotFoundError) Unwrap() error {
	return e.Err
}

// NewResourceNotFoundError creates a new resource-not-found error.
func NewResourceNotFoundError(resource string, err error) *ResourceNotFoundError {
	return &ResourceNotFoundError{Resource: resource, Err: err}
}

// DownloadLimitExhaustedError signals the remote repository refused a
// download because the account's daily allowance is spent. ResetTime is the
// remote-reported reset instant when known.
type DownloadLimitExhaustedError struct {
	ResetTime time.Time
	Err       error
}

func (e *DownloadLimitExhaustedError) Error() string {
	if !e.ResetTime.IsZero() {
		return fmt.Sprintf("download limit exhausted, resets at %s", e.ResetTime.Format(time.RFC3339))
	}
	return "download limit exhausted"
}

func (e *DownloadLimitExhaustedError) Unwrap() error {
	return e.Err
}

// NewDownloadLimitExhaustedError creates a new download-limit error.
func NewDownloadLimitExhaustedError(resetTime time.Time, err error) *DownloadLimitExhaustedError {
	return &DownloadLimitExhaustedError{ResetTime: resetTime, Err: err}
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsDownloadLimitExhausted reports whether err is (or wraps) a
// DownloadLimitExhaustedError.
func IsDownloadLimitExhausted(err error) bool {
	var limitErr *DownloadLimitExhaustedError
	return errors.As(err, &limitErr)
}

// IsStatusMismatch reports whether err marks a stage/status mismatch.
func IsStatusMismatch(err error) bool {
	if errors.Is(err, ErrStatusMismatch) {
		return true
	}
	var procErr *ProcessingError
	return errors.As(err, &procErr) && procErr.Kind == "status_mismatch"
}
