// Package errors defines the structured error kinds the core distinguishes
// (spec §7), plus the wire-compatible {message, stack, code} shape exposed
// on Run and Step entities. The deserializer for that wire shape accepts
// both a legacy plain string and the structured JSON form.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// Code identifies the kind of failure a Run or Step records. Unlike an
	// arbitrary error string, Code is stable across the wire so callers can
	// branch on it (e.g. a dashboard coloring retryable failures differently
	// from fatal ones).
	Code string

	// Structured is the canonical error shape persisted on Run.Error and
	// Step.Error. It round-trips through JSON; Unmarshal also accepts a bare
	// JSON string for backward compatibility with logs written before the
	// structured form existed.
	Structured struct {
		Message string `json:"message"`
		Stack   string `json:"stack,omitempty"`
		Code    Code   `json:"code,omitempty"`
	}
)

const (
	// CodeWorkflowRuntime marks a corrupted or contradictory event log —
	// e.g. an unexpected event type observed for a correlation ID. Terminal
	// for the affected run.
	CodeWorkflowRuntime Code = "WORKFLOW_RUNTIME_ERROR"
	// CodeStepFatal marks a step failure the retry scheduler must not retry.
	CodeStepFatal Code = "STEP_FATAL_ERROR"
	// CodeStepRetryable marks a step failure consumed by the retry
	// scheduler; it never reaches a terminal Run/Step error on its own.
	CodeStepRetryable Code = "STEP_RETRYABLE_ERROR"
	// CodeExternalAccess marks a failure surfaced to the caller (e.g. a 403
	// from a storage backend) that is not itself a run-level failure.
	CodeExternalAccess Code = "EXTERNAL_ACCESS_ERROR"
)

// Error implements the error interface so Structured can be returned,
// wrapped, and matched with errors.As like any other Go error.
func (s *Structured) Error() string {
	if s == nil {
		return ""
	}
	if s.Code != "" {
		return fmt.Sprintf("%s: %s", s.Code, s.Message)
	}
	return s.Message
}

// MarshalJSON always emits the structured object form.
func (s Structured) MarshalJSON() ([]byte, error) {
	type alias Structured
	return json.Marshal(alias(s))
}

// UnmarshalJSON accepts either the structured object form or a bare JSON
// string, so logs and event payloads written before the structured shape
// existed continue to decode.
func (s *Structured) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Message = str
		return nil
	}
	type alias Structured
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decode structured error: %w", err)
	}
	*s = Structured(a)
	return nil
}

// New constructs a Structured error with the given code and message.
func New(code Code, message string) *Structured {
	return &Structured{Message: message, Code: code}
}

// Newf constructs a Structured error with a formatted message.
func Newf(code Code, format string, args ...any) *Structured {
	return &Structured{Message: fmt.Sprintf(format, args...), Code: code}
}

// FromError converts an arbitrary error into a Structured record, preserving
// an existing Structured value (and its code) if present in the chain.
func FromError(code Code, err error) *Structured {
	if err == nil {
		return nil
	}
	var s *Structured
	if errors.As(err, &s) {
		return s
	}
	return &Structured{Message: err.Error(), Code: code}
}

type (
	// RuntimeError reports a corrupted or contradictory event log. The
	// orchestrator raises this when a primitive observes an event type it
	// cannot reconcile with its correlation ID's expected lifecycle (spec
	// scenario S4). It is always terminal for the run.
	RuntimeError struct {
		RunID         string
		CorrelationID string
		Unexpected    string
	}

	// FatalError marks a step failure the step body (or its caller) has
	// explicitly flagged as non-retryable.
	FatalError struct {
		Message string
		Cause   error
	}

	// RetryableError marks a step failure the retry scheduler should
	// consume according to the step's retry policy.
	RetryableError struct {
		Message string
		Cause   error
	}

	// StorageConflictError reports an optimistic uniqueness rejection on
	// event append: somebody else already recorded the terminal event for
	// this (runID, correlationID). Callers should treat this as success.
	StorageConflictError struct {
		RunID         string
		CorrelationID string
	}

	// QueueIdempotencyConflictError reports that a duplicate idempotency
	// key was silently absorbed by the queue; the caller's synthetic
	// message ID still resolves the send.
	QueueIdempotencyConflictError struct {
		IdempotencyKey string
	}

	// QueueTTLExhaustedError signals that the broker-level maximum message
	// age has been reached and the handler must re-enqueue rather than
	// extend visibility further.
	QueueTTLExhaustedError struct {
		MessageID string
		Age       string
	}

	// ExternalAccessError reports a failure from an external dependency
	// (e.g. a 403 from a storage backend) that must surface to the caller
	// without failing the run itself.
	ExternalAccessError struct {
		Message    string
		StatusCode int
		Cause      error
	}
)

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("workflow runtime error: correlation %q observed unexpected event %q", e.CorrelationID, e.Unexpected)
}

func (e *FatalError) Error() string { return e.Message }
func (e *FatalError) Unwrap() error { return e.Cause }

func (e *RetryableError) Error() string { return e.Message }
func (e *RetryableError) Unwrap() error { return e.Cause }

func (e *StorageConflictError) Error() string {
	return fmt.Sprintf("storage conflict: terminal event already recorded for run %q correlation %q", e.RunID, e.CorrelationID)
}

func (e *QueueIdempotencyConflictError) Error() string {
	return fmt.Sprintf("queue idempotency conflict for key %q", e.IdempotencyKey)
}

func (e *QueueTTLExhaustedError) Error() string {
	return fmt.Sprintf("message %q exceeded broker TTL (age %s)", e.MessageID, e.Age)
}

func (e *ExternalAccessError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("external access error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("external access error: %s", e.Message)
}
func (e *ExternalAccessError) Unwrap() error { return e.Cause }

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsRetryable reports whether err is (or wraps) a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsStorageConflict reports whether err is (or wraps) a StorageConflictError.
func IsStorageConflict(err error) bool {
	var sc *StorageConflictError
	return errors.As(err, &sc)
}
