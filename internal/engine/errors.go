// Package engine holds the shared vocabulary of the transform core:
// error kinds surfaced to callers, per-model statuses, and the result
// types every run reports in.
package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure for callers (CLI, HTTP, scheduler).
type Kind string

const (
	KindParseError        Kind = "parse_error"
	KindCycle             Kind = "cycle"
	KindValidationError   Kind = "validation_error"
	KindMissingUpstream   Kind = "missing_upstream"
	KindRequiresUniqueKey Kind = "incremental_requires_unique_key"
	KindAssertionFailed   Kind = "assertion_failed"
	KindExecutionError    Kind = "execution_error"
	KindCancelled         Kind = "cancelled"
	KindTimeout           Kind = "timeout"
)

// KindError wraps an underlying error with an engine Kind.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// Errorf builds a KindError from a format string.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil for nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// report as execution_error.
func KindOf(err error) Kind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindExecutionError
}
