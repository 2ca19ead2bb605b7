// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")
	ErrInvalidInput  = errors.New("invalid input")

	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")

	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// Pipeline error kinds. Each maps one-to-one to a ReasonCode.
var (
	ErrUnknownOrInactiveProblem = errors.New("unknown or inactive problem")
	ErrMalformedSolution        = errors.New("malformed solution")
	ErrDuplicateSubmission      = errors.New("duplicate submission")
	ErrBelowQualityThreshold    = errors.New("below quality threshold")
	ErrProgressionConflict      = errors.New("progression conflict")
	ErrStorageUnavailable       = errors.New("storage unavailable")
)

// ReasonCode is the stable, user-visible identifier of a rejection or failure.
type ReasonCode string

const (
	ReasonUnknownOrInactiveProblem ReasonCode = "UNKNOWN_OR_INACTIVE_PROBLEM"
	ReasonMalformedSolution        ReasonCode = "MALFORMED_SOLUTION"
	ReasonDuplicateSubmission      ReasonCode = "DUPLICATE_SUBMISSION"
	ReasonBelowQualityThreshold    ReasonCode = "BELOW_QUALITY_THRESHOLD"
	ReasonProgressionConflict      ReasonCode = "PROGRESSION_CONFLICT"
	ReasonStorageUnavailable       ReasonCode = "STORAGE_UNAVAILABLE"
)

var reasonKinds = map[ReasonCode]error{
	ReasonUnknownOrInactiveProblem: ErrUnknownOrInactiveProblem,
	ReasonMalformedSolution:        ErrMalformedSolution,
	ReasonDuplicateSubmission:      ErrDuplicateSubmission,
	ReasonBelowQualityThreshold:    ErrBelowQualityThreshold,
	ReasonProgressionConflict:      ErrProgressionConflict,
	ReasonStorageUnavailable:       ErrStorageUnavailable,
}

// Kind returns the sentinel error for the code, or nil for an unknown code.
func (r ReasonCode) Kind() error { return reasonKinds[r] }

func (r ReasonCode) String() string { return string(r) }

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g. "contribution", "progress"
	Op      string
	Kind    error // sentinel for errors.Is
	Reason  ReasonCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Reject builds an error carrying a reason code. The Kind is derived from the code.
func Reject(domain, op string, reason ReasonCode, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    reason.Kind(),
		Reason:  reason,
		Message: message,
	}
}

// WithCause returns a copy of e wrapping err.
func (e *DomainError) WithCause(err error) *DomainError {
	cp := *e
	cp.Err = err
	return &cp
}

// StorageError wraps a backend failure as STORAGE_UNAVAILABLE.
// Errors that already carry a reason are returned unchanged.
func StorageError(domain, op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := ReasonOf(err); ok {
		return err
	}
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    ErrStorageUnavailable,
		Reason:  ReasonStorageUnavailable,
		Message: "storage unavailable",
		Err:     err,
	}
}

// ReasonOf extracts the reason code from err.
func ReasonOf(err error) (ReasonCode, bool) {
	if err == nil {
		return "", false
	}
	var de *DomainError
	if errors.As(err, &de) && de.Reason != "" {
		return de.Reason, true
	}
	for code, kind := range reasonKinds {
		if errors.Is(err, kind) {
			return code, true
		}
	}
	return "", false
}

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRejection reports whether err is a caller-facing rejection that must not be retried.
func IsRejection(err error) bool {
	return errors.Is(err, ErrUnknownOrInactiveProblem) ||
		errors.Is(err, ErrMalformedSolution) ||
		errors.Is(err, ErrDuplicateSubmission) ||
		errors.Is(err, ErrBelowQualityThreshold)
}

// IsRetryable checks if the operation can be retried by the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProgressionConflict) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsStorageUnavailable reports whether err is a backend failure.
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
