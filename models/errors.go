package models

import (
	"errors"
	"fmt"
)

// Submission errors
var (
	// ErrValidation indicates the request was rejected before any side effect
	ErrValidation = errors.New("invalid conversion request")

	// ErrUnsupportedConversion indicates no converter handles the format pair
	ErrUnsupportedConversion = errors.New("unsupported conversion")

	// ErrFileTooLarge indicates the upload exceeds the owner's plan limit
	ErrFileTooLarge = errors.New("file exceeds plan size limit")

	// ErrTransientDelivery indicates the work queue could not accept the job; safe to retry
	ErrTransientDelivery = errors.New("work queue unavailable, please retry")
)

// Processing errors
var (
	// ErrConversionFailed indicates a converter could not produce output
	ErrConversionFailed = errors.New("conversion failed")

	// ErrPoisonMessage indicates a queue message that can never be processed
	ErrPoisonMessage = errors.New("poison message")

	// ErrInvalidTransition indicates a status change outside the job state graph
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Admission errors
var (
	// ErrUnauthorized indicates an unknown or revoked credential
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the credential has used up its quota for the window
	ErrRateLimited = errors.New("rate limit exceeded, please try again later")
)

// Lookup errors
var (
	// ErrJobNotFound indicates the job id does not resolve
	ErrJobNotFound = errors.New("job not found")

	// ErrCredentialNotFound indicates the API key does not exist
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrForbidden indicates the job belongs to another owner
	ErrForbidden = errors.New("job belongs to another owner")

	// ErrJobBusy indicates the job is being processed and cannot be changed
	ErrJobBusy = errors.New("job is being processed")

	// ErrNotReady indicates the job has no converted output to hand out
	ErrNotReady = errors.New("conversion output is not available")
)

// ValidationError describes which part of a request was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConversionError wraps the cause reported by a converter capability.
type ConversionError struct {
	Capability string
	Cause      error
}

func (e *ConversionError) Error() string {
	if e.Capability == "" {
		return fmt.Sprintf("conversion failed: %v", e.Cause)
	}
	return fmt.Sprintf("conversion failed (%s): %v", e.Capability, e.Cause)
}

func (e *ConversionError) Is(target error) bool {
	return target == ErrConversionFailed
}

func (e *ConversionError) Unwrap() error {
	return e.Cause
}
