// Package errors provides the error vocabulary shared by every layer of
// enginedash.
//
// This file provides:
//   - Stable API error codes (the "code" field of JSON error bodies)
//   - Sentinel errors for all error conditions
//   - Error category checking functions
//   - ErrorToCode / ErrorToStatus mapping for the HTTP layer
//   - Error wrapping utilities and the ValidationErrors collector
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// API error codes - used in JSON error bodies
// ============================================================================

const (
	CodeUnknown              = "unknown"
	CodeAuthFailed           = "auth_failed"
	CodeNotAuthenticated     = "not_authenticated"
	CodeNotAuthorized        = "not_authorized"
	CodeOrganizationRequired = "organization_required"
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidRange         = "invalid_range"
	CodeNotFound             = "not_found"
	CodeAlreadyExists        = "already_exists"
	CodeConflict             = "conflict"
	CodeInvalidTransition    = "invalid_transition"
	CodeRateLimited          = "rate_limited"
	CodeInternal             = "internal"
	CodeUnavailable          = "unavailable"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound             = errors.New("not found")
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrAgentNotFound        = errors.New("agent not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrTaskNotFound         = errors.New("task not found")
	ErrProjectNotFound      = errors.New("project not found")
	ErrCodexNotFound        = errors.New("codex not found")
	ErrCommandmentNotFound  = errors.New("commandment not found")

	// Already exists errors
	ErrAlreadyExists     = errors.New("already exists")
	ErrUserAlreadyExists = errors.New("user already exists")

	// Validation errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidValue    = errors.New("invalid value")
	ErrInvalidRange    = errors.New("invalid range")
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidPage     = errors.New("invalid pagination")

	// State errors
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrSessionEnded      = errors.New("session already ended")

	// Auth errors
	ErrNotAuthenticated      = errors.New("not authenticated")
	ErrNotAuthorized         = errors.New("not authorized")
	ErrInvalidToken          = errors.New("invalid token")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrTokenExpired          = errors.New("token expired")
	ErrOrganizationRequired  = errors.New("organization membership required")
	ErrRegistrationDisabled  = errors.New("registration disabled")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrTooManyFailedAttempts = errors.New("too many failed attempts")

	// Internal errors
	ErrInternal    = errors.New("internal error")
	ErrUnavailable = errors.New("service unavailable")

	// Store errors
	ErrConcurrentModification = errors.New("concurrent modification detected (version mismatch)")
	ErrInUse                  = errors.New("in use")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrOrganizationNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrCodexNotFound) ||
		errors.Is(err, ErrCommandmentNotFound)
}

// IsAlreadyExists returns true if err is an already-exists error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrUserAlreadyExists)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidPage)
}

// IsStateError returns true if err is a state-related error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSessionEnded)
}

// IsAuthError returns true if err is an authentication/authorization error.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrOrganizationRequired) ||
		errors.Is(err, ErrRegistrationDisabled)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrRateLimited)
}

// ============================================================================
// Error to API code / HTTP status mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its API error code.
func ErrorToCode(err error) string {
	if err == nil {
		return CodeUnknown
	}

	switch {
	// Auth errors
	case Is(err, ErrInvalidCredentials), Is(err, ErrInvalidToken), Is(err, ErrTokenExpired):
		return CodeAuthFailed
	case Is(err, ErrNotAuthenticated):
		return CodeNotAuthenticated
	case Is(err, ErrOrganizationRequired):
		return CodeOrganizationRequired
	case Is(err, ErrNotAuthorized), Is(err, ErrRegistrationDisabled):
		return CodeNotAuthorized
	case Is(err, ErrRateLimited), Is(err, ErrTooManyFailedAttempts):
		return CodeRateLimited

	// Not found
	case IsNotFound(err):
		return CodeNotFound

	// Already exists
	case IsAlreadyExists(err):
		return CodeAlreadyExists

	// Validation
	case Is(err, ErrInvalidRange), Is(err, ErrInvalidInterval):
		return CodeInvalidRange
	case IsValidation(err):
		return CodeInvalidRequest

	// State
	case Is(err, ErrConcurrentModification), Is(err, ErrInUse):
		return CodeConflict
	case IsStateError(err):
		return CodeInvalidTransition

	case Is(err, ErrUnavailable):
		return CodeUnavailable

	// Default to internal
	default:
		return CodeInternal
	}
}

// ErrorToStatus maps an error to the HTTP status code the API answers with.
func ErrorToStatus(err error) int {
	switch ErrorToCode(err) {
	case CodeAuthFailed, CodeNotAuthenticated:
		return http.StatusUnauthorized
	case CodeNotAuthorized, CodeOrganizationRequired:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeConflict, CodeInvalidTransition:
		return http.StatusConflict
	case CodeInvalidRequest, CodeInvalidRange:
		return http.StatusBadRequest
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CodeToError maps an API code back to a sentinel error (for clients).
func CodeToError(code string) error {
	switch code {
	case CodeAuthFailed:
		return ErrInvalidCredentials
	case CodeNotAuthenticated:
		return ErrNotAuthenticated
	case CodeNotAuthorized:
		return ErrNotAuthorized
	case CodeOrganizationRequired:
		return ErrOrganizationRequired
	case CodeInvalidRequest:
		return ErrInvalidValue
	case CodeInvalidRange:
		return ErrInvalidRange
	case CodeNotFound:
		return ErrNotFound
	case CodeAlreadyExists:
		return ErrAlreadyExists
	case CodeConflict:
		return ErrConcurrentModification
	case CodeInvalidTransition:
		return ErrInvalidTransition
	case CodeRateLimited:
		return ErrRateLimited
	case CodeUnavailable:
		return ErrUnavailable
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewAlreadyExists creates an already-exists error with context.
func NewAlreadyExists(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrAlreadyExists)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidValue)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidValue)
}

// NewInvalidTransition creates a state transition error.
func NewInvalidTransition(entityType, from, action string) error {
	return fmt.Errorf("%s in state %q cannot %s: %w", entityType, from, action, ErrInvalidTransition)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
