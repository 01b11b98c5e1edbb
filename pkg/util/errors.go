// Package util provides utility functions and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for gateway and cache failures
var (
	ErrNotConnected      = errors.New("gateway not connected")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrBadFrame          = errors.New("malformed protocol frame")
	ErrStale             = errors.New("cached state not yet populated")
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrValidationFailed  = errors.New("validation failed")
	ErrDependencyMissing = errors.New("required dependency missing")
	ErrClosed            = errors.New("connection closed")
)

// AuthError represents a failed login handshake with a gateway device
type AuthError struct {
	Gateway string
	Detail  string
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("authentication with %s failed", e.Gateway)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return ErrAuthFailed
}

// NewAuthError creates a new authentication error
func NewAuthError(gateway, detail string) *AuthError {
	return &AuthError{
		Gateway: gateway,
		Detail:  detail,
	}
}

// FrameError represents a protocol line that could not be parsed or verified
type FrameError struct {
	Gateway string
	Line    string
	Reason  string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("bad frame from %s: %s (%q)", e.Gateway, e.Reason, e.Line)
}

func (e *FrameError) Unwrap() error {
	return ErrBadFrame
}

// NewFrameError creates a new frame error
func NewFrameError(gateway, line, reason string) *FrameError {
	return &FrameError{
		Gateway: gateway,
		Line:    line,
		Reason:  reason,
	}
}

// ConfigError represents an invalid or missing configuration value
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// NewConfigError creates a config error
func NewConfigError(key, reason string) *ConfigError {
	return &ConfigError{Key: key, Reason: reason}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddError adds an error message unconditionally
func (v *ValidationBuilder) AddError(message string) *ValidationBuilder {
	v.errors = append(v.errors, message)
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}

// DependencyError represents a gateway whose dependencies could not be met
type DependencyError struct {
	Gateway   string
	DependsOn string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("gateway %s requires gateway '%s' to be loaded", e.Gateway, e.DependsOn)
}

func (e *DependencyError) Unwrap() error {
	return ErrDependencyMissing
}

// NewDependencyError creates a dependency error
func NewDependencyError(gateway, dependsOn string) *DependencyError {
	return &DependencyError{
		Gateway:   gateway,
		DependsOn: dependsOn,
	}
}
