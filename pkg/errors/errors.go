// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the Tuya energy logger.
//
// The logger distinguishes three failure families. Connectivity and malformed
// responses from the device cloud are recovered locally: the collector turns
// them into a disconnected reading and the request layer into a
// {success:false} body. Persistence failures at load time are fatal, because
// silently starting from an empty history would discard recorded energy.
//
// # Example Usage
//
//	err := apperrors.NewConnectivityError("get status", deviceID, cause)
//	if apperrors.IsDeviceUnavailable(err) {
//	    reading = monitoring.DisconnectedReading(now)
//	}
//
//	var pe *apperrors.PersistenceError
//	if errors.As(err, &pe) {
//	    log.Printf("store %s failed on %s", pe.Op, pe.Path)
//	}
package errors

import (
	"errors"
	"fmt"
)

// ConnectivityError represents a failure to reach the device cloud or a
// response in which the cloud reported failure.
type ConnectivityError struct {
	Op       string // Operation being performed (e.g., "get status", "send command")
	DeviceID string // Device involved (if applicable)
	Code     int    // API error code reported by the cloud (0 if none)
	Err      error  // Underlying error
}

func (e *ConnectivityError) Error() string {
	msg := fmt.Sprintf("device %s", e.Op)
	if e.DeviceID != "" {
		msg += fmt.Sprintf(" (device=%s)", e.DeviceID)
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" [code=%d]", e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg + " failed"
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// NewConnectivityError creates a new connectivity error.
func NewConnectivityError(op string, deviceID string, err error) *ConnectivityError {
	return &ConnectivityError{Op: op, DeviceID: deviceID, Err: err}
}

// IsConnectivityError checks if an error is a ConnectivityError.
func IsConnectivityError(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// MalformedResponseError represents a device cloud response whose shape
// cannot be normalized.
type MalformedResponseError struct {
	Op    string // Operation being performed
	Field string // Offending field or data point code (optional)
	Err   error  // Underlying decode error
}

func (e *MalformedResponseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("malformed %s response (field=%s): %v", e.Op, e.Field, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("malformed %s response: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("malformed %s response", e.Op)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// NewMalformedResponseError creates a new malformed response error.
func NewMalformedResponseError(op string, field string, err error) *MalformedResponseError {
	return &MalformedResponseError{Op: op, Field: field, Err: err}
}

// IsMalformedResponseError checks if an error is a MalformedResponseError.
func IsMalformedResponseError(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}

// IsDeviceUnavailable reports whether err means the device could not be
// read, either because it was unreachable or because its answer was unusable.
// Both cases degrade to a disconnected state.
func IsDeviceUnavailable(err error) bool {
	return IsConnectivityError(err) || IsMalformedResponseError(err) || errors.Is(err, ErrCircuitOpen)
}

// PersistenceError represents an error reading or writing the time-series store.
type PersistenceError struct {
	Op   string // Operation being performed (e.g., "load", "append", "replace")
	Path string // Backing file or database path
	Err  error  // Underlying error
}

func (e *PersistenceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("store %s (%s): %v", e.Op, e.Path, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s failed", e.Op)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError creates a new persistence error.
func NewPersistenceError(op string, path string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Path: path, Err: err}
}

// IsPersistenceError checks if an error is a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ValidationError represents a data validation error.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   any    // Invalid value
	Reason  string // Why validation failed
	Details error  // Additional details (optional)
}

func (e *ValidationError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("validation error: field %q with value %v: %s (%v)", e.Field, e.Value, e.Reason, e.Details)
	}
	return fmt.Sprintf("validation error: field %q with value %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Details
}

// NewValidationError creates a new validation error.
func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// Sentinel errors for common conditions
var (
	// ErrCircuitOpen indicates the device circuit breaker is rejecting calls
	ErrCircuitOpen = errors.New("device circuit breaker open")

	// ErrDeviceNotConnected indicates the device did not answer a status request
	ErrDeviceNotConnected = errors.New("device not connected")

	// ErrAlreadyRunning indicates the collector was started twice
	ErrAlreadyRunning = errors.New("collector already running")

	// ErrNotCollecting indicates the collector is idle
	ErrNotCollecting = errors.New("collector not running")

	// ErrTokenInvalid indicates the cloud rejected the access token
	ErrTokenInvalid = errors.New("access token invalid")
)
