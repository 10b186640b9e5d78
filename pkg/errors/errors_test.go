// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestConnectivityError(t *testing.T) {
	baseErr := fmt.Errorf("dial tcp: i/o timeout")
	err := NewConnectivityError("get status", "bf2ea642", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "get status") || !strings.Contains(errMsg, "bf2ea642") {
		t.Errorf("Error() = %q, want message containing 'get status' and 'bf2ea642'", errMsg)
	}

	if !errors.Is(err, baseErr) {
		t.Error("errors.Is() should find wrapped error")
	}

	if !IsConnectivityError(err) {
		t.Error("IsConnectivityError() should return true for ConnectivityError")
	}

	var ce *ConnectivityError
	if !errors.As(err, &ce) {
		t.Fatal("errors.As() should extract ConnectivityError")
	}
	if ce.DeviceID != "bf2ea642" {
		t.Errorf("ConnectivityError.DeviceID = %q, want %q", ce.DeviceID, "bf2ea642")
	}
}

func TestConnectivityError_WithCode(t *testing.T) {
	err := &ConnectivityError{Op: "get status", Code: 1106}
	if !strings.Contains(err.Error(), "code=1106") {
		t.Errorf("Error() = %q, want message containing the API code", err.Error())
	}
	if !strings.HasSuffix(err.Error(), "failed") {
		t.Errorf("Error() = %q, want message ending in 'failed' when no cause", err.Error())
	}
}

func TestMalformedResponseError(t *testing.T) {
	baseErr := fmt.Errorf("cannot unmarshal string into float64")
	err := NewMalformedResponseError("status", "cur_power", baseErr)

	if !strings.Contains(err.Error(), "cur_power") {
		t.Errorf("Error() = %q, want message containing field name", err.Error())
	}
	if !errors.Is(err, baseErr) {
		t.Error("errors.Is() should find wrapped error")
	}
	if !IsMalformedResponseError(err) {
		t.Error("IsMalformedResponseError() should return true")
	}
	if IsConnectivityError(err) {
		t.Error("IsConnectivityError() should return false for MalformedResponseError")
	}
}

func TestIsDeviceUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connectivity", NewConnectivityError("get status", "", nil), true},
		{"malformed", NewMalformedResponseError("status", "", nil), true},
		{"circuit open", fmt.Errorf("fetch: %w", ErrCircuitOpen), true},
		{"wrapped connectivity", fmt.Errorf("cycle: %w", NewConnectivityError("x", "", nil)), true},
		{"persistence", NewPersistenceError("append", "data.json", nil), false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDeviceUnavailable(tt.err); got != tt.want {
				t.Errorf("IsDeviceUnavailable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPersistenceError(t *testing.T) {
	baseErr := fmt.Errorf("unexpected end of JSON input")
	err := NewPersistenceError("load", "/var/lib/tuya/data.json", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "load") || !strings.Contains(errMsg, "/var/lib/tuya/data.json") {
		t.Errorf("Error() = %q, want message containing op and path", errMsg)
	}
	if !IsPersistenceError(err) {
		t.Error("IsPersistenceError() should return true")
	}

	var pe *PersistenceError
	if !errors.As(fmt.Errorf("startup: %w", err), &pe) {
		t.Fatal("errors.As() should extract wrapped PersistenceError")
	}
	if pe.Op != "load" {
		t.Errorf("PersistenceError.Op = %q, want %q", pe.Op, "load")
	}
}

func TestConfigError(t *testing.T) {
	baseErr := fmt.Errorf("unknown region")
	err := NewConfigError("device.region", "mars", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "config") || !strings.Contains(errMsg, "device.region") {
		t.Errorf("Error() = %q, want message containing 'config' and 'device.region'", errMsg)
	}
	if !IsConfigError(err) {
		t.Error("IsConfigError() should return true for ConfigError")
	}

	noValue := NewConfigError("device.id", "", baseErr)
	if strings.Contains(noValue.Error(), "value=") {
		t.Errorf("Error() = %q, should omit empty value", noValue.Error())
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("watt", -3.5, "must be non-negative")

	errMsg := err.Error()
	if !strings.Contains(errMsg, "watt") || !strings.Contains(errMsg, "-3.5") {
		t.Errorf("Error() = %q, want field and value", errMsg)
	}
	if !IsValidationError(err) {
		t.Error("IsValidationError() should return true")
	}

	err.Details = fmt.Errorf("gte=0")
	if !strings.Contains(err.Error(), "gte=0") {
		t.Errorf("Error() = %q, want details", err.Error())
	}
}

func TestNotificationError(t *testing.T) {
	baseErr := fmt.Errorf("webhook returned 500")
	err := NewNotificationError("slack", baseErr)

	if !strings.Contains(err.Error(), "slack") {
		t.Errorf("Error() = %q, want notification type", err.Error())
	}
	if !IsNotificationError(err) {
		t.Error("IsNotificationError() should return true")
	}
	if !errors.Is(err, baseErr) {
		t.Error("errors.Is() should find wrapped error")
	}
}

func TestSentinelErrors(t *testing.T) {
	sentinels := []error{ErrCircuitOpen, ErrDeviceNotConnected, ErrAlreadyRunning, ErrNotCollecting, ErrTokenInvalid}
	seen := make(map[string]bool)
	for _, s := range sentinels {
		if s.Error() == "" {
			t.Error("sentinel error has empty message")
		}
		if seen[s.Error()] {
			t.Errorf("duplicate sentinel message %q", s.Error())
		}
		seen[s.Error()] = true
	}
}
