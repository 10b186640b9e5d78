// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/soothill/tuya-energy-logger/pkg/errors"
)

// localLayouts are timestamp layouts without a zone offset. Files written by
// older collectors used them and are read as local time.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

var validate = validator.New()

// Status is the normalized telemetry of the device at one instant.
type Status struct {
	Connected bool    `json:"connected"`
	PowerOn   bool    `json:"power_on"`
	Current   float64 `json:"current" validate:"gte=0"` // amperes
	Voltage   float64 `json:"voltage" validate:"gte=0"` // volts
	Watt      float64 `json:"watt" validate:"gte=0"`    // watts
}

// DisconnectedStatus is the status reported when the device cannot be read.
// Numeric fields are zero rather than absent.
func DisconnectedStatus() Status {
	return Status{}
}

// Reading is one stored telemetry sample. Readings are immutable once created.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Connected bool      `json:"connected"`
	PowerOn   bool      `json:"power_on"`
	Current   float64   `json:"current" validate:"gte=0"`
	Voltage   float64   `json:"voltage" validate:"gte=0"`
	Watt      float64   `json:"watt" validate:"gte=0"`
}

// NewReading stamps a status with a point in time.
func NewReading(ts time.Time, s Status) Reading {
	return Reading{
		Timestamp: ts,
		Connected: s.Connected,
		PowerOn:   s.PowerOn,
		Current:   s.Current,
		Voltage:   s.Voltage,
		Watt:      s.Watt,
	}
}

// DisconnectedReading returns the reading recorded when a poll fails.
func DisconnectedReading(ts time.Time) Reading {
	return NewReading(ts, DisconnectedStatus())
}

// Status returns the telemetry part of the reading.
func (r Reading) Status() Status {
	return Status{
		Connected: r.Connected,
		PowerOn:   r.PowerOn,
		Current:   r.Current,
		Voltage:   r.Voltage,
		Watt:      r.Watt,
	}
}

// Validate checks that the reading is fully populated: a timestamp is set,
// measurements are non-negative and a disconnected reading carries zeros.
func (r Reading) Validate() error {
	if r.Timestamp.IsZero() {
		return apperrors.NewValidationError("timestamp", r.Timestamp, "must be set")
	}

	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			ve := apperrors.NewValidationError(strings.ToLower(fe.Field()), fe.Value(), "failed "+fe.Tag()+" check")
			ve.Details = err
			return ve
		}
		return err
	}

	if !r.Connected && (r.PowerOn || r.Current != 0 || r.Voltage != 0 || r.Watt != 0) {
		return apperrors.NewValidationError("connected", r.Connected, "disconnected reading must carry zeroed fields")
	}
	return nil
}

// readingJSON is the persisted shape of a Reading
type readingJSON struct {
	Timestamp string  `json:"timestamp"`
	Connected bool    `json:"connected"`
	PowerOn   bool    `json:"power_on"`
	Current   float64 `json:"current"`
	Voltage   float64 `json:"voltage"`
	Watt      float64 `json:"watt"`
}

// MarshalJSON writes the timestamp as RFC 3339 with nanoseconds.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(readingJSON{
		Timestamp: FormatTimestamp(r.Timestamp),
		Connected: r.Connected,
		PowerOn:   r.PowerOn,
		Current:   r.Current,
		Voltage:   r.Voltage,
		Watt:      r.Watt,
	})
}

// UnmarshalJSON accepts RFC 3339 timestamps and zone-less ISO 8601 ones.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var raw readingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	*r = Reading{
		Timestamp: ts,
		Connected: raw.Connected,
		PowerOn:   raw.PowerOn,
		Current:   raw.Current,
		Voltage:   raw.Voltage,
		Watt:      raw.Watt,
	}
	return nil
}

// FormatTimestamp renders a reading timestamp for storage and APIs.
func FormatTimestamp(ts time.Time) string {
	return ts.Format(time.RFC3339Nano)
}

// ParseTimestamp parses a stored timestamp. Values without a zone offset are
// interpreted in the local time zone.
func ParseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	for _, layout := range localLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}
