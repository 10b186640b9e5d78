// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications turns collector events into operator alerts.
//
// An Alerter watches the stream of readings and raises one alert per state
// transition: the plug going offline, the plug coming back, the store
// starting to reject writes and the store recovering. Repeated failures of
// the same kind do not produce repeated alerts. Delivery goes through any
// interfaces.Notifier, normally the Slack webhook client.
//
// Alert failures are returned to the caller to log; they never block
// collection.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soothill/tuya-energy-logger/monitoring"
	"github.com/soothill/tuya-energy-logger/pkg/interfaces"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
)

// Alert severities understood by the Slack client
const (
	SeverityDanger  = "danger"
	SeverityWarning = "warning"
	SeverityGood    = "good"
)

// Alerter sends transition alerts for one device
type Alerter struct {
	notifier interfaces.Notifier
	deviceID string

	mu           sync.Mutex
	deviceDown   bool
	downSince    time.Time
	storeFailing bool
	mirrorFailed bool
}

// NewAlerter creates an alerter that reports through notifier
func NewAlerter(notifier interfaces.Notifier, deviceID string) *Alerter {
	return &Alerter{notifier: notifier, deviceID: deviceID}
}

// IsEnabled reports whether alerts are delivered anywhere
func (a *Alerter) IsEnabled() bool {
	return a.notifier != nil && a.notifier.IsEnabled()
}

// Observe records one collected reading together with the number of readings
// still waiting to be persisted, and sends alerts for any state change.
func (a *Alerter) Observe(ctx context.Context, reading monitoring.Reading, pending int) error {
	a.mu.Lock()
	var sends []func(context.Context) error

	switch {
	case !reading.Connected && !a.deviceDown:
		a.deviceDown = true
		a.downSince = reading.Timestamp
		sends = append(sends, func(ctx context.Context) error {
			return a.SendDeviceOffline(ctx, reading.Timestamp)
		})
	case reading.Connected && a.deviceDown:
		downtime := reading.Timestamp.Sub(a.downSince)
		a.deviceDown = false
		sends = append(sends, func(ctx context.Context) error {
			return a.SendDeviceRecovered(ctx, downtime)
		})
	}

	switch {
	case pending > 0 && !a.storeFailing:
		a.storeFailing = true
		sends = append(sends, func(ctx context.Context) error {
			return a.SendStoreFailure(ctx, pending)
		})
	case pending == 0 && a.storeFailing:
		a.storeFailing = false
		sends = append(sends, a.SendStoreRecovered)
	}

	a.mu.Unlock()

	var errs []error
	for _, send := range sends {
		errs = append(errs, send(ctx))
	}
	return errors.Join(errs...)
}

// ObserveMirror records the outcome of a mirror write; only the first
// failure after a success raises an alert.
func (a *Alerter) ObserveMirror(ctx context.Context, err error) error {
	a.mu.Lock()
	first := err != nil && !a.mirrorFailed
	recovered := err == nil && a.mirrorFailed
	a.mirrorFailed = err != nil
	a.mu.Unlock()

	switch {
	case first:
		return a.send(ctx, SeverityWarning, "InfluxDB Mirror Failure",
			fmt.Sprintf("Mirroring readings for %s failed: %v\nThe local history is unaffected.", a.deviceID, err))
	case recovered:
		return a.send(ctx, SeverityGood, "InfluxDB Mirror Restored",
			fmt.Sprintf("Readings for %s are being mirrored again.", a.deviceID))
	}
	return nil
}

// SendDeviceOffline alerts that the plug stopped answering
func (a *Alerter) SendDeviceOffline(ctx context.Context, since time.Time) error {
	return a.send(ctx, SeverityDanger, "Smart Plug Offline",
		fmt.Sprintf("Device %s is not responding since %s.\nDisconnected readings are being recorded.",
			a.deviceID, since.Format(time.RFC3339)))
}

// SendDeviceRecovered alerts that the plug answers again
func (a *Alerter) SendDeviceRecovered(ctx context.Context, downtime time.Duration) error {
	return a.send(ctx, SeverityGood, "Smart Plug Back Online",
		fmt.Sprintf("Device %s is responding again after %s.", a.deviceID, downtime.Round(time.Second)))
}

// SendStoreFailure alerts that readings cannot be persisted
func (a *Alerter) SendStoreFailure(ctx context.Context, pending int) error {
	return a.send(ctx, SeverityDanger, "Reading Store Write Failure",
		fmt.Sprintf("Readings for %s could not be saved; %d held in memory and retried every cycle.",
			a.deviceID, pending))
}

// SendStoreRecovered alerts that pending readings were written
func (a *Alerter) SendStoreRecovered(ctx context.Context) error {
	return a.send(ctx, SeverityGood, "Reading Store Recovered",
		fmt.Sprintf("Pending readings for %s have been written.", a.deviceID))
}

// SendSpoolWarning alerts that the mirror spool is nearly full
func (a *Alerter) SendSpoolWarning(ctx context.Context, size, maxSize int64) error {
	return a.send(ctx, SeverityWarning, "Mirror Spool Nearly Full",
		fmt.Sprintf("Spooled readings for %s use %d of %d MB. Readings will be dropped from the mirror once it is full.",
			a.deviceID, size/(1024*1024), maxSize/(1024*1024)))
}

func (a *Alerter) send(ctx context.Context, severity, title, message string) error {
	if !a.IsEnabled() {
		logger.Debug().Str("title", title).Msg("Notifications disabled, skipping alert")
		return nil
	}
	if err := a.notifier.SendAlert(ctx, severity, title, message); err != nil {
		return err
	}
	logger.Debug().Str("title", title).Msg("Alert sent")
	return nil
}
