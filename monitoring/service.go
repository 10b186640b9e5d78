// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"context"
	"time"

	apperrors "github.com/soothill/tuya-energy-logger/pkg/errors"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
	"github.com/soothill/tuya-energy-logger/pkg/metrics"
	"github.com/soothill/tuya-energy-logger/tuya"
)

const toggleNotConnected = "Device not connected"

// DeviceController is the device surface used by the service.
type DeviceController interface {
	StatusFetcher
	FetchDataPoints(ctx context.Context) ([]tuya.DataPoint, error)
	SendCommand(ctx context.Context, code string, value any) (*CommandAck, error)
}

// ToggleResult is the outcome of a power toggle. PowerOn is the state that
// was requested, not a confirmed device state.
type ToggleResult struct {
	Success bool
	PowerOn bool
	Error   string
}

// Service answers the read and command requests of the HTTP layer and owns
// the collector lifecycle.
type Service struct {
	device    DeviceController
	store     ReadingStore
	collector *Collector
}

// NewService creates a new service
func NewService(device DeviceController, store ReadingStore, collector *Collector) *Service {
	return &Service{
		device:    device,
		store:     store,
		collector: collector,
	}
}

// Snapshot reads the device directly. Any failure yields a disconnected status.
func (s *Service) Snapshot(ctx context.Context) Status {
	status, err := s.device.FetchStatus(ctx)
	if err != nil || status == nil {
		logger.Debug().Err(err).Msg("Snapshot failed, reporting disconnected")
		return DisconnectedStatus()
	}
	return *status
}

// TogglePower inverts the relay state. The current state is the logical OR
// of every switch_1 row the device reports.
func (s *Service) TogglePower(ctx context.Context) ToggleResult {
	points, err := s.device.FetchDataPoints(ctx)
	if err != nil {
		metrics.ToggleRequestsTotal.WithLabelValues("not_connected").Inc()
		logger.Warn().Err(err).Msg("Toggle aborted, device not connected")
		return ToggleResult{Success: false, Error: toggleNotConnected}
	}

	on, err := SwitchOn(points)
	if err != nil {
		metrics.ToggleRequestsTotal.WithLabelValues("not_connected").Inc()
		logger.Warn().Err(err).Msg("Toggle aborted, unreadable switch state")
		return ToggleResult{Success: false, Error: toggleNotConnected}
	}

	target := !on
	ack, err := s.device.SendCommand(ctx, tuya.CodeSwitch, target)
	if err != nil {
		metrics.ToggleRequestsTotal.WithLabelValues("error").Inc()
		logger.Error().Err(err).Bool("power_on", target).Msg("Toggle command failed")
		return ToggleResult{Success: false, Error: err.Error()}
	}

	if ack.Success {
		metrics.ToggleRequestsTotal.WithLabelValues("success").Inc()
	} else {
		metrics.ToggleRequestsTotal.WithLabelValues("rejected").Inc()
	}
	logger.Info().Bool("power_on", target).Bool("success", ack.Success).Int("code", ack.Code).
		Msg("Toggle command sent")

	return ToggleResult{Success: ack.Success, PowerOn: target}
}

// History returns every stored reading in insertion order.
func (s *Service) History(ctx context.Context) ([]Reading, error) {
	return s.store.Load(ctx)
}

// HistoryRange returns the stored readings within [from, to]. Zero bounds are open.
func (s *Service) HistoryRange(ctx context.Context, from, to time.Time) ([]Reading, error) {
	history, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return FilterRange(history, from, to), nil
}

// Energy integrates the stored readings within [from, to].
func (s *Service) Energy(ctx context.Context, from, to time.Time) (EnergyResult, error) {
	history, err := s.HistoryRange(ctx, from, to)
	if err != nil {
		return EnergyResult{}, err
	}

	result := IntegrateEnergy(history)
	WarnSkipped(result)
	if from.IsZero() && to.IsZero() {
		metrics.EnergyKWh.Set(result.KWh)
	}
	return result, nil
}

// Start launches the collector after probing the device.
func (s *Service) Start(ctx context.Context) error {
	return s.collector.Start(ctx)
}

// Stop halts the collector.
func (s *Service) Stop() {
	s.collector.Stop()
}

// IsCollecting reports whether the collector loop is running.
func (s *Service) IsCollecting() bool {
	return s.collector.IsRunning()
}

// Ready returns nil when the collector is running and the history loads.
func (s *Service) Ready(ctx context.Context) error {
	if !s.IsCollecting() {
		return apperrors.ErrNotCollecting
	}
	_, err := s.store.Load(ctx)
	return err
}

// Collector returns the underlying collector.
func (s *Service) Collector() *Collector {
	return s.collector
}
