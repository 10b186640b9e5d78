// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/soothill/tuya-energy-logger/pkg/errors"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
	"github.com/soothill/tuya-energy-logger/pkg/metrics"
	"github.com/soothill/tuya-energy-logger/tuya"
	"github.com/sony/gobreaker"
)

const (
	defaultRequestTimeout   = 10 * time.Second
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second

	currentScale = 1000.0 // mA -> A
	voltageScale = 10.0   // 0.1 V -> V
	powerScale   = 10.0   // 0.1 W -> W
)

//go:generate mockgen -destination=mock_device_api.go -package=monitoring github.com/soothill/tuya-energy-logger/monitoring DeviceAPI

// DeviceAPI is the raw device cloud API. *tuya.Client implements it.
type DeviceAPI interface {
	GetStatus(ctx context.Context, deviceID string) (*tuya.StatusResponse, error)
	SendCommands(ctx context.Context, deviceID string, commands []tuya.Command) (*tuya.CommandResponse, error)
}

// CommandAck is the cloud's answer to a command.
type CommandAck struct {
	Success bool
	Code    int
	Msg     string
}

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	DeviceID         string
	RequestTimeout   time.Duration // per call, default 10s
	FailureThreshold uint32        // consecutive failures before the breaker opens
	OpenTimeout      time.Duration // time the breaker stays open before probing
}

// Adapter binds the device cloud API to a single device, normalizes its
// data points and guards every call with a circuit breaker and a timeout.
type Adapter struct {
	api      DeviceAPI
	deviceID string
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker
}

// NewAdapter creates a new device adapter
func NewAdapter(api DeviceAPI, cfg AdapterConfig) *Adapter {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = defaultFailureThreshold
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tuya-" + cfg.DeviceID,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.Set(breakerStateValue(to))
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Device circuit breaker changed state")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Adapter{
		api:      api,
		deviceID: cfg.DeviceID,
		timeout:  timeout,
		breaker:  breaker,
	}
}

// DeviceID returns the device this adapter is bound to.
func (a *Adapter) DeviceID() string {
	return a.deviceID
}

// FetchDataPoints returns the raw data points reported by the device.
func (a *Adapter) FetchDataPoints(ctx context.Context) ([]tuya.DataPoint, error) {
	result, err := a.execute(ctx, "get_status", func(callCtx context.Context) (interface{}, error) {
		resp, err := a.api.GetStatus(callCtx, a.deviceID)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, apperrors.NewMalformedResponseError("get status", "", fmt.Errorf("empty response"))
		}
		if !resp.Success {
			return nil, &apperrors.ConnectivityError{
				Op:       "get status",
				DeviceID: a.deviceID,
				Code:     resp.Code,
				Err:      fmt.Errorf("cloud reported failure: %s", resp.Msg),
			}
		}
		return resp.Result, nil
	})
	if err != nil {
		return nil, err
	}
	points, _ := result.([]tuya.DataPoint)
	return points, nil
}

// FetchStatus reads and normalizes the device's current telemetry.
func (a *Adapter) FetchStatus(ctx context.Context) (*Status, error) {
	points, err := a.FetchDataPoints(ctx)
	if err != nil {
		return nil, err
	}
	status, err := Normalize(points)
	if err != nil {
		return nil, err
	}

	logger.Debug().
		Str("device_id", a.deviceID).
		Bool("power_on", status.PowerOn).
		Float64("power_w", status.Watt).
		Float64("voltage_v", status.Voltage).
		Float64("current_a", status.Current).
		Msg("Device status")

	return status, nil
}

// SendCommand sends a single data point command. A cloud-side rejection is
// reported in the acknowledgement, not as an error.
func (a *Adapter) SendCommand(ctx context.Context, code string, value any) (*CommandAck, error) {
	result, err := a.execute(ctx, "send_command", func(callCtx context.Context) (interface{}, error) {
		resp, err := a.api.SendCommands(callCtx, a.deviceID, []tuya.Command{{Code: code, Value: value}})
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, apperrors.NewMalformedResponseError("send command", "", fmt.Errorf("empty response"))
		}
		return &CommandAck{Success: resp.Success, Code: resp.Code, Msg: resp.Msg}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*CommandAck), nil
}

// execute runs fn under the breaker with a per-call deadline and maps every
// failure onto the device-unavailable error family.
func (a *Adapter) execute(ctx context.Context, op string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	result, err := a.breaker.Execute(func() (interface{}, error) {
		return fn(callCtx)
	})
	metrics.DeviceRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.DeviceRequestsTotal.WithLabelValues(op, "success").Inc()
		return result, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.DeviceRequestsTotal.WithLabelValues(op, "rejected").Inc()
		return nil, fmt.Errorf("%s: %w", op, apperrors.ErrCircuitOpen)
	case apperrors.IsDeviceUnavailable(err):
		metrics.DeviceRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	default:
		metrics.DeviceRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, apperrors.NewConnectivityError(op, a.deviceID, err)
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Normalize converts device data points into a Status. Unknown codes are
// ignored and absent codes leave zero. When switch_1 appears more than once
// the last row wins.
func Normalize(points []tuya.DataPoint) (*Status, error) {
	status := &Status{Connected: true}

	for _, p := range points {
		switch p.Code {
		case tuya.CodeSwitch:
			on, err := decodeBool(p)
			if err != nil {
				return nil, err
			}
			status.PowerOn = on
		case tuya.CodeCurrent:
			v, err := decodeScaled(p, currentScale)
			if err != nil {
				return nil, err
			}
			status.Current = v
		case tuya.CodeVoltage:
			v, err := decodeScaled(p, voltageScale)
			if err != nil {
				return nil, err
			}
			status.Voltage = v
		case tuya.CodePower:
			v, err := decodeScaled(p, powerScale)
			if err != nil {
				return nil, err
			}
			status.Watt = v
		}
	}
	return status, nil
}

// SwitchOn reports whether any switch_1 row is on.
func SwitchOn(points []tuya.DataPoint) (bool, error) {
	on := false
	for _, p := range points {
		if p.Code != tuya.CodeSwitch {
			continue
		}
		v, err := decodeBool(p)
		if err != nil {
			return false, err
		}
		on = on || v
	}
	return on, nil
}

func decodeBool(p tuya.DataPoint) (bool, error) {
	if isNull(p.Value) {
		return false, nil
	}
	var v bool
	if err := json.Unmarshal(p.Value, &v); err != nil {
		return false, apperrors.NewMalformedResponseError("get status", p.Code, err)
	}
	return v, nil
}

func decodeScaled(p tuya.DataPoint, scale float64) (float64, error) {
	if isNull(p.Value) {
		return 0, nil
	}
	var v float64
	if err := json.Unmarshal(p.Value, &v); err != nil {
		return 0, apperrors.NewMalformedResponseError("get status", p.Code, err)
	}
	if v < 0 {
		return 0, apperrors.NewMalformedResponseError("get status", p.Code, fmt.Errorf("negative value %v", v))
	}
	return v / scale, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
