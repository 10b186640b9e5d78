// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the Tuya energy logger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CollectionCyclesTotal tracks the number of completed collector cycles
	CollectionCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuya_collection_cycles_total",
		Help: "Total number of collector cycles completed",
	})

	// CollectionCycleErrors tracks cycles that hit an error, by reason
	CollectionCycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tuya_collection_cycle_errors_total",
		Help: "Total number of collector cycle errors by reason (device, store)",
	}, []string{"reason"})

	// CollectionCycleDuration tracks how long a full collector cycle takes
	CollectionCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tuya_collection_cycle_duration_seconds",
		Help:    "Duration of a collector cycle in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// CollectorRunning is 1 while the collector loop is active
	CollectorRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuya_collector_running",
		Help: "Whether the collector loop is running (1) or idle (0)",
	})

	// DeviceRequestsTotal tracks calls made to the device cloud
	DeviceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tuya_device_requests_total",
		Help: "Total number of device cloud requests by operation and result",
	}, []string{"operation", "result"})

	// DeviceRequestDuration tracks device cloud request latency
	DeviceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tuya_device_request_duration_seconds",
		Help:    "Duration of device cloud requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// CircuitBreakerState reports the device circuit breaker state (0 closed, 1 half-open, 2 open)
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuya_circuit_breaker_state",
		Help: "Device circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	// DeviceConnected is 1 when the last reading reached the device
	DeviceConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tuya_device_connected",
		Help: "Whether the last reading reached the device",
	}, []string{"device_id"})

	// DevicePowerOn is 1 when the relay is closed
	DevicePowerOn = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tuya_device_power_on",
		Help: "Whether the plug relay is on",
	}, []string{"device_id"})

	// CurrentPower tracks the current power consumption
	CurrentPower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tuya_current_power_watts",
		Help: "Current power consumption in watts",
	}, []string{"device_id"})

	// CurrentVoltage tracks the current voltage
	CurrentVoltage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tuya_current_voltage_volts",
		Help: "Current voltage in volts",
	}, []string{"device_id"})

	// CurrentCurrent tracks the current current (amperage)
	CurrentCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tuya_current_amperage_amps",
		Help: "Current amperage in amps",
	}, []string{"device_id"})

	// StoreAppendsTotal tracks successful appends to the time-series store
	StoreAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuya_store_appends_total",
		Help: "Total number of successful appends to the time-series store",
	})

	// StoreAppendErrors tracks failed appends to the time-series store
	StoreAppendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuya_store_append_errors_total",
		Help: "Total number of failed appends to the time-series store",
	})

	// StoredReadings tracks the length of the persisted history
	StoredReadings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuya_stored_readings",
		Help: "Number of readings in the persisted history",
	})

	// PendingReadings tracks readings waiting to be re-appended after a store failure
	PendingReadings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuya_pending_readings",
		Help: "Number of readings waiting to be persisted",
	})

	// ToggleRequestsTotal tracks power toggle attempts by result
	ToggleRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tuya_toggle_requests_total",
		Help: "Total number of power toggle requests by result",
	}, []string{"result"})

	// EnergyKWh tracks the most recently computed cumulative energy
	EnergyKWh = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuya_energy_kwh",
		Help: "Most recently computed cumulative energy in kWh",
	})

	// APIRequestsTotal tracks HTTP API requests by route and status code
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tuya_api_requests_total",
		Help: "Total number of HTTP API requests by route and status code",
	}, []string{"route", "code"})

	// InfluxDBWritesTotal tracks the total number of writes to the InfluxDB mirror
	InfluxDBWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuya_influxdb_writes_total",
		Help: "Total number of writes to InfluxDB",
	})

	// InfluxDBWriteErrors tracks the number of failed writes to the InfluxDB mirror
	InfluxDBWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tuya_influxdb_write_errors_total",
		Help: "Total number of failed writes to InfluxDB",
	})

	// SpooledReadings tracks readings waiting in the mirror spool
	SpooledReadings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tuya_mirror_spooled_readings",
		Help: "Number of readings spooled locally while the InfluxDB mirror is unavailable",
	})
)
