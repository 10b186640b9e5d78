// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/soothill/tuya-energy-logger/monitoring"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
	"github.com/soothill/tuya-energy-logger/pkg/metrics"
)

const (
	measurementName  = "plug_telemetry"
	maxFluxStringLen = 1000
)

// InfluxDBStorage mirrors readings to an InfluxDB bucket. It is a secondary
// sink; the reading store remains the source of truth.
type InfluxDBStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	deviceID string
	bucket   string
	org      string
}

// NewInfluxDBStorage creates a new InfluxDB mirror and verifies the server is healthy
func NewInfluxDBStorage(url, token, org, bucket, deviceID string) (*InfluxDBStorage, error) {
	if url == "" {
		return nil, fmt.Errorf("InfluxDB URL cannot be empty")
	}
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", message)
	}

	logger.Info().Str("url", url).Str("status", string(health.Status)).Msg("Connected to InfluxDB")

	writeAPI := client.WriteAPI(org, bucket)

	// Async write errors surface here
	go func() {
		for err := range writeAPI.Errors() {
			metrics.InfluxDBWriteErrors.Inc()
			logger.Error().Err(err).Msg("InfluxDB write error")
		}
	}()

	return &InfluxDBStorage{
		client:   client,
		writeAPI: writeAPI,
		deviceID: deviceID,
		bucket:   bucket,
		org:      org,
	}, nil
}

// readingPoint converts a reading into an InfluxDB point.
func readingPoint(deviceID string, reading monitoring.Reading) *write.Point {
	return influxdb2.NewPoint(
		measurementName,
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"connected": reading.Connected,
			"power_on":  reading.PowerOn,
			"watt":      reading.Watt,
			"voltage":   reading.Voltage,
			"current":   reading.Current,
		},
		reading.Timestamp,
	)
}

// WriteReading queues a reading for asynchronous writing
func (s *InfluxDBStorage) WriteReading(ctx context.Context, reading monitoring.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if reading.Timestamp.IsZero() {
		return fmt.Errorf("timestamp cannot be zero")
	}

	s.writeAPI.WritePoint(readingPoint(s.deviceID, reading))
	metrics.InfluxDBWritesTotal.Inc()
	return nil
}

// WriteBatch queues multiple readings
func (s *InfluxDBStorage) WriteBatch(ctx context.Context, readings []monitoring.Reading) error {
	for i, reading := range readings {
		if err := s.WriteReading(ctx, reading); err != nil {
			return fmt.Errorf("failed to write reading at index %d: %w", i, err)
		}
	}
	return nil
}

// Flush forces all pending writes to complete
func (s *InfluxDBStorage) Flush() {
	s.writeAPI.Flush()
}

// Health checks that the InfluxDB server is reachable and healthy
func (s *InfluxDBStorage) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("InfluxDB status %s", health.Status)
	}
	return nil
}

// Close closes the InfluxDB client and flushes pending writes
func (s *InfluxDBStorage) Close() {
	logger.Info().Msg("Closing InfluxDB connection")
	s.writeAPI.Flush()
	s.client.Close()
}

// QueryLatestReading retrieves the most recent mirrored reading within the last hour
func (s *InfluxDBStorage) QueryLatestReading(ctx context.Context) (*monitoring.Reading, error) {
	queryAPI := s.client.QueryAPI(s.org)

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -1h)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.device_id == "%s")
			|> last()
	`, sanitizeFluxString(s.bucket), measurementName, sanitizeFluxString(s.deviceID))

	result, err := queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	var reading *monitoring.Reading
	for result.Next() {
		record := result.Record()
		if reading == nil {
			reading = &monitoring.Reading{}
		}
		reading.Timestamp = record.Time()

		switch record.Field() {
		case "watt":
			if val, ok := record.Value().(float64); ok {
				reading.Watt = val
			}
		case "voltage":
			if val, ok := record.Value().(float64); ok {
				reading.Voltage = val
			}
		case "current":
			if val, ok := record.Value().(float64); ok {
				reading.Current = val
			}
		case "connected":
			if val, ok := record.Value().(bool); ok {
				reading.Connected = val
			}
		case "power_on":
			if val, ok := record.Value().(bool); ok {
				reading.PowerOn = val
			}
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("query parsing failed: %w", result.Err())
	}
	if reading == nil {
		return nil, fmt.Errorf("no readings for device %s in the last hour", s.deviceID)
	}

	return reading, nil
}

// sanitizeFluxString escapes a value for use inside a Flux string literal.
// Input is capped at 1000 bytes and null bytes are dropped.
func sanitizeFluxString(value string) string {
	if len(value) > maxFluxStringLen {
		value = value[:maxFluxStringLen]
	}

	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		switch c := value[i]; c {
		case 0:
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
