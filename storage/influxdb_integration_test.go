// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build integration
// +build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/soothill/tuya-energy-logger/monitoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/influxdb"
)

const integrationDeviceID = "bf-integration-plug"

// startInfluxDB runs an InfluxDB 2 container and returns a connected mirror
func startInfluxDB(t *testing.T) *InfluxDBStorage {
	t.Helper()
	ctx := context.Background()

	influxContainer, err := influxdb.Run(ctx,
		"influxdb:2.7-alpine",
		influxdb.WithV2Auth("test-org", "test-bucket", "test-user", "test-password"),
		influxdb.WithV2AdminToken("test-token"),
	)
	require.NoError(t, err, "Failed to start InfluxDB container")
	t.Cleanup(func() {
		if err := influxContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	url, err := influxContainer.ConnectionUrl(ctx)
	require.NoError(t, err)

	storage, err := NewInfluxDBStorage(url, "test-token", "test-org", "test-bucket", integrationDeviceID)
	require.NoError(t, err)
	t.Cleanup(storage.Close)
	return storage
}

func TestIntegration_MirrorReadings(t *testing.T) {
	storage := startInfluxDB(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	readings := []monitoring.Reading{
		monitoring.NewReading(now.Add(-14*time.Second), monitoring.Status{Connected: true, PowerOn: true, Current: 0.4, Voltage: 229.8, Watt: 92}),
		monitoring.DisconnectedReading(now.Add(-7 * time.Second)),
		monitoring.NewReading(now, monitoring.Status{Connected: true, PowerOn: true, Current: 0.5, Voltage: 230.1, Watt: 115}),
	}

	require.NoError(t, storage.WriteBatch(ctx, readings))
	storage.Flush()
	require.NoError(t, storage.Health(ctx))

	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var latest *monitoring.Reading
	require.Eventually(t, func() bool {
		r, err := storage.QueryLatestReading(queryCtx)
		if err != nil {
			return false
		}
		latest = r
		return true
	}, 10*time.Second, 500*time.Millisecond)

	assert.True(t, latest.Connected)
	assert.True(t, latest.PowerOn)
	assert.InDelta(t, 115.0, latest.Watt, 1e-9)
	assert.InDelta(t, 230.1, latest.Voltage, 1e-9)
	assert.True(t, now.Equal(latest.Timestamp), "latest timestamp = %v, want %v", latest.Timestamp, now)
}

func TestIntegration_WriteReadingRejectsZeroTimestamp(t *testing.T) {
	storage := startInfluxDB(t)

	err := storage.WriteReading(context.Background(), monitoring.Reading{Connected: true, Watt: 5})
	assert.Error(t, err)
}

func TestIntegration_QueryEmptyBucket(t *testing.T) {
	storage := startInfluxDB(t)

	_, err := storage.QueryLatestReading(context.Background())
	assert.Error(t, err)
}
