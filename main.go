// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Command tuya-energy-logger polls a Tuya smart plug, keeps its telemetry
// history and serves live status, power toggling and energy totals over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/soothill/tuya-energy-logger/app"
	"github.com/soothill/tuya-energy-logger/config"
	"github.com/soothill/tuya-energy-logger/discovery"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
)

const discoverTimeout = 3 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to configuration file (environment only when empty)")
	healthCheck := flag.Bool("health-check", false, "Perform health check against a running instance and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	discover := flag.Bool("discover", false, "List logger instances advertised on the local network and exit")
	flag.Parse()

	if *healthCheck {
		os.Exit(performHealthCheck(*configPath, os.Stdout, os.Stderr))
	}

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath, os.Stdout, os.Stderr))
	}

	if *discover {
		os.Exit(performDiscovery(os.Stdout, os.Stderr))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.InitializeWithFormat(cfg.Logging.Level, cfg.Logging.Format)

	logger.Info().Msg("Starting Tuya Energy Logger")
	logger.Info().
		Str("device_id", cfg.Device.ID).
		Str("region", cfg.Device.Region).
		Dur("poll_interval", cfg.Collector.PollInterval).
		Str("storage", cfg.Storage.Backend).
		Str("listen_addr", cfg.HTTP.ListenAddr).
		Msg("Configuration loaded")

	application, err := app.New(cfg, *configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)

	if err := application.Run(); err != nil {
		logger.Fatal().Err(err).Msg("Application failed")
	}
}

// performHealthCheck probes the health endpoint of a running instance and
// returns the exit code
func performHealthCheck(configPath string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}

	if err := app.HealthCheck(cfg.Metrics.ListenAddr); err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Health check passed")
	return 0
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string, stdout, stderr io.Writer) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if configPath != "" {
		if err := config.ValidateWithSchema(configPath); err != nil {
			logger.Error().Err(err).Msg("Configuration schema validation failed")
			fmt.Fprintf(stderr, "\nConfiguration validation FAILED\n%v\n\n", err)
			return 1
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(stderr, "\nConfiguration validation FAILED\n")
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "\nConfiguration validation PASSED")
	fmt.Fprintln(stdout, "\nConfiguration summary:")
	fmt.Fprintf(stdout, "  Device ID: %s\n", cfg.Device.ID)
	fmt.Fprintf(stdout, "  Region: %s\n", cfg.Device.Region)
	fmt.Fprintf(stdout, "  Poll Interval: %s\n", cfg.Collector.PollInterval)
	fmt.Fprintf(stdout, "  Readings Channel Size: %d\n", cfg.Collector.ReadingsChannelSize)
	fmt.Fprintf(stdout, "  Storage: %s (%s)\n", cfg.Storage.Backend, cfg.Storage.Path)
	fmt.Fprintf(stdout, "  HTTP Listen Address: %s\n", cfg.HTTP.ListenAddr)
	fmt.Fprintf(stdout, "  Metrics Listen Address: %s\n", cfg.Metrics.ListenAddr)
	fmt.Fprintf(stdout, "  Log Level: %s\n", cfg.Logging.Level)

	if cfg.InfluxDB.Enabled() {
		fmt.Fprintf(stdout, "  InfluxDB Mirror: %s (bucket %s)\n", cfg.InfluxDB.URL, cfg.InfluxDB.Bucket)
	} else {
		fmt.Fprintln(stdout, "  InfluxDB Mirror: Disabled")
	}
	if cfg.Notifications.SlackWebhookURL != "" {
		fmt.Fprintln(stdout, "  Slack Notifications: Enabled")
	} else {
		fmt.Fprintln(stdout, "  Slack Notifications: Disabled")
	}

	fmt.Fprintln(stdout, "\nAll validation checks passed. Configuration is ready for use.")
	return 0
}

// performDiscovery lists the logger instances answering on mDNS
func performDiscovery(stdout, stderr io.Writer) int {
	scanner := discovery.NewScanner(discovery.ServiceType, discovery.Domain)
	instances, err := scanner.Discover(context.Background(), discoverTimeout)
	if err != nil {
		fmt.Fprintf(stderr, "Discovery failed: %v\n", err)
		return 1
	}

	if len(instances) == 0 {
		fmt.Fprintln(stdout, "No logger instances found")
		return 0
	}
	for _, instance := range instances {
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", instance.DeviceID(), instance.Name, instance.StatusURL())
	}
	return 0
}
