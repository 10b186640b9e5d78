// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the Tuya energy logger.
//
// Configuration is read from an optional YAML file, then environment variable
// overrides are applied, then defaults, then validation.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/soothill/tuya-energy-logger/pkg/errors"
	"github.com/soothill/tuya-energy-logger/pkg/util"
	"github.com/soothill/tuya-energy-logger/tuya"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Device        DeviceConfig        `yaml:"device"`
	Collector     CollectorConfig     `yaml:"collector"`
	Storage       StorageConfig       `yaml:"storage"`
	HTTP          HTTPConfig          `yaml:"http"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// DeviceConfig identifies the plug and the cloud project used to reach it
type DeviceConfig struct {
	ID                string        `yaml:"id"`
	Region            string        `yaml:"region"`
	AccessID          string        `yaml:"access_id"`
	AccessSecret      string        `yaml:"access_secret"`
	UID               string        `yaml:"uid"`
	BaseURL           string        `yaml:"base_url"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	FailureThreshold  uint32        `yaml:"failure_threshold"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
}

// CollectorConfig holds collector loop settings
type CollectorConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	ReadingsChannelSize int           `yaml:"readings_channel_size"`
}

// StorageConfig selects the time-series store
type StorageConfig struct {
	Backend string `yaml:"backend"` // json or sqlite
	Path    string `yaml:"path"`
}

// HTTPConfig holds request layer settings
type HTTPConfig struct {
	ListenAddr         string   `yaml:"listen_addr"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RateLimit          float64  `yaml:"rate_limit"`
	RateBurst          int      `yaml:"rate_burst"`
	Advertise          bool     `yaml:"advertise"`
	ServiceName        string   `yaml:"service_name"`
}

// MetricsConfig holds the Prometheus and health endpoint settings
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// InfluxDBConfig holds the optional InfluxDB mirror settings.
// The mirror is enabled when URL is set.
type InfluxDBConfig struct {
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`

	// Readings the mirror cannot take are spooled here and replayed later.
	// Spooling is off when SpoolDir is empty.
	SpoolDir       string        `yaml:"spool_dir"`
	SpoolMaxSizeMB int64         `yaml:"spool_max_size_mb"`
	SpoolMaxAge    time.Duration `yaml:"spool_max_age"`
}

// Enabled reports whether readings should be mirrored to InfluxDB
func (c InfluxDBConfig) Enabled() bool {
	return c.URL != ""
}

// NotificationsConfig holds alerting settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Defaults
const (
	DefaultPollInterval        = 7 * time.Second
	DefaultReadingsChannelSize = 100
	DefaultRegion              = "eu"
	DefaultRequestTimeout      = 10 * time.Second
	DefaultRequestsPerSecond   = 5
	DefaultFailureThreshold    = 5
	DefaultBreakerTimeout      = 30 * time.Second
	DefaultStorageBackend      = "json"
	DefaultDataFile            = "device_data.json"
	DefaultHTTPListenAddr      = "0.0.0.0:5005"
	DefaultMetricsListenAddr   = "localhost:9090"
	DefaultRateLimit           = 20
	DefaultRateBurst           = 40
	DefaultServiceName         = "tuya-energy-logger"
	DefaultSpoolMaxSizeMB      = 100
	DefaultSpoolMaxAge         = 24 * time.Hour
)

// Load reads configuration from a YAML file and applies environment variable
// overrides. An empty path builds the configuration from the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := util.ReadFileSafely(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	setString("TUYA_DEVICE_ID", &c.Device.ID)
	setString("TUYA_API_REGION", &c.Device.Region)
	setString("TUYA_ACCESS_ID", &c.Device.AccessID)
	setString("TUYA_ACCESS_SECRET", &c.Device.AccessSecret)
	setString("TUYA_UID", &c.Device.UID)
	setString("DATA_FILE", &c.Storage.Path)
	setString("STORAGE_BACKEND", &c.Storage.Backend)
	setString("HTTP_LISTEN_ADDR", &c.HTTP.ListenAddr)
	setString("METRICS_LISTEN_ADDR", &c.Metrics.ListenAddr)
	setString("INFLUXDB_URL", &c.InfluxDB.URL)
	setString("INFLUXDB_TOKEN", &c.InfluxDB.Token)
	setString("INFLUXDB_ORG", &c.InfluxDB.Organization)
	setString("INFLUXDB_BUCKET", &c.InfluxDB.Bucket)
	setString("INFLUXDB_SPOOL_DIR", &c.InfluxDB.SpoolDir)
	setString("SLACK_WEBHOOK_URL", &c.Notifications.SlackWebhookURL)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("LOG_FORMAT", &c.Logging.Format)

	if interval := os.Getenv("POLL_INTERVAL"); interval != "" {
		duration, parseErr := parseInterval(interval)
		if parseErr == nil {
			c.Collector.PollInterval = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse POLL_INTERVAL '%s': %v\n", interval, parseErr)
		}
	}
}

// parseInterval accepts a Go duration ("7s") or a bare number of seconds ("7")
func parseInterval(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Device.Region == "" {
		c.Device.Region = DefaultRegion
	}
	c.Device.Region = strings.ToLower(c.Device.Region)
	if c.Device.RequestTimeout == 0 {
		c.Device.RequestTimeout = DefaultRequestTimeout
	}
	if c.Device.RequestsPerSecond == 0 {
		c.Device.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.Device.FailureThreshold == 0 {
		c.Device.FailureThreshold = DefaultFailureThreshold
	}
	if c.Device.BreakerTimeout == 0 {
		c.Device.BreakerTimeout = DefaultBreakerTimeout
	}
	if c.Collector.PollInterval == 0 {
		c.Collector.PollInterval = DefaultPollInterval
	}
	if c.Collector.ReadingsChannelSize == 0 {
		c.Collector.ReadingsChannelSize = DefaultReadingsChannelSize
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = DefaultStorageBackend
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultDataFile
	}
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = DefaultHTTPListenAddr
	}
	if len(c.HTTP.CORSAllowedOrigins) == 0 {
		c.HTTP.CORSAllowedOrigins = []string{"*"}
	}
	if c.HTTP.RateLimit == 0 {
		c.HTTP.RateLimit = DefaultRateLimit
	}
	if c.HTTP.RateBurst == 0 {
		c.HTTP.RateBurst = DefaultRateBurst
	}
	if c.HTTP.ServiceName == "" {
		c.HTTP.ServiceName = DefaultServiceName
	}
	if c.InfluxDB.SpoolMaxSizeMB == 0 {
		c.InfluxDB.SpoolMaxSizeMB = DefaultSpoolMaxSizeMB
	}
	if c.InfluxDB.SpoolMaxAge == 0 {
		c.InfluxDB.SpoolMaxAge = DefaultSpoolMaxAge
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = DefaultMetricsListenAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateDevice,
		c.validateCollector,
		c.validateStorage,
		c.validateHTTP,
		c.validateInfluxDB,
		c.validateNotifications,
		c.validateLogging,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

// validateDevice validates the device and cloud credentials
func (c *Config) validateDevice() error {
	if c.Device.ID == "" {
		return apperrors.NewConfigError("device.id", "", errors.New("is required"))
	}
	if c.Device.AccessID == "" {
		return apperrors.NewConfigError("device.access_id", "", errors.New("is required"))
	}
	if c.Device.AccessSecret == "" {
		return apperrors.NewConfigError("device.access_secret", "", errors.New("is required"))
	}
	if c.Device.BaseURL == "" {
		if _, err := tuya.RegionEndpoint(c.Device.Region); err != nil {
			return apperrors.NewConfigError("device.region", c.Device.Region,
				fmt.Errorf("must be one of: %s", strings.Join(tuya.Regions(), ", ")))
		}
	} else if _, err := url.ParseRequestURI(c.Device.BaseURL); err != nil {
		return apperrors.NewConfigError("device.base_url", c.Device.BaseURL, err)
	}
	if c.Device.RequestTimeout < 0 || c.Device.RequestTimeout > time.Minute {
		return apperrors.NewConfigError("device.request_timeout", c.Device.RequestTimeout.String(),
			errors.New("must be between 0 and 1 minute"))
	}
	if c.Device.RequestsPerSecond < 0 {
		return apperrors.NewConfigError("device.requests_per_second",
			strconv.FormatFloat(c.Device.RequestsPerSecond, 'f', -1, 64), errors.New("must not be negative"))
	}
	if c.Device.BreakerTimeout < 0 {
		return apperrors.NewConfigError("device.breaker_timeout", c.Device.BreakerTimeout.String(),
			errors.New("must not be negative"))
	}
	return nil
}

// validateCollector validates the collector configuration
func (c *Config) validateCollector() error {
	if c.Collector.PollInterval < time.Second {
		return apperrors.NewConfigError("collector.poll_interval", c.Collector.PollInterval.String(),
			errors.New("must be at least 1 second"))
	}
	if c.Collector.PollInterval > time.Hour {
		return apperrors.NewConfigError("collector.poll_interval", c.Collector.PollInterval.String(),
			errors.New("must not exceed 1 hour"))
	}
	if c.Collector.ReadingsChannelSize < 1 || c.Collector.ReadingsChannelSize > 100000 {
		return apperrors.NewConfigError("collector.readings_channel_size", strconv.Itoa(c.Collector.ReadingsChannelSize),
			errors.New("must be between 1 and 100000"))
	}
	return nil
}

// validateStorage validates the store selection
func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "json", "sqlite":
	default:
		return apperrors.NewConfigError("storage.backend", c.Storage.Backend, errors.New("must be json or sqlite"))
	}
	if strings.ContainsRune(c.Storage.Path, 0) {
		return apperrors.NewConfigError("storage.path", "", errors.New("contains a NUL byte"))
	}
	return nil
}

// validateHTTP validates the listen addresses and limiter settings
func (c *Config) validateHTTP() error {
	if _, _, err := net.SplitHostPort(c.HTTP.ListenAddr); err != nil {
		return apperrors.NewConfigError("http.listen_addr", c.HTTP.ListenAddr, err)
	}
	if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
		return apperrors.NewConfigError("metrics.listen_addr", c.Metrics.ListenAddr, err)
	}
	if c.HTTP.RateLimit < 0 {
		return apperrors.NewConfigError("http.rate_limit",
			strconv.FormatFloat(c.HTTP.RateLimit, 'f', -1, 64), errors.New("must not be negative"))
	}
	if c.HTTP.RateBurst < 1 {
		return apperrors.NewConfigError("http.rate_burst", strconv.Itoa(c.HTTP.RateBurst), errors.New("must be at least 1"))
	}
	return nil
}

// validateInfluxDB validates the mirror configuration when it is enabled
func (c *Config) validateInfluxDB() error {
	if !c.InfluxDB.Enabled() {
		return nil
	}

	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return apperrors.NewConfigError("influxdb.url", c.InfluxDB.URL, parseErr)
	}
	if securityErr := validateURLSecurity(parsedURL); securityErr != nil {
		return apperrors.NewConfigError("influxdb.url", c.InfluxDB.URL, securityErr)
	}

	if len(c.InfluxDB.Token) < 8 {
		return apperrors.NewConfigError("influxdb.token", "", errors.New("must be at least 8 characters long"))
	}
	if c.InfluxDB.Organization == "" {
		return apperrors.NewConfigError("influxdb.organization", "", errors.New("is required"))
	}
	if c.InfluxDB.Bucket == "" {
		return apperrors.NewConfigError("influxdb.bucket", "", errors.New("is required"))
	}
	if c.InfluxDB.SpoolMaxSizeMB < 0 {
		return apperrors.NewConfigError("influxdb.spool_max_size_mb", strconv.FormatInt(c.InfluxDB.SpoolMaxSizeMB, 10),
			errors.New("must not be negative"))
	}
	if c.InfluxDB.SpoolMaxAge < 0 {
		return apperrors.NewConfigError("influxdb.spool_max_age", c.InfluxDB.SpoolMaxAge.String(),
			errors.New("must not be negative"))
	}
	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return fmt.Errorf("must use HTTPS for non-local connections (got %s)", parsedURL.Scheme)
	}
	return nil
}

// validateNotifications validates the Slack webhook
func (c *Config) validateNotifications() error {
	if c.Notifications.SlackWebhookURL == "" {
		return nil
	}
	parsed, err := url.Parse(c.Notifications.SlackWebhookURL)
	if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
		return apperrors.NewConfigError("notifications.slack_webhook_url", "", errors.New("must be an https URL"))
	}
	return nil
}

// validateLogging validates the logging configuration
func (c *Config) validateLogging() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return apperrors.NewConfigError("logging.level", c.Logging.Level,
			errors.New("must be one of: debug, info, warn, error, fatal, panic"))
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return apperrors.NewConfigError("logging.format", c.Logging.Format, errors.New("must be console or json"))
	}
	return nil
}
