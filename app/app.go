// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the logger together: the reading store, the device
// adapter, the collector, the HTTP API and the supporting services.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soothill/tuya-energy-logger/api"
	"github.com/soothill/tuya-energy-logger/config"
	"github.com/soothill/tuya-energy-logger/discovery"
	"github.com/soothill/tuya-energy-logger/monitoring"
	apperrors "github.com/soothill/tuya-energy-logger/pkg/errors"
	"github.com/soothill/tuya-energy-logger/pkg/interfaces"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
	"github.com/soothill/tuya-energy-logger/pkg/metrics"
	"github.com/soothill/tuya-energy-logger/pkg/notifications"
	"github.com/soothill/tuya-energy-logger/pkg/slacknotifier"
	"github.com/soothill/tuya-energy-logger/storage"
	"github.com/soothill/tuya-energy-logger/tuya"
	"golang.org/x/time/rate"
)

const (
	signalChannelSize     = 1
	alertContextTimeout   = 5 * time.Second
	readinessCheckTimeout = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
	flushTimeout          = 10 * time.Second
)

// App represents the main application
type App struct {
	cfg        *config.Config
	configPath string

	store      storage.Store
	device     *monitoring.Adapter
	collector  *monitoring.Collector
	service    *monitoring.Service
	apiServer  *api.Server
	server     *http.Server // metrics and health checks
	notifier   *slacknotifier.Notifier
	alerter    *notifications.Alerter
	mirror     interfaces.MirrorSink // nil when InfluxDB is not configured
	influxDB   *storage.InfluxDBStorage
	advertiser interfaces.Advertiser

	configWatcher *config.Watcher
	configChan    chan *config.Config

	mu           sync.Mutex
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// New creates a new application instance talking to the Tuya cloud
func New(cfg *config.Config, configPath string) (*App, error) {
	client, err := tuya.NewClient(tuya.Config{
		Region:            cfg.Device.Region,
		AccessID:          cfg.Device.AccessID,
		AccessSecret:      cfg.Device.AccessSecret,
		BaseURL:           cfg.Device.BaseURL,
		Timeout:           cfg.Device.RequestTimeout,
		RequestsPerSecond: cfg.Device.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Tuya client: %w", err)
	}
	return newWithDeviceAPI(cfg, configPath, client)
}

// newWithDeviceAPI builds the application around any device cloud API
func newWithDeviceAPI(cfg *config.Config, configPath string, deviceAPI monitoring.DeviceAPI) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:        cfg,
		configPath: configPath,
		configChan: make(chan *config.Config, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := a.initializeComponents(deviceAPI); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	if configPath != "" {
		a.configWatcher = config.NewWatcher(configPath, a.configChan)
	}
	return a, nil
}

// initializeComponents initializes all application components
func (a *App) initializeComponents(deviceAPI monitoring.DeviceAPI) error {
	store, err := storage.New(a.cfg.Storage.Backend, a.cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open reading store: %w", err)
	}
	a.store = store

	// An unreadable history is fatal here, whatever the device is doing
	history, err := store.Load(a.ctx)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to load reading history: %w", err)
	}
	metrics.StoredReadings.Set(float64(len(history)))
	logger.Info().Str("backend", a.cfg.Storage.Backend).Str("path", store.Path()).
		Int("history", len(history)).Msg("Reading store opened")

	a.notifier = slacknotifier.New(a.cfg.Notifications.SlackWebhookURL)
	if a.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}
	a.alerter = notifications.NewAlerter(a.notifier, a.cfg.Device.ID)

	if a.cfg.InfluxDB.Enabled() {
		influxDB, err := storage.NewInfluxDBStorage(
			a.cfg.InfluxDB.URL,
			a.cfg.InfluxDB.Token,
			a.cfg.InfluxDB.Organization,
			a.cfg.InfluxDB.Bucket,
			a.cfg.Device.ID,
		)
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("failed to initialize InfluxDB: %w", err)
		}
		a.mirror = influxDB
		a.influxDB = influxDB
		logger.Info().Str("url", a.cfg.InfluxDB.URL).Str("bucket", a.cfg.InfluxDB.Bucket).
			Msg("InfluxDB mirror enabled")

		if a.cfg.InfluxDB.SpoolDir != "" {
			spool, err := storage.NewSpool(a.cfg.InfluxDB.SpoolDir,
				a.cfg.InfluxDB.SpoolMaxSizeMB*1024*1024, a.cfg.InfluxDB.SpoolMaxAge)
			if err != nil {
				influxDB.Close()
				_ = store.Close()
				return fmt.Errorf("failed to initialize mirror spool: %w", err)
			}
			a.mirror = storage.NewSpoolingMirror(influxDB, spool, a.alerter, 0)
			logger.Info().Str("directory", a.cfg.InfluxDB.SpoolDir).
				Int64("max_size_mb", a.cfg.InfluxDB.SpoolMaxSizeMB).
				Dur("max_age", a.cfg.InfluxDB.SpoolMaxAge).
				Msg("Mirror spool initialized")
		}
	}

	a.device = monitoring.NewAdapter(deviceAPI, monitoring.AdapterConfig{
		DeviceID:         a.cfg.Device.ID,
		RequestTimeout:   a.cfg.Device.RequestTimeout,
		FailureThreshold: a.cfg.Device.FailureThreshold,
		OpenTimeout:      a.cfg.Device.BreakerTimeout,
	})
	a.collector = monitoring.NewCollector(a.device, store, a.cfg.Device.ID,
		a.cfg.Collector.PollInterval, a.cfg.Collector.ReadingsChannelSize)
	a.service = monitoring.NewService(a.device, store, a.collector)

	a.apiServer = api.NewServer(a.service, api.Config{
		ListenAddr:     a.cfg.HTTP.ListenAddr,
		AllowedOrigins: a.cfg.HTTP.CORSAllowedOrigins,
		RateLimit:      a.cfg.HTTP.RateLimit,
		RateBurst:      a.cfg.HTTP.RateBurst,
		DeviceID:       a.cfg.Device.ID,
		PollInterval:   a.cfg.Collector.PollInterval,
	})

	a.server = &http.Server{
		Addr:              a.cfg.Metrics.ListenAddr,
		Handler:           a.metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// metricsHandler serves Prometheus metrics and the health endpoints
func (a *App) metricsHandler() http.Handler {
	// Create rate limiters for health endpoints
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, a.readinessCheckHandler))
	return mux
}

// Run starts the application and blocks until shutdown. It fails when the
// API cannot bind its address or the reading history cannot be loaded.
func (a *App) Run() error {
	defer a.cancel()

	if err := a.apiServer.Start(); err != nil {
		a.closeResources()
		return fmt.Errorf("failed to start HTTP API: %w", err)
	}

	a.startMetricsServer()
	a.setupSignalHandler()
	a.startConfigWatcher()
	a.startDataWriter(a.ctx, a.collector)
	if err := a.startCollector(a.ctx); err != nil {
		a.performGracefulShutdown()
		a.performCleanup()
		return err
	}
	a.startAdvertising()

	<-a.ctx.Done()
	logger.Info().Msg("Shutting down")
	a.performCleanup()
	return nil
}

// Shutdown stops the application; Run returns once cleanup is complete
func (a *App) Shutdown() {
	a.performGracefulShutdown()
}

// APIAddr returns the bound address of the HTTP API
func (a *App) APIAddr() string {
	return a.apiServer.Addr()
}

// startCollector probes the device and starts the loop. A failed probe is
// logged and alerted; the API keeps serving with the collector idle. A
// history that cannot be loaded is returned to the caller.
func (a *App) startCollector(ctx context.Context) error {
	// The loop inherits ctx, so the probe is bounded by the adapter's request timeout
	err := a.service.Start(ctx)
	if apperrors.IsPersistenceError(err) {
		logger.Error().Err(err).Str("path", a.store.Path()).Msg("Reading history unreadable")
		return fmt.Errorf("failed to start collector: %w", err)
	}
	if err != nil {
		logger.Error().Err(err).Str("device_id", a.cfg.Device.ID).
			Msg("Device initialization failed, serving API without collection")
		alertCtx, alertCancel := context.WithTimeout(context.Background(), alertContextTimeout)
		defer alertCancel()
		if notifyErr := a.alerter.SendDeviceOffline(alertCtx, time.Now()); notifyErr != nil {
			logger.Error().Err(notifyErr).Msg("Failed to send device offline alert")
		}
	}
	return nil
}

// startMetricsServer starts the HTTP server for metrics and health checks
func (a *App) startMetricsServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting metrics and health check server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// startAdvertising announces the API via mDNS when enabled
func (a *App) startAdvertising() {
	if !a.cfg.HTTP.Advertise {
		return
	}
	port, err := discovery.PortFromAddr(a.apiServer.Addr())
	if err != nil {
		logger.Error().Err(err).Msg("Cannot advertise API, invalid listen address")
		return
	}
	adv, err := discovery.Advertise(a.cfg.HTTP.ServiceName, port, a.cfg.Device.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("mDNS advertisement failed")
		return
	}
	a.mu.Lock()
	a.advertiser = adv
	a.mu.Unlock()
}

// startDataWriter consumes published readings: it updates the live gauges,
// mirrors each reading to InfluxDB and raises connectivity and store alerts.
func (a *App) startDataWriter(ctx context.Context, source interfaces.ReadingSource) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				logger.Info().Msg("Data writer goroutine shutting down")
				return
			case reading := <-source.Readings():
				a.handleReading(ctx, reading, source.Stats().Pending)
			}
		}
	}()
}

func (a *App) handleReading(ctx context.Context, reading monitoring.Reading, pending int) {
	deviceID := a.cfg.Device.ID
	metrics.DeviceConnected.WithLabelValues(deviceID).Set(boolGauge(reading.Connected))
	metrics.DevicePowerOn.WithLabelValues(deviceID).Set(boolGauge(reading.PowerOn))
	metrics.CurrentPower.WithLabelValues(deviceID).Set(reading.Watt)
	metrics.CurrentVoltage.WithLabelValues(deviceID).Set(reading.Voltage)
	metrics.CurrentCurrent.WithLabelValues(deviceID).Set(reading.Current)

	if a.mirror != nil {
		err := a.mirror.WriteReading(ctx, reading)
		if err != nil {
			logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to mirror reading to InfluxDB")
			metrics.InfluxDBWriteErrors.Inc()
		} else {
			metrics.InfluxDBWritesTotal.Inc()
		}
		if notifyErr := a.withAlertTimeout(func(alertCtx context.Context) error {
			return a.alerter.ObserveMirror(alertCtx, err)
		}); notifyErr != nil {
			logger.Error().Err(notifyErr).Msg("Failed to send mirror alert")
		}
	}

	if notifyErr := a.withAlertTimeout(func(alertCtx context.Context) error {
		return a.alerter.Observe(alertCtx, reading, pending)
	}); notifyErr != nil {
		logger.Error().Err(notifyErr).Msg("Failed to send alert")
	}
}

func (a *App) withAlertTimeout(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), alertContextTimeout)
	defer cancel()
	return fn(ctx)
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			a.performGracefulShutdown()
		case <-a.ctx.Done():
		}
		signal.Stop(sigChan)
	}()
}

// startConfigWatcher applies reloaded configuration to the components that
// support live changes: the poll interval and the Slack webhook.
func (a *App) startConfigWatcher() {
	if a.configWatcher == nil {
		return
	}
	a.configWatcher.Start(a.ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case reloaded := <-a.configChan:
				a.applyConfig(reloaded)
			}
		}
	}()
}

func (a *App) applyConfig(cfg *config.Config) {
	a.mu.Lock()
	a.cfg.Collector.PollInterval = cfg.Collector.PollInterval
	a.cfg.Notifications.SlackWebhookURL = cfg.Notifications.SlackWebhookURL
	a.mu.Unlock()

	a.collector.UpdatePollInterval(cfg.Collector.PollInterval)
	a.notifier.UpdateWebhookURL(cfg.Notifications.SlackWebhookURL)
	logger.Info().
		Dur("poll_interval", cfg.Collector.PollInterval).
		Bool("slack_enabled", a.notifier.IsEnabled()).
		Msg("Application configuration updated")
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	stats := a.collector.Stats()
	event := logger.Info().
		Str("device_id", a.cfg.Device.ID).
		Str("state", stats.State.String()).
		Dur("poll_interval", stats.PollInterval).
		Uint64("cycles", stats.Cycles).
		Uint64("fetch_errors", stats.FetchErrors).
		Uint64("store_errors", stats.StoreErrors).
		Int("pending", stats.Pending)
	if stats.LastReading != nil {
		event = event.
			Time("last_timestamp", stats.LastReading.Timestamp).
			Bool("connected", stats.LastReading.Connected).
			Float64("watt", stats.LastReading.Watt)
	}
	event.Msg("Collector state")

	logger.Info().
		Str("store_path", a.store.Path()).
		Bool("mirror_enabled", a.mirror != nil).
		Bool("slack_enabled", a.notifier.IsEnabled()).
		Str("api_addr", a.apiServer.Addr()).
		Msg("Component state")

	if a.influxDB != nil {
		queryCtx, queryCancel := context.WithTimeout(context.Background(), readinessCheckTimeout)
		latest, err := a.influxDB.QueryLatestReading(queryCtx)
		queryCancel()
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Mirror latest reading unavailable")
		case latest == nil:
			logger.Info().Msg("Mirror holds no reading from the last hour")
		default:
			logger.Info().
				Time("timestamp", latest.Timestamp).
				Bool("connected", latest.Connected).
				Float64("watt", latest.Watt).
				Msg("Mirror latest reading")
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

// performGracefulShutdown stops the servers and the collector, then releases Run
func (a *App) performGracefulShutdown() {
	a.shutdownOnce.Do(func() {
		logger.Info().Msg("Initiating graceful shutdown...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP API shutdown error")
		} else {
			logger.Info().Msg("HTTP API stopped")
		}
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Metrics server shutdown error")
		}

		a.mu.Lock()
		adv := a.advertiser
		a.mu.Unlock()
		if adv != nil {
			adv.Shutdown()
		}

		a.service.Stop()
		if a.configWatcher != nil {
			a.configWatcher.Stop()
		}
		a.cancel()
	})
}

// performCleanup flushes the mirror, waits for goroutines and closes the store
func (a *App) performCleanup() {
	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	a.closeResources()
	logger.Info().Msg("All goroutines finished, exiting")
}

func (a *App) closeResources() {
	if a.mirror != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
		defer flushCancel()

		flushDone := make(chan struct{})
		go func() {
			a.mirror.Flush()
			a.mirror.Close()
			close(flushDone)
		}()

		select {
		case <-flushDone:
			logger.Info().Msg("InfluxDB flush completed")
		case <-flushCtx.Done():
			logger.Warn().Msg("InfluxDB flush timeout - some data may be lost")
		}
	}

	if err := a.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close reading store")
	}
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded for health endpoint")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler reports ready when the collector is running and the
// reading store can be read.
func (a *App) readinessCheckHandler(w http.ResponseWriter, _ *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), readinessCheckTimeout)
	defer cancel()

	reason := ""
	if err := a.service.Ready(ctx); errors.Is(err, apperrors.ErrNotCollecting) {
		reason = "collector idle"
	} else if err != nil {
		logger.Warn().Err(err).Msg("Readiness check failed: reading store unreadable")
		reason = "reading store unreadable"
	}

	if reason != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, writeErr := w.Write([]byte("NOT READY: " + reason)); writeErr != nil {
			logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}

// HealthCheck probes a running instance's health endpoint
func HealthCheck(metricsAddr string) error {
	host, port, err := net.SplitHostPort(metricsAddr)
	if err != nil {
		return fmt.Errorf("invalid metrics address %q: %w", metricsAddr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}

	client := &http.Client{Timeout: readinessCheckTimeout}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/health")
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
