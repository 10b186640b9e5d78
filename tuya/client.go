// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package tuya is a minimal client for the Tuya cloud OpenAPI covering the
// two calls the logger needs: reading a device's data points and sending it
// commands.
//
// Requests are signed with HMAC-SHA256 using the project's access ID and
// secret. An access token is fetched lazily, cached until shortly before it
// expires and refreshed once if the cloud reports it invalid.
//
// # Example Usage
//
//	client, err := tuya.NewClient(tuya.Config{
//	    Region:       "eu",
//	    AccessID:     os.Getenv("TUYA_ACCESS_ID"),
//	    AccessSecret: os.Getenv("TUYA_ACCESS_SECRET"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	status, err := client.GetStatus(ctx, deviceID)
package tuya

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/soothill/tuya-energy-logger/pkg/errors"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout           = 10 * time.Second
	defaultRequestsPerSecond = 5.0
	tokenExpiryMargin        = 60 * time.Second
	maxResponseBytes         = 1 << 20
	signMethod               = "HMAC-SHA256"
)

var regionEndpoints = map[string]string{
	"cn":   "https://openapi.tuyacn.com",
	"us":   "https://openapi.tuyaus.com",
	"us-e": "https://openapi-ueaz.tuyaus.com",
	"eu":   "https://openapi.tuyaeu.com",
	"eu-w": "https://openapi-weaz.tuyaeu.com",
	"in":   "https://openapi.tuyain.com",
}

// Config holds the settings needed to talk to the cloud API.
type Config struct {
	Region            string
	AccessID          string
	AccessSecret      string
	BaseURL           string        // overrides the region endpoint when set
	Timeout           time.Duration // per HTTP request
	RequestsPerSecond float64       // outbound request pacing
}

// Client signs and sends OpenAPI requests.
type Client struct {
	baseURL      string
	accessID     string
	accessSecret string
	httpClient   *http.Client
	limiter      *rate.Limiter

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	now      func() time.Time
	newNonce func() string
}

// RegionEndpoint returns the OpenAPI base URL for a data-center region code.
func RegionEndpoint(region string) (string, error) {
	endpoint, ok := regionEndpoints[strings.ToLower(region)]
	if !ok {
		return "", fmt.Errorf("unknown region %q", region)
	}
	return endpoint, nil
}

// Regions returns the supported region codes.
func Regions() []string {
	return []string{"cn", "us", "us-e", "eu", "eu-w", "in"}
}

// NewClient creates a new cloud API client
func NewClient(cfg Config) (*Client, error) {
	if cfg.AccessID == "" || cfg.AccessSecret == "" {
		return nil, fmt.Errorf("access ID and secret are required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		endpoint, err := RegionEndpoint(cfg.Region)
		if err != nil {
			return nil, err
		}
		baseURL = endpoint
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}

	return &Client{
		baseURL:      baseURL,
		accessID:     cfg.AccessID,
		accessSecret: cfg.AccessSecret,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		now:          time.Now,
		newNonce: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}, nil
}

// GetStatus reads the current data points of a device.
func (c *Client) GetStatus(ctx context.Context, deviceID string) (*StatusResponse, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device ID cannot be empty")
	}

	env, err := c.call(ctx, "get status", deviceID, http.MethodGet, "/v1.0/devices/"+deviceID+"/status", nil)
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{Success: env.Success, Code: env.Code, Msg: env.Msg, T: env.T}
	if env.Success && len(env.Result) > 0 && string(env.Result) != "null" {
		if err := json.Unmarshal(env.Result, &resp.Result); err != nil {
			return nil, apperrors.NewMalformedResponseError("get status", "result", err)
		}
	}
	return resp, nil
}

// SendCommands sends one or more data point commands to a device.
func (c *Client) SendCommands(ctx context.Context, deviceID string, commands []Command) (*CommandResponse, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device ID cannot be empty")
	}
	if len(commands) == 0 {
		return nil, fmt.Errorf("at least one command is required")
	}

	body, err := json.Marshal(commandRequest{Commands: commands})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal commands: %w", err)
	}

	env, err := c.call(ctx, "send command", deviceID, http.MethodPost, "/v1.0/iot-03/devices/"+deviceID+"/commands", body)
	if err != nil {
		return nil, err
	}

	resp := &CommandResponse{Success: env.Success, Code: env.Code, Msg: env.Msg, T: env.T}
	if env.Success && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &resp.Result); err != nil {
			return nil, apperrors.NewMalformedResponseError("send command", "result", err)
		}
	}
	return resp, nil
}

// call performs an authenticated request, refreshing the token once when the
// cloud rejects it.
func (c *Client) call(ctx context.Context, op, deviceID, method, path string, body []byte) (*envelope, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return nil, err
		}

		env, err := c.send(ctx, op, deviceID, method, path, body, token)
		if err != nil {
			return nil, err
		}

		if !env.Success && env.Code == codeTokenInvalid && attempt == 0 {
			logger.Debug().Str("device_id", deviceID).Msg("Access token rejected, refreshing")
			c.invalidateToken()
			continue
		}
		return env, nil
	}
}

// accessToken returns a cached token or fetches a new one
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	env, err := c.send(ctx, "get token", "", http.MethodGet, "/v1.0/token?grant_type=1", nil, "")
	if err != nil {
		return "", err
	}
	if !env.Success {
		return "", &apperrors.ConnectivityError{Op: "get token", Code: env.Code, Err: fmt.Errorf("%s", env.Msg)}
	}

	var tr tokenResult
	if err := json.Unmarshal(env.Result, &tr); err != nil {
		return "", apperrors.NewMalformedResponseError("get token", "result", err)
	}
	if tr.AccessToken == "" {
		return "", apperrors.NewMalformedResponseError("get token", "access_token", fmt.Errorf("empty token"))
	}

	lifetime := time.Duration(tr.ExpireTime) * time.Second
	if lifetime > tokenExpiryMargin {
		lifetime -= tokenExpiryMargin
	}
	c.token = tr.AccessToken
	c.tokenExpiry = c.now().Add(lifetime)

	logger.Debug().Dur("lifetime", lifetime).Msg("Obtained cloud access token")
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// send signs and executes a single HTTP request and decodes the envelope
func (c *Client) send(ctx context.Context, op, deviceID, method, path string, body []byte, token string) (*envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewConnectivityError(op, deviceID, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	nonce := c.newNonce()
	signature := sign(c.accessSecret, c.accessID, token, timestamp, nonce, stringToSign(method, body, path))

	req.Header.Set("client_id", c.accessID)
	req.Header.Set("sign", signature)
	req.Header.Set("t", timestamp)
	req.Header.Set("nonce", nonce)
	req.Header.Set("sign_method", signMethod)
	if token != "" {
		req.Header.Set("access_token", token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewConnectivityError(op, deviceID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.NewConnectivityError(op, deviceID, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.NewConnectivityError(op, deviceID, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.NewMalformedResponseError(op, "", err)
	}
	return &env, nil
}
