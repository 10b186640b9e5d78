// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package tuya

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/soothill/tuya-energy-logger/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccessID     = "jpemtvyqmyvtytvcpywj"
	testAccessSecret = "bbe0b8e88059472bb0c50e1735537e03"
	testDeviceID     = "bf2ea6423fde0e3a5bu0lt"
)

// fakeCloud is a scripted OpenAPI server
type fakeCloud struct {
	tokenCalls   atomic.Int32
	statusCalls  atomic.Int32
	commandCalls atomic.Int32
	rejectFirst  atomic.Bool // answer the first status call with code 1010
	lastCommand  atomic.Value
}

func (f *fakeCloud) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1.0/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		assert.Equal(t, "1", r.URL.Query().Get("grant_type"))
		assert.Empty(t, r.Header.Get("access_token"))
		assert.Equal(t, testAccessID, r.Header.Get("client_id"))
		assert.Equal(t, "HMAC-SHA256", r.Header.Get("sign_method"))
		writeJSON(w, `{"success":true,"t":1,"result":{"access_token":"tok-`+string(rune('0'+f.tokenCalls.Load()))+`","expire_time":7200,"refresh_token":"r","uid":"u"}}`)
	})
	mux.HandleFunc("/v1.0/devices/"+testDeviceID+"/status", func(w http.ResponseWriter, r *http.Request) {
		n := f.statusCalls.Add(1)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.NotEmpty(t, r.Header.Get("access_token"))
		assert.NotEmpty(t, r.Header.Get("sign"))
		if n == 1 && f.rejectFirst.Load() {
			writeJSON(w, `{"success":false,"code":1010,"msg":"token invalid","t":1}`)
			return
		}
		writeJSON(w, `{"success":true,"t":1,"result":[
			{"code":"switch_1","value":true},
			{"code":"countdown_1","value":0},
			{"code":"cur_current","value":412},
			{"code":"cur_power","value":873},
			{"code":"cur_voltage","value":2301}]}`)
	})
	mux.HandleFunc("/v1.0/iot-03/devices/"+testDeviceID+"/commands", func(w http.ResponseWriter, r *http.Request) {
		f.commandCalls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		f.lastCommand.Store(string(body))
		writeJSON(w, `{"success":true,"t":1,"result":true}`)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		AccessID:          testAccessID,
		AccessSecret:      testAccessSecret,
		BaseURL:           baseURL,
		Timeout:           2 * time.Second,
		RequestsPerSecond: 100,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantURL string
		wantErr bool
	}{
		{"eu region", Config{Region: "eu", AccessID: "id", AccessSecret: "s"}, "https://openapi.tuyaeu.com", false},
		{"region is case-insensitive", Config{Region: "US", AccessID: "id", AccessSecret: "s"}, "https://openapi.tuyaus.com", false},
		{"base URL override", Config{Region: "mars", BaseURL: "http://127.0.0.1:9/", AccessID: "id", AccessSecret: "s"}, "http://127.0.0.1:9", false},
		{"unknown region", Config{Region: "mars", AccessID: "id", AccessSecret: "s"}, "", true},
		{"missing secret", Config{Region: "eu", AccessID: "id"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, client.baseURL)
			assert.Equal(t, defaultTimeout, client.httpClient.Timeout)
		})
	}
}

func TestRegions(t *testing.T) {
	for _, region := range Regions() {
		if _, err := RegionEndpoint(region); err != nil {
			t.Errorf("RegionEndpoint(%q) error = %v", region, err)
		}
	}
}

func TestClient_GetStatus(t *testing.T) {
	cloud := &fakeCloud{}
	server := httptest.NewServer(cloud.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.GetStatus(context.Background(), testDeviceID)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.Len(t, resp.Result, 5)
	assert.Equal(t, CodeSwitch, resp.Result[0].Code)
	assert.JSONEq(t, "true", string(resp.Result[0].Value))
	assert.JSONEq(t, "873", string(resp.Result[3].Value))

	// Token is cached across calls
	_, err = client.GetStatus(context.Background(), testDeviceID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), cloud.tokenCalls.Load())
	assert.Equal(t, int32(2), cloud.statusCalls.Load())
}

func TestClient_GetStatus_RefreshesRejectedToken(t *testing.T) {
	cloud := &fakeCloud{}
	cloud.rejectFirst.Store(true)
	server := httptest.NewServer(cloud.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.GetStatus(context.Background(), testDeviceID)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(2), cloud.tokenCalls.Load(), "token should be fetched again after code 1010")
	assert.Equal(t, int32(2), cloud.statusCalls.Load())
}

func TestClient_TokenExpiry(t *testing.T) {
	cloud := &fakeCloud{}
	server := httptest.NewServer(cloud.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL)
	now := time.Date(2025, 7, 26, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	_, err := client.GetStatus(context.Background(), testDeviceID)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = client.GetStatus(context.Background(), testDeviceID)
	require.NoError(t, err)

	assert.Equal(t, int32(2), cloud.tokenCalls.Load(), "expired token should be refreshed")
}

func TestClient_SendCommands(t *testing.T) {
	cloud := &fakeCloud{}
	server := httptest.NewServer(cloud.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.SendCommands(context.Background(), testDeviceID, []Command{{Code: CodeSwitch, Value: false}})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, resp.Result)
	assert.JSONEq(t, `{"commands":[{"code":"switch_1","value":false}]}`, cloud.lastCommand.Load().(string))
}

func TestClient_SendCommands_Validation(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:9")

	_, err := client.SendCommands(context.Background(), testDeviceID, nil)
	assert.Error(t, err)

	_, err = client.SendCommands(context.Background(), "", []Command{{Code: CodeSwitch, Value: true}})
	assert.Error(t, err)

	_, err = client.GetStatus(context.Background(), "")
	assert.Error(t, err)
}

func TestClient_UnsuccessfulResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1.0/token" {
			writeJSON(w, `{"success":true,"result":{"access_token":"tok","expire_time":7200}}`)
			return
		}
		writeJSON(w, `{"success":false,"code":2001,"msg":"device is offline"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.GetStatus(context.Background(), testDeviceID)
	require.NoError(t, err, "an API-level failure is reported in the response, not as an error")
	assert.False(t, resp.Success)
	assert.Equal(t, 2001, resp.Code)
	assert.Equal(t, "device is offline", resp.Msg)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		handler       http.HandlerFunc
		wantConnErr   bool
		wantMalformed bool
	}{
		{
			name: "http 500",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantConnErr: true,
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, `<html>gateway</html>`)
			},
			wantMalformed: true,
		},
		{
			name: "token refused",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, `{"success":false,"code":1004,"msg":"sign invalid"}`)
			},
			wantConnErr: true,
		},
		{
			name: "result has wrong shape",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/v1.0/token" {
					writeJSON(w, `{"success":true,"result":{"access_token":"tok","expire_time":7200}}`)
					return
				}
				writeJSON(w, `{"success":true,"result":{"code":"switch_1"}}`)
			},
			wantMalformed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := newTestClient(t, server.URL)
			_, err := client.GetStatus(context.Background(), testDeviceID)
			require.Error(t, err)
			assert.Equal(t, tt.wantConnErr, apperrors.IsConnectivityError(err), "IsConnectivityError(%v)", err)
			assert.Equal(t, tt.wantMalformed, apperrors.IsMalformedResponseError(err), "IsMalformedResponseError(%v)", err)
			assert.True(t, apperrors.IsDeviceUnavailable(err))
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := newTestClient(t, url)
	_, err := client.GetStatus(context.Background(), testDeviceID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConnectivityError(err))
}

func TestClient_SignatureHeaders(t *testing.T) {
	var gotSign, gotT, gotNonce string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1.0/token" {
			writeJSON(w, `{"success":true,"result":{"access_token":"3f4eda2bdec17232f67c0b188af3eec1","expire_time":7200}}`)
			return
		}
		gotSign = r.Header.Get("sign")
		gotT = r.Header.Get("t")
		gotNonce = r.Header.Get("nonce")
		writeJSON(w, `{"success":true,"result":[]}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	client.now = func() time.Time { return time.UnixMilli(1588925778000) }
	client.newNonce = func() string { return "5138cc3a9033d69856923fd07b491173" }

	_, err := client.GetStatus(context.Background(), testDeviceID)
	require.NoError(t, err)

	assert.Equal(t, "1588925778000", gotT)
	assert.Equal(t, "5138cc3a9033d69856923fd07b491173", gotNonce)
	assert.Equal(t, "11CE471AFFD176F2A6CC888E1C6E63F4C6C52F5455D4D7A50D8350E9E5576EA6", gotSign)
}

func TestStatusResponse_JSON(t *testing.T) {
	var resp StatusResponse
	err := json.Unmarshal([]byte(`{"success":true,"result":[{"code":"cur_power","value":15}]}`), &resp)
	require.NoError(t, err)
	require.Len(t, resp.Result, 1)
	assert.Equal(t, CodePower, resp.Result[0].Code)
}
