// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSchemaConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return path
}

func TestValidateWithSchema_ValidConfig(t *testing.T) {
	validConfig := `{
    "device": {
      "id": "bf1234567890abcdef",
      "region": "eu",
      "access_id": "access-id",
      "access_secret": "access-secret",
      "request_timeout": "10s",
      "failure_threshold": 5
    },
    "collector": {
      "poll_interval": "7s",
      "readings_channel_size": 100
    },
    "storage": {
      "backend": "json",
      "path": "device_data.json"
    },
    "http": {
      "listen_addr": "0.0.0.0:5005",
      "cors_allowed_origins": ["*"],
      "advertise": true
    },
    "metrics": {
      "listen_addr": "localhost:9090"
    },
    "influxdb": {
      "url": "http://localhost:8086",
      "token": "test-token-12345",
      "organization": "my-org",
      "bucket": "power-data"
    },
    "notifications": {
      "slack_webhook_url": "https://hooks.slack.com/services/TEST/WEBHOOK/URL"
    },
    "logging": {
      "level": "info",
      "format": "json"
    }
}`

	path := writeSchemaConfig(t, "config.json", validConfig)
	if err := ValidateWithSchema(path); err != nil {
		t.Errorf("ValidateWithSchema() with valid config failed: %v", err)
	}
}

func TestValidateWithSchema_ValidYAML(t *testing.T) {
	path := writeSchemaConfig(t, "config.yaml", `
device:
  id: bf1234567890abcdef
  access_id: access-id
  access_secret: access-secret
collector:
  poll_interval: 1m30s
storage:
  backend: sqlite
`)
	if err := ValidateWithSchema(path); err != nil {
		t.Errorf("ValidateWithSchema() with valid YAML failed: %v", err)
	}
}

func TestValidateWithSchema_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "missing device",
			content: `{"logging": {"level": "info"}}`,
			want:    "device",
		},
		{
			name:    "missing credentials",
			content: `{"device": {"id": "bf1"}}`,
			want:    "access_id",
		},
		{
			name:    "unknown region",
			content: `{"device": {"id": "bf1", "access_id": "a", "access_secret": "s", "region": "mars"}}`,
			want:    "device.region",
		},
		{
			name:    "poll interval not a duration",
			content: `{"device": {"id": "bf1", "access_id": "a", "access_secret": "s"}, "collector": {"poll_interval": 7}}`,
			want:    "collector.poll_interval",
		},
		{
			name:    "unknown backend",
			content: `{"device": {"id": "bf1", "access_id": "a", "access_secret": "s"}, "storage": {"backend": "csv"}}`,
			want:    "storage.backend",
		},
		{
			name:    "invalid log level",
			content: `{"device": {"id": "bf1", "access_id": "a", "access_secret": "s"}, "logging": {"level": "verbose"}}`,
			want:    "logging.level",
		},
		{
			name:    "channel size below minimum",
			content: `{"device": {"id": "bf1", "access_id": "a", "access_secret": "s"}, "collector": {"readings_channel_size": 0}}`,
			want:    "readings_channel_size",
		},
		{
			name:    "unknown section",
			content: `{"device": {"id": "bf1", "access_id": "a", "access_secret": "s"}, "dashboard": {}}`,
			want:    "dashboard",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSchemaConfig(t, "config.json", tt.content)
			err := ValidateWithSchema(path)
			if err == nil {
				t.Fatal("ValidateWithSchema() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateWithSchema_FileNotFound(t *testing.T) {
	if err := ValidateWithSchema(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("ValidateWithSchema() should fail for a missing file")
	}
}

func TestValidateWithSchema_InvalidYAML(t *testing.T) {
	path := writeSchemaConfig(t, "config.yaml", "device: [unclosed")
	if err := ValidateWithSchema(path); err == nil {
		t.Error("ValidateWithSchema() should fail for invalid YAML")
	}
}

func TestGetSchemaJSON(t *testing.T) {
	var schema map[string]interface{}
	if err := json.Unmarshal([]byte(GetSchemaJSON()), &schema); err != nil {
		t.Fatalf("embedded schema is not valid JSON: %v", err)
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		t.Fatal("schema has no properties")
	}
	for _, section := range []string{"device", "collector", "storage", "http", "metrics", "influxdb", "notifications", "logging"} {
		if _, ok := props[section]; !ok {
			t.Errorf("schema missing section %q", section)
		}
	}
}
