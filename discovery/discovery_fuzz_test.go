// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"net"
	"strings"
	"testing"
)

// FuzzParseTXT checks that arbitrary TXT strings never panic and that every
// parsed key came from a record containing '='.
func FuzzParseTXT(f *testing.F) {
	f.Add("device_id=bf123")
	f.Add("")
	f.Add("=")
	f.Add("novalue")
	f.Add("path=/api/status=extra")
	f.Add("\x00\x01=\x02")
	f.Add("unicode-日本語=测试")

	f.Fuzz(func(t *testing.T, record string) {
		txt := parseTXT([]string{record})
		if !strings.Contains(record, "=") && len(txt) != 0 {
			t.Errorf("parseTXT(%q) = %v, want empty", record, txt)
		}
		for key, value := range txt {
			if key+"="+value != record {
				t.Errorf("parseTXT(%q) split into %q/%q", record, key, value)
			}
		}
	})
}

// FuzzInstance_DeviceID checks that DeviceID is never empty
func FuzzInstance_DeviceID(f *testing.F) {
	f.Add("bf1234567890abcdef", 5005)
	f.Add("", 5005)
	f.Add("\"; DROP TABLE readings;--", 80)
	f.Add("device\nwith\nnewlines", 65535)

	f.Fuzz(func(t *testing.T, deviceID string, port int) {
		instance := &Instance{
			Address:   net.ParseIP("192.168.1.100"),
			Port:      port,
			TXTRecord: map[string]string{"device_id": deviceID},
		}
		result := instance.DeviceID()
		if result == "" {
			t.Errorf("DeviceID() returned empty string for device_id=%q", deviceID)
		}
		if deviceID != "" && result != deviceID {
			t.Errorf("DeviceID() = %q, want %q", result, deviceID)
		}
		if !strings.HasPrefix(instance.StatusURL(), "http://") {
			t.Errorf("StatusURL() = %q", instance.StatusURL())
		}
	})
}
