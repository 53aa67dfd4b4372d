// Copyright 2026 Meridian
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func captureOutput(fn func()) string {
	var buf bytes.Buffer
	orig := log.Writer()
	flags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(orig)
		log.SetFlags(flags)
	}()
	fn()
	return buf.String()
}

func TestNew(t *testing.T) {
	l := New("gateway")

	if l.Component != "gateway" {
		t.Errorf("expected component 'gateway', got '%s'", l.Component)
	}
	if l.InstanceID == "" {
		t.Error("expected non-empty instance ID")
	}
	if l.Container == "" {
		t.Error("expected non-empty container name")
	}
}

func TestLogEntryStructure(t *testing.T) {
	l := New("gateway")

	out := captureOutput(func() {
		l.Info("tenant-1", "corr-abc", "test message", map[string]interface{}{
			"endpoint": "/api/v1/hub/orders",
		})
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v (output: %s)", err, out)
	}

	if entry.Level != INFO {
		t.Errorf("expected level INFO, got %s", entry.Level)
	}
	if entry.TenantID != "tenant-1" {
		t.Errorf("expected tenant_id 'tenant-1', got '%s'", entry.TenantID)
	}
	if entry.CorrelationID != "corr-abc" {
		t.Errorf("expected correlation_id 'corr-abc', got '%s'", entry.CorrelationID)
	}
	if entry.Message != "test message" {
		t.Errorf("expected message 'test message', got '%s'", entry.Message)
	}
	if entry.Fields["endpoint"] != "/api/v1/hub/orders" {
		t.Errorf("expected endpoint field, got %v", entry.Fields)
	}
}

func TestLogLevels(t *testing.T) {
	l := New("gateway")

	tests := []struct {
		name  string
		fn    func(tenantID, correlationID, message string, fields map[string]interface{})
		level LogLevel
	}{
		{"info", l.Info, INFO},
		{"warn", l.Warn, WARN},
		{"error", l.Error, ERROR},
		{"debug", l.Debug, DEBUG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := captureOutput(func() {
				tt.fn("t", "c", "msg", nil)
			})

			var entry LogEntry
			if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if entry.Level != tt.level {
				t.Errorf("expected level %s, got %s", tt.level, entry.Level)
			}
		})
	}
}

func TestInfoWithDuration(t *testing.T) {
	l := New("gateway")

	out := captureOutput(func() {
		l.InfoWithDuration("t", "c", "done", 12.5, nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry.Fields["duration_ms"] != 12.5 {
		t.Errorf("expected duration_ms 12.5, got %v", entry.Fields["duration_ms"])
	}
}

func TestErrorWithCode(t *testing.T) {
	l := New("gateway")

	out := captureOutput(func() {
		l.ErrorWithCode("t", "c", "failed", 502, nil, nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	// JSON numbers decode as float64
	if entry.Fields["status_code"] != float64(502) {
		t.Errorf("expected status_code 502, got %v", entry.Fields["status_code"])
	}
}
