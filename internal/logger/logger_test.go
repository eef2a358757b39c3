package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

// captureLogs points the package logger at a buffer at the given level and
// restores it when the test ends.
func captureLogs(t *testing.T, level LogLevel) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	originalLevel := GetLevel()
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(originalLevel)
	})

	return &buf
}

func lastEntry(output string) (map[string]interface{}, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("no log output")
	}

	var entry map[string]interface{}
	err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry)
	return entry, err
}

func TestLevels(t *testing.T) {
	tests := []struct {
		name     string
		logFn    func(string, ...map[string]interface{})
		expected string
	}{
		{"debug", Debug, "debug"},
		{"info", Info, "info"},
		{"warn", Warn, "warn"},
		{"error", Error, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t, DEBUG)

			tt.logFn("test message", map[string]interface{}{"field1": "value1", "field2": 42})

			entry, err := lastEntry(buf.String())
			if err != nil {
				t.Fatalf("Expected valid JSON log entry, got error: %v", err)
			}
			if entry["level"] != tt.expected {
				t.Errorf("Expected level %s, got %v", tt.expected, entry["level"])
			}
			if entry["message"] != "test message" {
				t.Errorf("Expected message 'test message', got %v", entry["message"])
			}
			if entry["field1"] != "value1" {
				t.Errorf("Expected field1=value1, got %v", entry["field1"])
			}
			if entry["field2"] != float64(42) {
				t.Errorf("Expected field2=42, got %v", entry["field2"])
			}
			if _, ok := entry["time"]; !ok {
				t.Error("Expected a timestamp on every entry")
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureLogs(t, WARN)

	Debug("hidden debug")
	Info("hidden info")
	if buf.Len() != 0 {
		t.Fatalf("Expected no output below WARN, got %q", buf.String())
	}

	Warn("visible warning")
	if !strings.Contains(buf.String(), "visible warning") {
		t.Errorf("Expected warning in output, got %q", buf.String())
	}
}

func TestSensitiveFieldsAreRedacted(t *testing.T) {
	buf := captureLogs(t, DEBUG)

	Info("webhook", map[string]interface{}{
		"license_key":    "CRPS-A3K7-X9M2-Q4NB",
		"signature":      "short",
		"webhook_secret": 12345,
		"session_id":     "cs_test_123",
	})

	entry, err := lastEntry(buf.String())
	if err != nil {
		t.Fatalf("Expected valid JSON log entry, got error: %v", err)
	}

	if entry["license_key"] != "CRP...4NB" {
		t.Errorf("Expected partially redacted key, got %v", entry["license_key"])
	}
	if entry["signature"] != "[REDACTED]" {
		t.Errorf("Expected redacted signature, got %v", entry["signature"])
	}
	if entry["webhook_secret"] != "[REDACTED]" {
		t.Errorf("Expected redacted non-string secret, got %v", entry["webhook_secret"])
	}
	if entry["session_id"] != "cs_test_123" {
		t.Errorf("Expected session_id untouched, got %v", entry["session_id"])
	}
}

func TestLogWithoutFields(t *testing.T) {
	buf := captureLogs(t, DEBUG)

	Info("message without fields")
	Info("message with empty fields", map[string]interface{}{})

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Errorf("Expected valid JSON log entry, got error: %v", err)
		}
	}
}

func TestMergeFields(t *testing.T) {
	merged := mergeFields(
		map[string]interface{}{"a": 1, "b": 2},
		map[string]interface{}{"b": 3},
	)

	if merged["a"] != 1 || merged["b"] != 3 {
		t.Errorf("Expected later maps to win, got %v", merged)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"":        INFO,
		"verbose": INFO,
	}

	for input, expected := range tests {
		if got := ParseLevel(input); got != expected {
			t.Errorf("ParseLevel(%q) = %s, expected %s", input, got, expected)
		}
	}
}

func TestMiddleware(t *testing.T) {
	buf := captureLogs(t, WARN)

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/get-license", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry, err := lastEntry(buf.String())
	if err != nil {
		t.Fatalf("Expected a request log line, got error: %v", err)
	}
	if entry["status"] != float64(http.StatusTooManyRequests) {
		t.Errorf("Expected status 429, got %v", entry["status"])
	}
	if entry["path"] != "/api/get-license" {
		t.Errorf("Expected path to be logged, got %v", entry["path"])
	}
}

func BenchmarkInfo(b *testing.B) {
	var buf bytes.Buffer
	l := New(&buf, INFO)

	fields := map[string]interface{}{
		"session_id": "cs_test_123",
		"plan":       "pro",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Info("benchmark info message", fields)
	}
}
