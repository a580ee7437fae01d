package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":    "debug",
		"report":   "info",
		"WARN":     "warning",
		"nonsense": "info",
		"":         "info",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestLogMetricEmitsSingleLine(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.LogMetric("book_cache", "upserts_accepted", 3, "counter", Fields{"exchange": "bitget"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one metric line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal metric line: %v", err)
	}
	if entry["metric"] != "upserts_accepted" || entry["metric_type"] != "counter" {
		t.Fatalf("metric fields missing: %v", entry)
	}
	if entry["value"].(float64) != 3 {
		t.Fatalf("value = %v", entry["value"])
	}
	if entry["exchange"] != "bitget" {
		t.Fatalf("dimension field missing: %v", entry)
	}
}
