// Package logging tests for structured logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// =====================================================
// Helpers
// =====================================================

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected a log line, got none")
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	return entry
}

// =====================================================
// Level and Format Tests
// =====================================================

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug, FormatJSON)

	l.Info("drain completed", map[string]interface{}{"table": "activities", "sent": 3})

	entry := decodeLine(t, &buf)
	if entry["message"] != "drain completed" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["table"] != "activities" {
		t.Errorf("table = %v", entry["table"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v", entry["level"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

func TestLogger_MinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn, FormatJSON)

	l.Debug("hidden")
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("messages below min level were written: %q", buf.String())
	}

	l.Warn("shown")
	if buf.Len() == 0 {
		t.Error("warn message was not written")
	}
}

func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo, FormatJSON)

	l.ErrorWithCode("batch rejected", "SYNC_FAILED", errors.New("409 conflict"), nil)

	entry := decodeLine(t, &buf)
	if entry["code"] != "SYNC_FAILED" {
		t.Errorf("code = %v", entry["code"])
	}
	if entry["error"] != "409 conflict" {
		t.Errorf("error = %v", entry["error"])
	}
}

func TestMergeContext(t *testing.T) {
	merged := mergeContext(
		map[string]interface{}{"a": 1},
		nil,
		map[string]interface{}{"b": 2, "a": 3},
	)
	if merged["a"] != 3 || merged["b"] != 2 {
		t.Errorf("mergeContext() = %v", merged)
	}
	if mergeContext() != nil {
		t.Error("mergeContext() with no maps should be nil")
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo, FormatText)
	l.Info("hello", map[string]interface{}{"k": "v"})
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text output missing field: %q", buf.String())
	}
}
