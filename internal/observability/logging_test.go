package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"anthropic key", "sk-ant-REDACTED"},
		{"openai key", "sk-" + strings.Repeat("a", 48)},
		{"bearer token", "Bearer abcdefghijklmnopqrstuvwx"},
		{"hex secret", strings.Repeat("ab", 32)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Output: &buf})
			logger.Info(context.Background(), "value is "+tt.value)
			if strings.Contains(buf.String(), tt.value) {
				t.Errorf("secret leaked into log output: %s", buf.String())
			}
			if !strings.Contains(buf.String(), "[REDACTED]") {
				t.Errorf("expected redaction marker, got %s", buf.String())
			}
		})
	}
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := WithTraceID(context.Background(), "tr-1")
	ctx = WithProjectID(ctx, "p-1")
	ctx = WithSessionID(ctx, "s-1")
	logger.Info(ctx, "hello")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["trace_id"] != "tr-1" || record["project_id"] != "p-1" || record["session_id"] != "s-1" {
		t.Errorf("missing context fields: %v", record)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})
	logger.Info(context.Background(), "dropped")
	if buf.Len() != 0 {
		t.Errorf("info record should be filtered at warn level: %s", buf.String())
	}
	logger.Warn(context.Background(), "kept")
	if buf.Len() == 0 {
		t.Error("warn record should pass at warn level")
	}
}
