package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nerrad567/apilink/internal/infrastructure/config"
)

func TestNew_Outputs(t *testing.T) {
	for _, output := range []string{"stdout", "stderr", ""} {
		t.Run("output="+output, func(t *testing.T) {
			logger := New(config.LoggingConfig{Level: "info", Format: "json", Output: output}, "1.0.0")
			if logger == nil {
				t.Fatal("expected non-nil logger")
			}
			if err := logger.Close(); err != nil {
				t.Errorf("Close() error = %v", err)
			}
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apilink.log")
	logger := New(config.LoggingConfig{
		Level:  "debug",
		Format: "text",
		Output: "file",
		File:   config.FileLoggingConfig{Path: path, MaxSize: 1},
	}, "1.0.0")

	logger.Debug("written to file", "key", "value")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file = %q, want message", data)
	}
	if !strings.Contains(string(data), "service=apilink") {
		t.Errorf("log file = %q, want service field", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{name: "debug level", input: "debug", expected: slog.LevelDebug},
		{name: "info level", input: "info", expected: slog.LevelInfo},
		{name: "warn level", input: "warn", expected: slog.LevelWarn},
		{name: "warning level", input: "warning", expected: slog.LevelWarn},
		{name: "error level", input: "error", expected: slog.LevelError},
		{name: "unknown defaults to info", input: "unknown", expected: slog.LevelInfo},
		{name: "empty defaults to info", input: "", expected: slog.LevelInfo},
		{name: "case insensitive", input: "DEBUG", expected: slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := build(&buf, config.LoggingConfig{Level: "info"}, "1.0.0")
	child := logger.With("component", "rtc")

	if child == logger {
		t.Error("expected child logger to be different from parent")
	}
	child.Info("connected")
	if !strings.Contains(buf.String(), `"component":"rtc"`) {
		t.Errorf("output = %q, want component field", buf.String())
	}
	if err := child.Close(); err != nil {
		t.Errorf("child Close() error = %v", err)
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("expected non-nil default logger")
	}
	if Discard() == nil {
		t.Fatal("expected non-nil discard logger")
	}
}

func TestLogger_OutputContainsDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := build(&buf, config.LoggingConfig{Level: "info", Format: "json"}, "test")
	logger.Info("test message", "key", "value")
	logger.Debug("filtered")

	var logEntry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}

	want := map[string]string{
		"msg":     "test message",
		"key":     "value",
		"service": ServiceName,
		"version": "test",
	}
	for k, v := range want {
		if logEntry[k] != v {
			t.Errorf("logEntry[%q] = %v, want %q", k, logEntry[k], v)
		}
	}
}

func TestLogger_Redacts(t *testing.T) {
	var buf bytes.Buffer
	logger := build(&buf, config.LoggingConfig{Format: "json"}, "test")
	logger.Info("calling api",
		"client_secret", "s3cr3t",
		"Authorization", "Bearer abc",
		slog.Group("broker", "password", "hunter2", "host", "mq.test"),
		"operation", "list",
	)

	out := buf.String()
	for _, leaked := range []string{"s3cr3t", "Bearer abc", "hunter2"} {
		if strings.Contains(out, leaked) {
			t.Errorf("output leaks %q: %s", leaked, out)
		}
	}
	for _, kept := range []string{`"operation":"list"`, `"host":"mq.test"`, Redacted} {
		if !strings.Contains(out, kept) {
			t.Errorf("output = %s, want %s", out, kept)
		}
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := build(&buf, config.LoggingConfig{Level: "error"}, "test")
	child := logger.With("component", "rtc")

	child.Info("hidden")
	logger.SetLevel("debug")
	child.Debug("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info entry logged at error level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("child did not follow the parent's level: %s", out)
	}
}
