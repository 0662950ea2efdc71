package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_LevelParsing(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		wantErr bool
	}{
		{"debug", "debug", false},
		{"info", "info", false},
		{"warn", "warn", false},
		{"warning alias", "warning", false},
		{"error", "error", false},
		{"empty defaults to info", "", false},
		{"mixed case", "DEBUG", false},
		{"unknown", "verbose", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{Level: tt.level, Format: "json"})
			if (err != nil) != tt.wantErr {
				t.Errorf("New(level=%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
		})
	}
}

func TestNew_FormatParsing(t *testing.T) {
	for _, format := range []string{"json", "text", "console", ""} {
		if _, err := New(Config{Level: "info", Format: format}); err != nil {
			t.Errorf("New(format=%q) unexpected error: %v", format, err)
		}
	}
	if _, err := New(Config{Level: "info", Format: "xml"}); err == nil {
		t.Error("New(format=\"xml\") expected error, got nil")
	}
}

func TestNew_JSONOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Level: "info", Format: "json", Writer: buf})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	logger.Info("endpoint registered", "endpoint", "node-1", "models", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "endpoint registered" {
		t.Errorf("msg = %v, want %q", entry["msg"], "endpoint registered")
	}
	if entry["endpoint"] != "node-1" {
		t.Errorf("endpoint = %v, want %q", entry["endpoint"], "node-1")
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Level: "warn", Format: "text", Writer: buf})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	logger.Debug("should be dropped")
	logger.Info("should be dropped too")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("below-threshold records were emitted: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("warn record missing from output: %q", out)
	}
}

func TestSetup_InstallsDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	buf := &bytes.Buffer{}
	if _, err := Setup(Config{Level: "info", Format: "json", Writer: buf}); err != nil {
		t.Fatalf("Setup() error: %v", err)
	}

	slog.Info("via default logger")
	if !strings.Contains(buf.String(), "via default logger") {
		t.Errorf("default logger did not write to configured writer: %q", buf.String())
	}
}
