package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gantry.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_address: "0.0.0.0:9191"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.ListenAddress != "0.0.0.0:9191" {
		t.Errorf("ListenAddress = %q, want %q", cfg.Server.ListenAddress, "0.0.0.0:9191")
	}
	if cfg.Health.Interval != DefaultHealthInterval {
		t.Errorf("Health.Interval = %v, want default %v", cfg.Health.Interval, DefaultHealthInterval)
	}
	if cfg.Health.FailureThreshold != DefaultFailureThreshold {
		t.Errorf("Health.FailureThreshold = %d, want default %d", cfg.Health.FailureThreshold, DefaultFailureThreshold)
	}
	if cfg.Admission.MaxQueue != DefaultMaxQueue {
		t.Errorf("Admission.MaxQueue = %d, want default %d", cfg.Admission.MaxQueue, DefaultMaxQueue)
	}
	if cfg.Admission.WaitTimeout != DefaultWaitTimeout {
		t.Errorf("Admission.WaitTimeout = %v, want default %v", cfg.Admission.WaitTimeout, DefaultWaitTimeout)
	}
	if cfg.TPS.Alpha != DefaultTPSAlpha {
		t.Errorf("TPS.Alpha = %v, want default %v", cfg.TPS.Alpha, DefaultTPSAlpha)
	}
}

func TestLoad_StaticEndpoints(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - name: local-ollama
    base_url: "http://127.0.0.1:11434"
    max_concurrency: 2
    models:
      - id: "llama3:8b"
        capabilities: [chat]
  - name: cloud-openai
    base_url: "https://api.openai.com"
    api_key: "sk-test"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if len(cfg.Endpoints) != 2 {
		t.Fatalf("len(Endpoints) = %d, want 2", len(cfg.Endpoints))
	}
	if cfg.Endpoints[0].MaxConcurrency != 2 {
		t.Errorf("Endpoints[0].MaxConcurrency = %d, want 2", cfg.Endpoints[0].MaxConcurrency)
	}
	// Unset per-endpoint values inherit global defaults.
	if cfg.Endpoints[1].MaxConcurrency != DefaultConcurrency {
		t.Errorf("Endpoints[1].MaxConcurrency = %d, want default %d", cfg.Endpoints[1].MaxConcurrency, DefaultConcurrency)
	}
	if cfg.Endpoints[0].CheckInterval != DefaultHealthInterval {
		t.Errorf("Endpoints[0].CheckInterval = %v, want default %v", cfg.Endpoints[0].CheckInterval, DefaultHealthInterval)
	}
	if len(cfg.Endpoints[0].Models) != 1 || cfg.Endpoints[0].Models[0].ID != "llama3:8b" {
		t.Errorf("Endpoints[0].Models = %+v, want one llama3:8b entry", cfg.Endpoints[0].Models)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() with missing file expected error, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(cfg *Config) {}, false},
		{"probe timeout exceeds interval", func(cfg *Config) {
			cfg.Health.ProbeTimeout = time.Minute
		}, true},
		{"zero failure threshold", func(cfg *Config) {
			cfg.Health.FailureThreshold = 0
		}, true},
		{"negative queue", func(cfg *Config) {
			cfg.Admission.MaxQueue = -1
		}, true},
		{"alpha out of range", func(cfg *Config) {
			cfg.TPS.Alpha = 1.5
		}, true},
		{"bad retention schedule", func(cfg *Config) {
			cfg.Storage.RetentionSchedule = "every day at 3"
		}, true},
		{"duplicate endpoint names", func(cfg *Config) {
			cfg.Endpoints = []EndpointSpec{
				{Name: "a", BaseURL: "http://h1:1", MaxConcurrency: 1, CheckInterval: time.Second},
				{Name: "a", BaseURL: "http://h2:1", MaxConcurrency: 1, CheckInterval: time.Second},
			}
		}, true},
		{"endpoint with bad scheme", func(cfg *Config) {
			cfg.Endpoints = []EndpointSpec{
				{Name: "a", BaseURL: "ftp://h1:1", MaxConcurrency: 1, CheckInterval: time.Second},
			}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"http", "http://10.0.0.1:11434", false},
		{"https", "https://api.openai.com", false},
		{"empty", "", true},
		{"no scheme", "10.0.0.1:11434", true},
		{"ftp", "ftp://host", true},
		{"missing host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBaseURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBaseURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
