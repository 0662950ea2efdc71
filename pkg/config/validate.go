package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks the configuration for invalid or inconsistent values.
// It returns the first problem found.
func Validate(cfg *Config) error {
	if cfg.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address must not be empty")
	}
	if cfg.Server.ReadTimeout < 0 || cfg.Server.WriteTimeout < 0 || cfg.Server.IdleTimeout < 0 {
		return fmt.Errorf("server timeouts must not be negative")
	}

	if cfg.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive, got %v", cfg.Health.Interval)
	}
	if cfg.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("health.probe_timeout must be positive, got %v", cfg.Health.ProbeTimeout)
	}
	if cfg.Health.ProbeTimeout >= cfg.Health.Interval {
		return fmt.Errorf("health.probe_timeout (%v) must be shorter than health.interval (%v)",
			cfg.Health.ProbeTimeout, cfg.Health.Interval)
	}
	if cfg.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be at least 1, got %d", cfg.Health.FailureThreshold)
	}

	if cfg.Admission.DefaultConcurrency < 1 {
		return fmt.Errorf("admission.default_concurrency must be at least 1, got %d", cfg.Admission.DefaultConcurrency)
	}
	if cfg.Admission.MaxQueue < 0 {
		return fmt.Errorf("admission.max_queue must not be negative, got %d", cfg.Admission.MaxQueue)
	}
	if cfg.Admission.WaitTimeout <= 0 {
		return fmt.Errorf("admission.wait_timeout must be positive, got %v", cfg.Admission.WaitTimeout)
	}
	if cfg.Admission.DrainTimeout <= 0 {
		return fmt.Errorf("admission.drain_timeout must be positive, got %v", cfg.Admission.DrainTimeout)
	}

	if cfg.TPS.Alpha <= 0 || cfg.TPS.Alpha > 1 {
		return fmt.Errorf("tps.alpha must be in (0, 1], got %v", cfg.TPS.Alpha)
	}

	if cfg.Storage.RetentionDays < 1 {
		return fmt.Errorf("storage.retention_days must be at least 1, got %d", cfg.Storage.RetentionDays)
	}
	if _, err := cron.ParseStandard(cfg.Storage.RetentionSchedule); err != nil {
		return fmt.Errorf("storage.retention_schedule %q is not a valid cron expression: %w",
			cfg.Storage.RetentionSchedule, err)
	}

	seen := make(map[string]bool, len(cfg.Endpoints))
	for i, spec := range cfg.Endpoints {
		if err := ValidateEndpointSpec(&spec); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		if seen[spec.Name] {
			return fmt.Errorf("endpoints[%d]: duplicate endpoint name %q", i, spec.Name)
		}
		seen[spec.Name] = true
	}

	return nil
}

// ValidateEndpointSpec checks a single endpoint definition.
func ValidateEndpointSpec(spec *EndpointSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("endpoint name must not be empty")
	}
	if err := ValidateBaseURL(spec.BaseURL); err != nil {
		return err
	}
	if spec.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must not be negative, got %d", spec.MaxConcurrency)
	}
	if spec.CheckInterval < 0 {
		return fmt.Errorf("check_interval must not be negative, got %v", spec.CheckInterval)
	}
	return nil
}

// ValidateBaseURL checks that a base URL is an absolute http(s) URL.
func ValidateBaseURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("base_url must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("base_url %q is not a valid URL: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url %q must use http or https, got %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url %q is missing a host", raw)
	}
	return nil
}
