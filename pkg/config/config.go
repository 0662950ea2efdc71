package config

import (
	"time"

	"gantry-hq/gantry/pkg/endpoint"
)

// Config is the top-level configuration for the load balancer.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Health    HealthConfig    `yaml:"health"`
	Admission AdmissionConfig `yaml:"admission"`
	TPS       TPSConfig       `yaml:"tps"`

	// Endpoints are static endpoint definitions registered at startup.
	// Endpoints registered via the admin API are persisted to storage and
	// survive restarts independently of this list.
	Endpoints []EndpointSpec `yaml:"endpoints"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// StorageConfig controls the durable SQLite stores.
type StorageConfig struct {
	// EndpointsPath is the SQLite database holding endpoint records.
	EndpointsPath string `yaml:"endpoints_path"`
	// StatsPath is the SQLite database holding daily aggregates, request
	// history, and health-check history.
	StatsPath string `yaml:"stats_path"`
	// BusyTimeout is how long SQLite waits for locks before failing.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	// RetentionDays is how long stats rows are kept.
	RetentionDays int `yaml:"retention_days"`
	// RetentionSchedule is a cron expression for the pruning job.
	RetentionSchedule string `yaml:"retention_schedule"`
	// WriteRetryMaxElapsed bounds the backoff retry loop for a failed
	// durable write before the affected endpoint is marked degraded.
	WriteRetryMaxElapsed time.Duration `yaml:"write_retry_max_elapsed"`
}

// HealthConfig controls the health monitor.
type HealthConfig struct {
	// Interval is the default probe interval for endpoints that do not
	// configure their own.
	Interval time.Duration `yaml:"interval"`
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// FailureThreshold is the number of consecutive probe failures before
	// an Online endpoint flips to Offline.
	FailureThreshold int `yaml:"failure_threshold"`
}

// AdmissionConfig controls the per-endpoint admission gate.
type AdmissionConfig struct {
	// DefaultConcurrency is the in-flight limit for endpoints that do not
	// configure their own.
	DefaultConcurrency int `yaml:"default_concurrency"`
	// MaxQueue bounds the FIFO wait queue per endpoint.
	MaxQueue int `yaml:"max_queue"`
	// WaitTimeout is the maximum time a request waits in the queue.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	// DrainTimeout is the default drain deadline for update flows.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// TPSConfig controls throughput tracking.
type TPSConfig struct {
	// Alpha is the EMA smoothing factor.
	Alpha float64 `yaml:"alpha"`
	// FlushInterval is how often accumulated daily aggregates are written
	// to the stats store.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// EndpointSpec is a static endpoint definition from the config file.
type EndpointSpec struct {
	Name           string           `yaml:"name"`
	BaseURL        string           `yaml:"base_url"`
	APIKey         string           `yaml:"api_key"`
	Flavor         string           `yaml:"flavor"`
	MaxConcurrency int              `yaml:"max_concurrency"`
	CheckInterval  time.Duration    `yaml:"check_interval"`
	Models         []endpoint.Model `yaml:"models"`
}
