package config

import "time"

// Default values for configuration fields.
const (
	DefaultListenAddress   = "127.0.0.1:9090"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Minute // streams can be long-lived
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1048576 // 1MB

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultEndpointsPath        = "data/endpoints.db"
	DefaultStatsPath            = "data/stats.db"
	DefaultBusyTimeout          = 5 * time.Second
	DefaultRetentionDays        = 90
	DefaultRetentionSchedule    = "0 3 * * *"
	DefaultWriteRetryMaxElapsed = 5 * time.Second

	DefaultHealthInterval   = 30 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultFailureThreshold = 3

	DefaultConcurrency  = 4
	DefaultMaxQueue     = 100
	DefaultWaitTimeout  = 60 * time.Second
	DefaultDrainTimeout = 2 * time.Minute

	DefaultTPSAlpha      = 0.2
	DefaultFlushInterval = time.Minute
)

// ApplyDefaults fills zero-valued fields with defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}

	if cfg.Storage.EndpointsPath == "" {
		cfg.Storage.EndpointsPath = DefaultEndpointsPath
	}
	if cfg.Storage.StatsPath == "" {
		cfg.Storage.StatsPath = DefaultStatsPath
	}
	if cfg.Storage.BusyTimeout == 0 {
		cfg.Storage.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Storage.RetentionDays == 0 {
		cfg.Storage.RetentionDays = DefaultRetentionDays
	}
	if cfg.Storage.RetentionSchedule == "" {
		cfg.Storage.RetentionSchedule = DefaultRetentionSchedule
	}
	if cfg.Storage.WriteRetryMaxElapsed == 0 {
		cfg.Storage.WriteRetryMaxElapsed = DefaultWriteRetryMaxElapsed
	}

	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = DefaultHealthInterval
	}
	if cfg.Health.ProbeTimeout == 0 {
		cfg.Health.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = DefaultFailureThreshold
	}

	if cfg.Admission.DefaultConcurrency == 0 {
		cfg.Admission.DefaultConcurrency = DefaultConcurrency
	}
	if cfg.Admission.MaxQueue == 0 {
		cfg.Admission.MaxQueue = DefaultMaxQueue
	}
	if cfg.Admission.WaitTimeout == 0 {
		cfg.Admission.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Admission.DrainTimeout == 0 {
		cfg.Admission.DrainTimeout = DefaultDrainTimeout
	}

	if cfg.TPS.Alpha == 0 {
		cfg.TPS.Alpha = DefaultTPSAlpha
	}
	if cfg.TPS.FlushInterval == 0 {
		cfg.TPS.FlushInterval = DefaultFlushInterval
	}

	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].MaxConcurrency == 0 {
			cfg.Endpoints[i].MaxConcurrency = cfg.Admission.DefaultConcurrency
		}
		if cfg.Endpoints[i].CheckInterval == 0 {
			cfg.Endpoints[i].CheckInterval = cfg.Health.Interval
		}
	}
}
