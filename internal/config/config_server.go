package config

import "time"

// ServerConfig controls the local SSE/HTTP surface.
type ServerConfig struct {
	Host string `json:"host,omitempty" yaml:"host"`
	Port int    `json:"port,omitempty" yaml:"port"`

	// ShutdownTimeout bounds graceful shutdown on SIGINT.
	ShutdownTimeout time.Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout"`
}

type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level"`
	Format string `json:"format,omitempty" yaml:"format"`
}

// TracingConfig controls OpenTelemetry tracing. Tracing is a no-op
// unless Endpoint is set.
type TracingConfig struct {
	Endpoint     string            `json:"endpoint,omitempty" yaml:"endpoint"`
	ServiceName  string            `json:"serviceName,omitempty" yaml:"serviceName"`
	Environment  string            `json:"environment,omitempty" yaml:"environment"`
	SamplingRate float64           `json:"samplingRate,omitempty" yaml:"samplingRate"`
	Insecure     bool              `json:"insecure,omitempty" yaml:"insecure"`
	Attributes   map[string]string `json:"attributes,omitempty" yaml:"attributes"`
}

// SessionsConfig controls session retention and cleanup.
type SessionsConfig struct {
	// RetentionDays is how long untouched sessions are kept before the
	// janitor removes them along with their unreferenced snapshots.
	// Zero or negative keeps sessions forever; blob GC still runs.
	RetentionDays int `json:"retentionDays,omitempty" yaml:"retentionDays"`

	// JanitorSchedule is a cron expression (or @hourly style shortcut).
	JanitorSchedule string `json:"janitorSchedule,omitempty" yaml:"janitorSchedule"`
}
