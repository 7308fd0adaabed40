package config

import "time"

// WatcherConfig is the root configuration for a watcher instance.
type WatcherConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Service  ServiceConfig  `yaml:"service"`
	Session  SessionConfig  `yaml:"session"`
	Predict  PredictConfig  `yaml:"predict"`
	Journal  JournalConfig  `yaml:"journal"`
	Health   HealthConfig   `yaml:"health"`
}

// InstanceConfig identifies this watcher.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServiceConfig holds classification service settings.
type ServiceConfig struct {
	Endpoint     string        `yaml:"endpoint"`   // Base HTTP(S) URL; also the WebSocket origin
	Token        string        `yaml:"token"`      // Bearer token literal
	TokenFile    string        `yaml:"token_file"` // Path to a file holding the bearer token
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// SessionConfig holds WebSocket session settings.
type SessionConfig struct {
	PingInterval       time.Duration `yaml:"ping_interval"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ReconnectThreshold int           `yaml:"reconnect_threshold"`
}

// PredictConfig holds prediction wait settings.
type PredictConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
}

// JournalConfig holds the broadcast-event journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HealthConfig holds the local health endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
