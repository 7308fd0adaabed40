package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServiceTimeout      = 30 * time.Second
	DefaultMaxRetries          = 3
	DefaultRetryBackoff        = 1 * time.Second
	DefaultPingInterval        = 30 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultReconnectBaseDelay  = 3 * time.Second
	DefaultReconnectMaxDelay   = 5 * time.Minute
	DefaultReconnectThreshold  = 2
	DefaultPollInterval        = 2 * time.Second
	DefaultWaitTimeout         = 30 * time.Second
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultJournalBatchSize    = 500
	DefaultJournalFlushEvery   = 1 * time.Second
	DefaultJournalBufferSize   = 5000
	DefaultHealthPort          = 9090
	DefaultHealthPath          = "/healthz"
)

func (c *WatcherConfig) applyDefaults() {
	// Service defaults
	if c.Service.Timeout == 0 {
		c.Service.Timeout = DefaultServiceTimeout
	}
	if c.Service.MaxRetries == 0 {
		c.Service.MaxRetries = DefaultMaxRetries
	}
	if c.Service.RetryBackoff == 0 {
		c.Service.RetryBackoff = DefaultRetryBackoff
	}

	// Session defaults
	if c.Session.PingInterval == 0 {
		c.Session.PingInterval = DefaultPingInterval
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = DefaultWriteTimeout
	}
	if c.Session.HandshakeTimeout == 0 {
		c.Session.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Session.ReconnectBaseDelay == 0 {
		c.Session.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Session.ReconnectMaxDelay == 0 {
		c.Session.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Session.ReconnectThreshold == 0 {
		c.Session.ReconnectThreshold = DefaultReconnectThreshold
	}

	// Predict defaults
	if c.Predict.PollInterval == 0 {
		c.Predict.PollInterval = DefaultPollInterval
	}
	if c.Predict.WaitTimeout == 0 {
		c.Predict.WaitTimeout = DefaultWaitTimeout
	}

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultJournalBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultJournalFlushEvery
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBufferSize
	}
	applyDBDefaults(&c.Journal.Database)

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
