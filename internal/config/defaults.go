package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID        = "intentsync"
	DefaultRestURL           = "http://localhost:8000"
	WSURLDisabled            = "disabled"
	DefaultAPITimeout        = 10 * time.Second
	DefaultMaxRetries        = 3
	DefaultConnectTimeout    = 10 * time.Second
	DefaultMessageBufferSize = 1000
	DefaultPollInterval      = 5 * time.Second
	DefaultPollConcurrency   = 10
	DefaultPollTimeout       = 10 * time.Second
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultBatchSize         = 500
	DefaultFlushInterval     = 1 * time.Second
	DefaultBufferSize        = 10000
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultHealthPort        = 8081
)

// ApplyDefaults fills every zero-valued optional field.
func (c *Config) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Realtime defaults. StaleTimeout stays 0 unless set.
	if c.Realtime.ConnectTimeout == 0 {
		c.Realtime.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Realtime.MessageBufferSize == 0 {
		c.Realtime.MessageBufferSize = DefaultMessageBufferSize
	}

	// Poller defaults
	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = DefaultPollConcurrency
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}

	// Journal defaults
	applyDBDefaults(&c.Journal.Database)
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultBufferSize
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
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
