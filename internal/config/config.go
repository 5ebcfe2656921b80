package config

import "time"

// Config is the root configuration for an intentsync instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Poller   PollerConfig   `yaml:"poller"`
	Journal  JournalConfig  `yaml:"journal"`
	Logging  LoggingConfig  `yaml:"logging"`
	Health   HealthConfig   `yaml:"health"`
}

// InstanceConfig identifies this instance in logs.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds intents backend settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	WSURL      string        `yaml:"ws_url"`  // Empty or "disabled" runs polling-only
	APIKey     string        `yaml:"api_key"` // Sent as a Bearer token
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// RealtimeChannelEnabled reports whether a websocket endpoint is configured.
func (a APIConfig) RealtimeChannelEnabled() bool {
	return a.WSURL != "" && a.WSURL != WSURLDisabled
}

// RealtimeConfig holds connection manager settings.
type RealtimeConfig struct {
	IntentIDs         []string      `yaml:"intent_ids"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	StaleTimeout      time.Duration `yaml:"stale_timeout"` // 0 disables
	MessageBufferSize int           `yaml:"message_buffer_size"`
}

// PollerConfig holds fallback poller settings.
type PollerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// JournalConfig holds the optional update journal.
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

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}
