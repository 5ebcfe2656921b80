package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.API.RestURL == "" {
		return errors.New("api.rest_url is required")
	}
	if err := validateURL("api.rest_url", c.API.RestURL, "http", "https"); err != nil {
		return err
	}
	if c.API.RealtimeChannelEnabled() {
		if err := validateURL("api.ws_url", c.API.WSURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	if c.Realtime.ConnectTimeout < 0 {
		return errors.New("realtime.connect_timeout must be >= 0")
	}
	if c.Realtime.StaleTimeout < 0 {
		return errors.New("realtime.stale_timeout must be >= 0")
	}
	if c.Realtime.MessageBufferSize < 1 {
		return errors.New("realtime.message_buffer_size must be >= 1")
	}
	for i, id := range c.Realtime.IntentIDs {
		if id == "" {
			return fmt.Errorf("realtime.intent_ids[%d] is empty", i)
		}
	}

	if c.Poller.Interval <= 0 {
		return errors.New("poller.interval must be > 0")
	}
	if c.Poller.Concurrency < 1 {
		return errors.New("poller.concurrency must be >= 1")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.FlushInterval <= 0 {
			return errors.New("journal.flush_interval must be > 0")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid url: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s scheme must be one of %v, got %q", field, schemes, u.Scheme)
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.Port < 1 || db.Port > 65535 {
		return fmt.Errorf("%s.port must be between 1 and 65535, got %d", prefix, db.Port)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
