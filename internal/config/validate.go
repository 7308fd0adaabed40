package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *WatcherConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Service.Endpoint == "" {
		return errors.New("service.endpoint is required")
	}
	if !strings.HasPrefix(c.Service.Endpoint, "http://") && !strings.HasPrefix(c.Service.Endpoint, "https://") {
		return fmt.Errorf("service.endpoint must be an http or https URL, got %q", c.Service.Endpoint)
	}

	if c.Session.ReconnectBaseDelay > c.Session.ReconnectMaxDelay {
		return errors.New("session.reconnect_base_delay cannot exceed reconnect_max_delay")
	}
	if c.Session.ReconnectThreshold < 1 {
		return errors.New("session.reconnect_threshold must be >= 1")
	}

	if c.Predict.PollInterval <= 0 {
		return errors.New("predict.poll_interval must be > 0")
	}
	if c.Predict.WaitTimeout <= 0 {
		return errors.New("predict.wait_timeout must be > 0")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
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
