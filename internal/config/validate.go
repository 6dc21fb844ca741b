package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.API.WSURL == "" {
		return errors.New("api.ws_url is required")
	}
	if c.API.KeyID != "" && c.API.PrivateKeyPath == "" {
		return errors.New("api.private_key_path is required when api.key_id is set")
	}

	if err := c.Connection.validate("connection"); err != nil {
		return err
	}

	if len(c.Polling.Endpoints) > 0 && c.API.RestURL == "" {
		return errors.New("api.rest_url is required when polling.endpoints are set")
	}
	seen := make(map[string]bool, len(c.Polling.Endpoints))
	for i, ep := range c.Polling.Endpoints {
		prefix := fmt.Sprintf("polling.endpoints[%d]", i)
		if ep.Name == "" {
			return fmt.Errorf("%s.name is required", prefix)
		}
		if seen[ep.Name] {
			return fmt.Errorf("%s.name %q is duplicated", prefix, ep.Name)
		}
		seen[ep.Name] = true
		if ep.Path == "" {
			return fmt.Errorf("%s.path is required", prefix)
		}
		if ep.EventType == "" {
			return fmt.Errorf("%s.event_type is required", prefix)
		}
	}
	if c.Polling.MaxErrors < 1 {
		return errors.New("polling.max_errors must be >= 1")
	}

	switch c.Cache.Driver {
	case DriverNone:
	case DriverRedis:
		if c.Cache.Redis.Addr == "" {
			return errors.New("cache.redis.addr is required")
		}
		if err := c.Cache.Connection.validate("cache.connection"); err != nil {
			return err
		}
	case DriverPostgres:
		if err := c.Cache.Postgres.validate("cache.postgres"); err != nil {
			return err
		}
		if err := c.Cache.Connection.validate("cache.connection"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cache.driver must be %q or %q, got %q", DriverRedis, DriverPostgres, c.Cache.Driver)
	}
	if c.Cache.Driver != DriverNone && c.Cache.BatchSize < 1 {
		return errors.New("cache.batch_size must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (r *ResilienceConfig) validate(prefix string) error {
	if r.MaxRetries < 1 {
		return fmt.Errorf("%s.max_retries must be >= 1", prefix)
	}
	if err := r.Backoff().Validate(); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	if r.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("%s.circuit_breaker_threshold must be >= 1", prefix)
	}
	if r.MaxBufferSize < 1 {
		return fmt.Errorf("%s.max_buffer_size must be >= 1", prefix)
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
