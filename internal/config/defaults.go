package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAPITimeout              = 30 * time.Second
	DefaultAPIMaxRetries           = 3
	DefaultMaxRetries              = 5
	DefaultBaseDelay               = 1 * time.Second
	DefaultMaxDelay                = 30 * time.Second
	DefaultBackoffFactor           = 2.0
	DefaultJitterFactor            = 0.3
	DefaultCircuitBreakerThreshold = 5
	DefaultCircuitBreakerTimeout   = 60 * time.Second
	DefaultMaxBufferSize           = 100
	DefaultHealthCheckInterval     = 30 * time.Second
	DefaultHealthCheckTimeout      = 10 * time.Second
	DefaultConnectTimeout          = 15 * time.Second
	DefaultPollInterval            = 30 * time.Second
	DefaultPollTimeout             = 10 * time.Second
	DefaultPollMaxErrors           = 5
	DefaultFallbackGrace           = 60 * time.Second
	DefaultCacheQueue              = "dashlink_events"
	DefaultCacheBatchSize          = 100
	DefaultCacheFlushInterval      = 1 * time.Second
	DefaultRedisAddr               = "localhost:6379"
	DefaultRedisTimeout            = 3 * time.Second
	DefaultDBPort                  = 5432
	DefaultDBSSLMode               = "prefer"
	DefaultMaxConns                = 10
	DefaultMinConns                = 2
	DefaultMetricsPort             = 9090
	DefaultMetricsPath             = "/metrics"
)

func (c *Config) applyDefaults() {
	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultAPIMaxRetries
	}

	c.Connection.applyDefaults()

	// Polling defaults
	if c.Polling.Interval == 0 {
		c.Polling.Interval = DefaultPollInterval
	}
	if c.Polling.Timeout == 0 {
		c.Polling.Timeout = DefaultPollTimeout
	}
	if c.Polling.MaxErrors == 0 {
		c.Polling.MaxErrors = DefaultPollMaxErrors
	}
	if c.Polling.FallbackGrace == 0 {
		c.Polling.FallbackGrace = DefaultFallbackGrace
	}

	// Cache defaults
	if c.Cache.Driver != DriverNone {
		if c.Cache.Queue == "" {
			c.Cache.Queue = DefaultCacheQueue
		}
		if c.Cache.BatchSize == 0 {
			c.Cache.BatchSize = DefaultCacheBatchSize
		}
		if c.Cache.FlushInterval == 0 {
			c.Cache.FlushInterval = DefaultCacheFlushInterval
		}
		c.Cache.Connection.applyDefaults()
	}
	switch c.Cache.Driver {
	case DriverRedis:
		applyRedisDefaults(&c.Cache.Redis)
	case DriverPostgres:
		applyDBDefaults(&c.Cache.Postgres)
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func (r *ResilienceConfig) applyDefaults() {
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = DefaultBaseDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = DefaultMaxDelay
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = DefaultBackoffFactor
	}
	if r.JitterFactor == nil {
		jitter := DefaultJitterFactor
		r.JitterFactor = &jitter
	}
	if r.CircuitBreakerThreshold == 0 {
		r.CircuitBreakerThreshold = DefaultCircuitBreakerThreshold
	}
	if r.CircuitBreakerTimeout == 0 {
		r.CircuitBreakerTimeout = DefaultCircuitBreakerTimeout
	}
	if r.MaxBufferSize == 0 {
		r.MaxBufferSize = DefaultMaxBufferSize
	}
	if r.HealthCheckInterval == 0 {
		r.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if r.HealthCheckTimeout == 0 {
		r.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if r.ConnectTimeout == 0 {
		r.ConnectTimeout = DefaultConnectTimeout
	}
}

func applyRedisDefaults(r *RedisConfig) {
	if r.Addr == "" {
		r.Addr = DefaultRedisAddr
	}
	if r.DialTimeout == 0 {
		r.DialTimeout = DefaultRedisTimeout
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = DefaultRedisTimeout
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = DefaultRedisTimeout
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
