package config

import (
	"time"

	"github.com/rickgao/dashlink/internal/backoff"
	"github.com/rickgao/dashlink/internal/breaker"
	"github.com/rickgao/dashlink/internal/health"
	"github.com/rickgao/dashlink/internal/poller"
)

// Cache drivers.
const (
	DriverNone     = ""
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config is the root configuration for a dashlink instance.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	API        APIConfig        `yaml:"api"`
	Connection ResilienceConfig `yaml:"connection"`
	Polling    PollingConfig    `yaml:"polling"`
	Cache      CacheConfig      `yaml:"cache"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds backend endpoints and credentials.
type APIConfig struct {
	RestURL        string        `yaml:"rest_url"`
	WSURL          string        `yaml:"ws_url"`
	Token          string        `yaml:"token"`            // Static bearer token; ignored when KeyID is set
	KeyID          string        `yaml:"key_id"`           // Signs short-lived JWTs with PrivateKeyPath
	PrivateKeyPath string        `yaml:"private_key_path"` // Path to RSA private key PEM file
	Audience       string        `yaml:"audience"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// ResilienceConfig tunes reconnection for one supervised connection.
type ResilienceConfig struct {
	MaxRetries              int           `yaml:"max_retries"`
	BaseDelay               time.Duration `yaml:"base_delay"`
	MaxDelay                time.Duration `yaml:"max_delay"`
	BackoffFactor           float64       `yaml:"backoff_factor"`
	JitterFactor            *float64      `yaml:"jitter_factor"` // nil uses the default; 0 disables jitter
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `yaml:"circuit_breaker_timeout"`
	MaxBufferSize           int           `yaml:"max_buffer_size"`
	HealthCheckInterval     time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout      time.Duration `yaml:"health_check_timeout"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
}

// Backoff returns the reconnect delay curve.
func (r ResilienceConfig) Backoff() backoff.Config {
	jitter := DefaultJitterFactor
	if r.JitterFactor != nil {
		jitter = *r.JitterFactor
	}
	return backoff.Config{
		Base:         r.BaseDelay,
		MaxDelay:     r.MaxDelay,
		Factor:       r.BackoffFactor,
		JitterFactor: jitter,
	}
}

// Breaker returns the circuit breaker settings.
func (r ResilienceConfig) Breaker(name string) breaker.Config {
	return breaker.Config{
		Name:        name,
		Threshold:   r.CircuitBreakerThreshold,
		OpenTimeout: r.CircuitBreakerTimeout,
	}
}

// Health returns the ping settings.
func (r ResilienceConfig) Health() health.Config {
	return health.Config{
		Interval: r.HealthCheckInterval,
		Timeout:  r.HealthCheckTimeout,
	}
}

// PollingConfig holds fallback poller settings.
type PollingConfig struct {
	Endpoints     []poller.Endpoint `yaml:"endpoints"`
	Interval      time.Duration     `yaml:"interval"`
	Timeout       time.Duration     `yaml:"timeout"`
	MaxErrors     int               `yaml:"max_errors"`
	FallbackGrace time.Duration     `yaml:"fallback_grace"` // Redial delay once polling
}

// Poller returns the poller configuration.
func (p PollingConfig) Poller() poller.Config {
	return poller.Config{
		Endpoints: p.Endpoints,
		Interval:  p.Interval,
		Timeout:   p.Timeout,
		MaxErrors: p.MaxErrors,
	}
}

// CacheConfig selects and tunes the auxiliary cache/queue backend.
type CacheConfig struct {
	Driver     string           `yaml:"driver"` // "redis", "postgres" or empty to disable
	Queue      string           `yaml:"queue"`  // Redis list key or Postgres table
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   DBConfig         `yaml:"postgres"`
	Connection ResilienceConfig `yaml:"connection"`

	BatchSize     int           `yaml:"batch_size"`     // Envelopes per write
	FlushInterval time.Duration `yaml:"flush_interval"` // Max time between writes
}

// RedisConfig holds a Redis connection.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
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

// MetricsConfig holds the health/metrics HTTP server settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
