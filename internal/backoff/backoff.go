// Package backoff computes reconnection delays.
//
// Delay grows exponentially from Base by Factor per attempt, is capped at
// MaxDelay and then receives a positive jitter of up to JitterFactor of the
// capped value. Attempt numbers are 1-based.
package backoff

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Config holds backoff parameters.
type Config struct {
	Base         time.Duration // Delay for the first attempt
	MaxDelay     time.Duration // Cap applied before jitter
	Factor       float64       // Growth per attempt (>= 1)
	JitterFactor float64       // Max jitter as a fraction of the delay (0-1)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Base:         1 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
		JitterFactor: 0.3,
	}
}

// Validate checks that the parameters produce non-decreasing, positive delays.
func (c Config) Validate() error {
	if c.Base <= 0 {
		return errors.New("backoff: base must be > 0")
	}
	if c.MaxDelay < c.Base {
		return errors.New("backoff: max delay must be >= base")
	}
	if c.Factor < 1 {
		return errors.New("backoff: factor must be >= 1")
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return errors.New("backoff: jitter factor must be between 0 and 1")
	}
	return nil
}

// Delay returns the wait before the given attempt using the global random source.
func Delay(attempt int, cfg Config) time.Duration {
	return delay(attempt, cfg, rand.Float64)
}

// Capped returns the delay for attempt without jitter.
func Capped(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.Base) * math.Pow(cfg.Factor, float64(attempt-1))
	if d > float64(cfg.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		d = float64(cfg.MaxDelay)
	}
	if d < float64(cfg.Base) {
		d = float64(cfg.Base)
	}
	return time.Duration(d)
}

func delay(attempt int, cfg Config, float func() float64) time.Duration {
	d := Capped(attempt, cfg)
	if cfg.JitterFactor > 0 {
		d += time.Duration(float64(d) * cfg.JitterFactor * float())
	}
	return d
}

// Scheduler computes delays from its own random source. A Scheduler built
// with a fixed seed yields the same sequence on every run.
type Scheduler struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewScheduler creates a Scheduler seeded with seed.
func NewScheduler(cfg Config, seed uint64) *Scheduler {
	return &Scheduler{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Delay returns the wait before the given attempt.
func (s *Scheduler) Delay(attempt int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return delay(attempt, s.cfg, s.rng.Float64)
}

// Config returns the scheduler parameters.
func (s *Scheduler) Config() Config {
	return s.cfg
}
