package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all matcher settings. Values come from defaults, then an
// optional YAML file, then environment overrides, in that order.
type Config struct {
	RedisURL string `yaml:"redis_url"`
	Listen   string `yaml:"listen"`

	OrderBook OrderBookConfig `yaml:"orderbook"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Latency   LatencyConfig   `yaml:"latency"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
}

// OrderBookConfig controls ask freshness.
type OrderBookConfig struct {
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

// BreakerConfig controls the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HalfOpenTimeout  time.Duration `yaml:"half_open_timeout"`
}

// RateLimitConfig controls the per-provider token bucket.
type RateLimitConfig struct {
	Capacity int     `yaml:"capacity"`
	FillRate float64 `yaml:"fill_rate"`
}

// LatencyConfig controls the latency router.
type LatencyConfig struct {
	Window     int           `yaml:"window"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// ReaperConfig controls the background sweep of stale asks and idle
// per-provider state.
type ReaperConfig struct {
	Interval   time.Duration `yaml:"interval"`
	IdleWindow time.Duration `yaml:"idle_window"`
}

// UpstreamConfig controls the stream forwarder's HTTP client.
type UpstreamConfig struct {
	// DeadlineFactor multiplies a bid's max latency to derive the default
	// upstream deadline when the caller supplies none. Streamed generation
	// runs far longer than a single token, hence the large factor.
	DeadlineFactor int `yaml:"deadline_factor"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RedisURL: "redis://localhost:6379",
		Listen:   "[::]:50051",
		OrderBook: OrderBookConfig{
			StaleThreshold: 120 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     30 * time.Second,
			HalfOpenTimeout:  5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Capacity: 100,
			FillRate: 10,
		},
		Latency: LatencyConfig{
			Window:     100,
			StaleAfter: 5 * time.Minute,
		},
		Reaper: ReaperConfig{
			Interval:   30 * time.Second,
			IdleWindow: time.Hour,
		},
		Upstream: UpstreamConfig{
			DeadlineFactor: 10,
		},
	}
}

// Load builds the effective configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("MATCHER_LISTEN"); v != "" {
		cfg.Listen = v
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations that would break invariants at runtime.
func (c Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url must not be empty")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.OrderBook.StaleThreshold <= 0 {
		return fmt.Errorf("orderbook.stale_threshold must be positive")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.RateLimit.Capacity < 1 || c.RateLimit.FillRate <= 0 {
		return fmt.Errorf("ratelimit capacity and fill_rate must be positive")
	}
	if c.Latency.Window < 2 {
		return fmt.Errorf("latency.window must be at least 2")
	}
	if c.Upstream.DeadlineFactor < 1 {
		return fmt.Errorf("upstream.deadline_factor must be at least 1")
	}
	return nil
}
