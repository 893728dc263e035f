package report

import (
	"log/slog"
	"time"

	"github.com/lmnt-print/printhost/internal/infra/backoff"
)

// Config 控制 Dispatcher 行为。
type Config struct {
	MaxQueue        int
	Workers         int
	MaxAttempts     int
	DeliveryTimeout time.Duration
	RateLimit       float64
	RateBurst       int
	Backoff         backoff.Config
	FlushInterval   time.Duration
	FlushBatch      int
	Logger          *slog.Logger
	Metrics         *Metrics
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = 500 * time.Millisecond
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 30 * time.Second
	}
	if cfg.Backoff.Jitter == 0 {
		cfg.Backoff.Jitter = 0.2
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
