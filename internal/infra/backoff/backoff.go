package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Config 决定指数退避参数。
type Config struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// Normalize 填充默认值。
func (c Config) Normalize() Config {
	if c.Initial <= 0 {
		c.Initial = 50 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = time.Second
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	return c
}

// Backoff 计算指数退避等待时间，包含抖动以避免惊群。
type Backoff struct {
	cfg      Config
	mu       sync.Mutex
	attempts int
	rand     *rand.Rand
}

// New 创建 Backoff。
func New(cfg Config) *Backoff {
	return &Backoff{
		cfg:  cfg.Normalize(),
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next 计算下一次等待时长。
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	base := b.cfg.Initial << b.attempts
	if base <= 0 || base > b.cfg.Max {
		base = b.cfg.Max
	}
	if b.cfg.Jitter > 0 {
		low := 1 - b.cfg.Jitter
		high := 1 + b.cfg.Jitter
		factor := low + b.rand.Float64()*(high-low)
		base = time.Duration(float64(base) * factor)
	}
	if b.attempts < 16 {
		b.attempts++
	}
	if base < 0 {
		base = 0
	}
	if base > b.cfg.Max {
		base = b.cfg.Max
	}
	return base
}

// Attempts 返回已经计算过的退避次数。
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset 清除历史失败，下一次退避重新从 Initial 开始。
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Wait 等待下一次退避时长，ctx 取消时提前返回。
func (b *Backoff) Wait(ctx context.Context) error {
	return Sleep(ctx, b.Next())
}

// Sleep 等待 d，ctx 取消时返回 ctx 的 cause。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
