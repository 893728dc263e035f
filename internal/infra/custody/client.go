package custody

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lmnt-print/printhost/internal/infra/backoff"
	"github.com/lmnt-print/printhost/pkg/apierrors"
	"github.com/lmnt-print/printhost/pkg/secmem"
)

// Provider 是密钥托管服务的传输层，负责 unwrap 设备级信封。
type Provider interface {
	Unwrap(ctx context.Context, req UnwrapRequest) ([]byte, error)
}

// Credentials 提供设备长期凭据，被拒绝时 Invalidate 触发外部刷新。
type Credentials interface {
	Token(ctx context.Context) ([]byte, error)
	Invalidate()
}

// UnwrapRequest 携带一次 unwrap 的上下文。
type UnwrapRequest struct {
	DeviceID   string
	KeyID      string
	Envelope   []byte
	Credential []byte
}

// Config 控制 retry/熔断行为。
type Config struct {
	DeviceID         string
	MaxAttempts      int
	CallTimeout      time.Duration
	Backoff          backoff.Config
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Logger           *slog.Logger
	Metrics          *Metrics
}

func (c Config) normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.Backoff.Jitter == 0 {
		c.Backoff.Jitter = 0.2
	}
	c.Backoff = c.Backoff.Normalize()
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client 封装托管服务调用：附带凭据、分类错误、退避重试。
type Client struct {
	provider Provider
	creds    Credentials
	cfg      Config
	breaker  *circuitBreaker
	metrics  *Metrics
}

// NewClient 构造 Client。
func NewClient(provider Provider, creds Credentials, cfg Config) (*Client, error) {
	if provider == nil || creds == nil {
		return nil, errors.New("provider and credentials are required")
	}
	normalized := cfg.normalize()
	c := &Client{
		provider: provider,
		creds:    creds,
		cfg:      normalized,
		breaker:  newCircuitBreaker(normalized.BreakerThreshold, normalized.BreakerCooldown),
		metrics:  normalized.Metrics,
	}
	c.metrics.setBreaker(c.breaker.State())
	return c, nil
}

// Unwrap 解开设备级信封，返回锁定内存中的明文设备密钥。
// AuthError/Unavailable 退避重试，EnvelopeError 立即返回。
func (c *Client) Unwrap(ctx context.Context, keyID string, envelope []byte) (*secmem.Buffer, error) {
	if len(envelope) == 0 {
		return nil, apierrors.New(apierrors.CodeEnvelope, "device envelope is empty")
	}
	bo := backoff.New(c.cfg.Backoff)
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if !c.breaker.Allow() {
			c.metrics.observe(resultRejected, 0)
			return nil, apierrors.New(apierrors.CodeUnavailable, "key custody circuit open").WithRetryAfter(c.cfg.BreakerCooldown)
		}
		start := time.Now()
		plain, err := c.call(ctx, keyID, envelope)
		if err == nil {
			c.breaker.Success()
			c.metrics.setBreaker(c.breaker.State())
			c.metrics.observe(resultOK, time.Since(start))
			return secmem.NewFromBytes(plain)
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		lastErr = err
		code := apierrors.CodeOf(err)
		c.metrics.observe(string(code), time.Since(start))
		switch code {
		case apierrors.CodeAuth:
			c.creds.Invalidate()
		case apierrors.CodeUnavailable:
			if c.breaker.Failure() {
				c.cfg.Logger.Warn("key custody circuit opened", slog.Int("threshold", c.cfg.BreakerThreshold))
			}
			c.metrics.setBreaker(c.breaker.State())
		}
		if !apierrors.Retryable(code) {
			return nil, err
		}
		c.logWarn("key custody unwrap failed", attempt, err)
		if attempt == c.cfg.MaxAttempts {
			break
		}
		if err := bo.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) call(ctx context.Context, keyID string, envelope []byte) ([]byte, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		if _, ok := apierrors.FromError(err); ok {
			return nil, err
		}
		return nil, apierrors.Wrap(apierrors.CodeAuth, "device credential unavailable", err)
	}
	defer secmem.Zero(token)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	plain, err := c.provider.Unwrap(callCtx, UnwrapRequest{
		DeviceID:   c.cfg.DeviceID,
		KeyID:      keyID,
		Envelope:   envelope,
		Credential: token,
	})
	if err != nil {
		secmem.Zero(plain)
		if _, ok := apierrors.FromError(err); ok {
			return nil, err
		}
		return nil, apierrors.Wrap(apierrors.CodeUnavailable, "key custody call failed", err)
	}
	if len(plain) == 0 {
		return nil, apierrors.New(apierrors.CodeEnvelope, "key custody returned empty key")
	}
	return plain, nil
}

func (c *Client) logWarn(msg string, attempt int, err error) {
	if c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.Warn(msg, slog.Int("attempt", attempt), slog.Any("err", err))
}
