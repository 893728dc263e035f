package keyunwrap

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lmnt-print/printhost/pkg/apierrors"
	"github.com/lmnt-print/printhost/pkg/secmem"
)

// DeviceUnwrapper 调用外部托管服务解开设备级信封（custody.Client）。
type DeviceUnwrapper interface {
	Unwrap(ctx context.Context, keyID string, envelope []byte) (*secmem.Buffer, error)
}

// StepName 标识级联中的步骤。
type StepName string

const (
	StepDevice StepName = "device"
	StepJob    StepName = "job"
)

// StepResult 是单个步骤的带标签结果：Key 与 Err 恰有一个非空。
type StepResult struct {
	Step StepName
	Key  *secmem.Buffer
	Err  error
}

type step interface {
	run(ctx context.Context, prev *secmem.Buffer) StepResult
}

// Engine 按顺序解开密钥级联。
type Engine struct {
	custody DeviceUnwrapper
	logger  *slog.Logger
	metrics *Metrics
}

// Option 自定义 Engine。
type Option func(*Engine)

// WithLogger 设置 logger。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics 设置指标。
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine 构造 Engine。
func NewEngine(custody DeviceUnwrapper, opts ...Option) (*Engine, error) {
	if custody == nil {
		return nil, errors.New("device unwrapper is required")
	}
	e := &Engine{custody: custody, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// UnwrapDeviceKey 通过托管服务解开设备级信封。
func (e *Engine) UnwrapDeviceKey(ctx context.Context, env Envelope) (*secmem.Buffer, error) {
	if env.Level != LevelDevice {
		return nil, apierrors.New(apierrors.CodeEnvelope, "envelope is not device-level")
	}
	key, err := e.custody.Unwrap(ctx, env.KeyID, env.Blob)
	if err != nil {
		return nil, err
	}
	if key.Len() != KeySize {
		_ = key.Close()
		return nil, apierrors.New(apierrors.CodeEnvelope, "device key has invalid length")
	}
	return key, nil
}

// UnwrapJobKey 用设备密钥在本地解开任务级信封，不重试。
func (e *Engine) UnwrapJobKey(jobID string, env Envelope, deviceKey *secmem.Buffer) (*secmem.Buffer, error) {
	if env.Level != LevelJob {
		return nil, apierrors.New(apierrors.CodeEnvelope, "envelope is not job-level")
	}
	if deviceKey == nil || deviceKey.Closed() {
		return nil, apierrors.New(apierrors.CodeEnvelope, "device key is not available")
	}
	return openJobKey(deviceKey.Bytes(), jobID, env.Blob)
}

// Resolve 依次执行设备级与任务级步骤，返回任务专用的内容密钥。
// 每一步消费完上一步的密钥后立即销毁它。
func (e *Engine) Resolve(ctx context.Context, jobID string, cascade Cascade) (*ContentKey, error) {
	if err := cascade.Validate(); err != nil {
		return nil, err
	}
	steps := []step{
		deviceStep{engine: e, env: cascade.Device},
		jobStep{engine: e, jobID: jobID, env: cascade.Job},
	}
	var current *secmem.Buffer
	for _, s := range steps {
		if err := context.Cause(ctx); err != nil {
			_ = current.Close()
			return nil, err
		}
		start := time.Now()
		res := s.run(ctx, current)
		_ = current.Close()
		current = nil
		e.metrics.observe(res, time.Since(start))
		if res.Err != nil {
			e.logger.Warn("key cascade step failed",
				slog.String("job", jobID),
				slog.String("step", string(res.Step)),
				slog.String("code", string(apierrors.CodeOf(res.Err))))
			return nil, res.Err
		}
		current = res.Key
	}
	return &ContentKey{buf: current}, nil
}

type deviceStep struct {
	engine *Engine
	env    Envelope
}

func (s deviceStep) run(ctx context.Context, _ *secmem.Buffer) StepResult {
	key, err := s.engine.UnwrapDeviceKey(ctx, s.env)
	return StepResult{Step: StepDevice, Key: key, Err: err}
}

type jobStep struct {
	engine *Engine
	jobID  string
	env    Envelope
}

func (s jobStep) run(_ context.Context, deviceKey *secmem.Buffer) StepResult {
	key, err := s.engine.UnwrapJobKey(s.jobID, s.env, deviceKey)
	return StepResult{Step: StepJob, Key: key, Err: err}
}
