// Package handoff 在进程间移交 SecureBuffer 描述符：发起方复制并宣告，
// 执行侧获取并归一化。任一时刻描述符只属于一方。
package handoff

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/lmnt-print/printhost/internal/infra/securebuf"
	"github.com/lmnt-print/printhost/pkg/apierrors"
	"github.com/lmnt-print/printhost/pkg/validator"
)

// Announcer 把描述符宣告给执行组件，返回前对方必须已完成获取（execchannel.Client）。
type Announcer interface {
	RegisterBuffer(ctx context.Context, name string, pid, fd int) error
}

// Receipt 记录一次成功的移交。
type Receipt struct {
	Name string
	PID  int
	FD   int
	Size int64
}

// Bridge 是发起方的移交逻辑。
type Bridge struct {
	announcer Announcer
	pid       int
	logger    *slog.Logger
	metrics   *Metrics
}

// Option 自定义 Bridge。
type Option func(*Bridge)

// WithLogger 设置 logger。
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics 设置指标。
func WithMetrics(m *Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithPID 覆盖宣告中的 pid。
func WithPID(pid int) Option {
	return func(b *Bridge) { b.pid = pid }
}

// NewBridge 构造 Bridge。
func NewBridge(announcer Announcer, opts ...Option) (*Bridge, error) {
	if announcer == nil {
		return nil, errors.New("announcer is required")
	}
	b := &Bridge{announcer: announcer, pid: os.Getpid(), logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Handoff 复制 buf 的描述符并关闭 buf，然后宣告副本；确认后关闭副本。
// 无论成功与否，返回后 buf 都已关闭，读取返回 securebuf.ErrClosed。
func (b *Bridge) Handoff(ctx context.Context, buf *securebuf.Buffer, name string) (Receipt, error) {
	start := time.Now()
	receipt, err := b.handoff(ctx, buf, name)
	b.metrics.observe("origin", err, time.Since(start))
	if err != nil {
		b.logger.Warn("buffer handoff failed",
			slog.String("name", name),
			slog.Any("err", err))
		return Receipt{}, err
	}
	b.logger.Info("buffer handed off",
		slog.String("name", name),
		slog.Int("fd", receipt.FD),
		slog.Int64("size", receipt.Size))
	return receipt, nil
}

func (b *Bridge) handoff(ctx context.Context, buf *securebuf.Buffer, name string) (Receipt, error) {
	defer buf.Close()
	if err := validator.ValidateIdentifier("buffer name", name); err != nil {
		return Receipt{}, apierrors.Wrap(apierrors.CodeProtocol, "invalid buffer name", err)
	}
	if !buf.Sealed() {
		return Receipt{}, apierrors.New(apierrors.CodeHandoff, "buffer must be sealed before handoff")
	}
	size, err := buf.Size()
	if err != nil {
		return Receipt{}, apierrors.Wrap(apierrors.CodeHandoff, "measure buffer", err)
	}
	dup, err := buf.Duplicate()
	if err != nil {
		return Receipt{}, apierrors.Wrap(apierrors.CodeHandoff, "duplicate buffer descriptor", err)
	}
	defer dup.Close()
	_ = buf.Close()

	if err := ctx.Err(); err != nil {
		return Receipt{}, context.Cause(ctx)
	}
	fd := dup.Fd()
	if err := b.announcer.RegisterBuffer(ctx, name, b.pid, fd); err != nil {
		if ctx.Err() != nil {
			return Receipt{}, context.Cause(ctx)
		}
		switch apierrors.CodeOf(err) {
		case apierrors.CodeHandoff, apierrors.CodeProtocol:
			return Receipt{}, err
		default:
			// 通道不可达等失败同样意味着描述符没有送达。
			return Receipt{}, apierrors.Wrap(apierrors.CodeHandoff, "announce buffer", err)
		}
	}
	return Receipt{Name: name, PID: b.pid, FD: fd, Size: size}, nil
}
