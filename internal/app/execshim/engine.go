// Package execshim 是执行组件的参考实现：消费已移交的明文流，
// 并通过命令通道报告 print_stats 风格的状态。
package execshim

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmnt-print/printhost/internal/app/handoff"
	"github.com/lmnt-print/printhost/internal/infra/execchannel"
	"github.com/lmnt-print/printhost/pkg/apierrors"
)

const maxLineSize = 1 << 20

// LineSink 执行单行指令，返回错误会使本次执行进入 error 状态。
type LineSink interface {
	Consume(ctx context.Context, line string) error
}

// LineSinkFunc 把函数适配为 LineSink。
type LineSinkFunc func(ctx context.Context, line string) error

func (f LineSinkFunc) Consume(ctx context.Context, line string) error { return f(ctx, line) }

type discardSink struct{}

func (discardSink) Consume(context.Context, string) error { return nil }

// Config 控制执行节奏。
type Config struct {
	// LineDelay 模拟每行指令的执行耗时。
	LineDelay time.Duration
	Sink      LineSink
	Logger    *slog.Logger
}

func (c Config) normalize() Config {
	if c.Sink == nil {
		c.Sink = discardSink{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Engine 同一时刻只执行一个流。
type Engine struct {
	receiver *handoff.Receiver
	cfg      Config

	mu       sync.Mutex
	status   execchannel.PrintStatus
	started  time.Time
	finished time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// New 构造 Engine。
func New(receiver *handoff.Receiver, cfg Config) (*Engine, error) {
	if receiver == nil {
		return nil, errors.New("receiver is required")
	}
	return &Engine{
		receiver: receiver,
		cfg:      cfg.normalize(),
		status:   execchannel.PrintStatus{State: execchannel.StateStandby},
	}, nil
}

// StartPrint 取出 name 对应的流并开始执行。
func (e *Engine) StartPrint(_ context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.State.Active() {
		return apierrors.New(apierrors.CodeBusy, fmt.Sprintf("already printing %s", e.status.Filename))
	}
	stream, ok := e.receiver.Take(name)
	if !ok {
		return apierrors.New(apierrors.CodeNotFound, fmt.Sprintf("no buffer registered as %s", name))
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = time.Now()
	e.finished = time.Time{}
	e.status = execchannel.PrintStatus{
		State:    execchannel.StatePrinting,
		Filename: name,
		Size:     stream.Size,
	}
	e.cfg.Logger.Info("print started", slog.String("filename", name), slog.Int64("size", stream.Size))
	go e.run(runCtx, stream, e.done)
	return nil
}

func (e *Engine) run(ctx context.Context, stream *handoff.Stream, done chan struct{}) {
	defer close(done)
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if line := commandOf(raw); line != "" {
			if err := e.cfg.Sink.Consume(ctx, line); err != nil {
				if ctx.Err() != nil {
					break
				}
				e.finish(execchannel.StateError, err.Error())
				return
			}
		}
		e.advance(int64(len(raw)) + 1)
		if e.cfg.LineDelay > 0 {
			timer := time.NewTimer(e.cfg.LineDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	switch {
	case ctx.Err() != nil:
		e.finish(execchannel.StateCancelled, "")
	case scanner.Err() != nil:
		e.finish(execchannel.StateError, scanner.Err().Error())
	default:
		e.finish(execchannel.StateComplete, "")
	}
}

// commandOf 去掉注释与空白，返回需要执行的指令。
func commandOf(raw []byte) string {
	if i := bytes.IndexByte(raw, ';'); i >= 0 {
		raw = raw[:i]
	}
	return string(bytes.TrimSpace(raw))
}

func (e *Engine) advance(n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Position += n
	if e.status.Position > e.status.Size {
		e.status.Position = e.status.Size
	}
	e.status.Lines++
	if e.status.Size > 0 {
		e.status.Progress = float64(e.status.Position) / float64(e.status.Size)
	}
}

func (e *Engine) finish(state execchannel.State, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.State = state
	e.status.Message = message
	if state == execchannel.StateComplete {
		e.status.Progress = 1
	}
	e.finished = time.Now()
	e.cancel()
	logger := e.cfg.Logger.With(slog.String("filename", e.status.Filename), slog.Int64("lines", e.status.Lines))
	if message != "" {
		logger.Warn("print finished", slog.String("state", string(state)), slog.String("message", message))
		return
	}
	logger.Info("print finished", slog.String("state", string(state)))
}

// CancelPrint 释放 name 对应的未启动登记，并取消文件名匹配的当前执行、等待其结束。
// name 为空时取消任何当前执行。没有可取消的对象时直接返回。
func (e *Engine) CancelPrint(ctx context.Context, name string) error {
	if name != "" {
		if stream, ok := e.receiver.Take(name); ok {
			_ = stream.Close()
			e.cfg.Logger.Info("unstarted buffer released", slog.String("filename", name))
		}
	}
	e.mu.Lock()
	if !e.status.State.Active() || (name != "" && e.status.Filename != name) {
		e.mu.Unlock()
		return nil
	}
	e.cancel()
	done := e.done
	e.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Status 返回当前状态快照。
func (e *Engine) Status(context.Context) (execchannel.PrintStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status
	switch {
	case !e.finished.IsZero():
		st.PrintDuration = e.finished.Sub(e.started).Seconds()
	case !e.started.IsZero():
		st.PrintDuration = time.Since(e.started).Seconds()
	}
	return st, nil
}

// Wait 等待当前执行结束。
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Bind 在命令通道上注册 start_print、cancel_print 与 status 动作。
func (e *Engine) Bind(srv *execchannel.Server) {
	srv.Handle(execchannel.ActionStartPrint, func(ctx context.Context, raw []byte) (any, error) {
		var req execchannel.StartPrintRequest
		if err := execchannel.Unmarshal(raw, &req); err != nil {
			return nil, apierrors.Wrap(apierrors.CodeProtocol, "malformed start_print", err)
		}
		return nil, e.StartPrint(ctx, req.Name)
	})
	srv.Handle(execchannel.ActionCancelPrint, func(ctx context.Context, raw []byte) (any, error) {
		var req execchannel.CancelPrintRequest
		if err := execchannel.Unmarshal(raw, &req); err != nil {
			return nil, apierrors.Wrap(apierrors.CodeProtocol, "malformed cancel_print", err)
		}
		return nil, e.CancelPrint(ctx, req.Name)
	})
	srv.Handle(execchannel.ActionStatus, func(ctx context.Context, raw []byte) (any, error) {
		return e.Status(ctx)
	})
}
