package handoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lmnt-print/printhost/internal/infra/execchannel"
	"github.com/lmnt-print/printhost/internal/infra/securebuf"
	"github.com/lmnt-print/printhost/pkg/apierrors"
	"github.com/lmnt-print/printhost/pkg/validator"
)

// Stream 是执行侧归一化后的只读明文流。
type Stream struct {
	Name string
	Size int64
	buf  *securebuf.Buffer
}

func (s *Stream) Read(p []byte) (int, error) { return s.buf.Read(p) }

func (s *Stream) Seek(offset int64, whence int) (int64, error) { return s.buf.Seek(offset, whence) }

// Close 释放底层描述符，可重复调用。
func (s *Stream) Close() error { return s.buf.Close() }

var _ io.ReadSeekCloser = (*Stream)(nil)

// Receiver 持有已获取但尚未被消费的流，按名称索引。
type Receiver struct {
	transport Transport
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.Mutex
	streams map[string]*Stream
	closed  bool
}

// ReceiverOption 自定义 Receiver。
type ReceiverOption func(*Receiver)

// WithReceiverLogger 设置 logger。
func WithReceiverLogger(l *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithReceiverMetrics 设置指标。
func WithReceiverMetrics(m *Metrics) ReceiverOption {
	return func(r *Receiver) { r.metrics = m }
}

// NewReceiver 构造 Receiver。
func NewReceiver(transport Transport, opts ...ReceiverOption) (*Receiver, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	r := &Receiver{transport: transport, logger: slog.Default(), streams: make(map[string]*Stream)}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register 获取 pid 进程中的 fd 并以 name 登记。同名的旧登记会被关闭并替换。
func (r *Receiver) Register(name string, pid, fd int) (*Stream, error) {
	start := time.Now()
	stream, err := r.register(name, pid, fd)
	r.metrics.observe("receiver", err, time.Since(start))
	if err != nil {
		r.logger.Warn("buffer registration failed",
			slog.String("name", name),
			slog.Int("pid", pid),
			slog.Int("fd", fd),
			slog.Any("err", err))
		return nil, err
	}
	r.logger.Info("buffer registered",
		slog.String("name", name),
		slog.String("transport", r.transport.Name()),
		slog.Int64("size", stream.Size))
	return stream, nil
}

func (r *Receiver) register(name string, pid, fd int) (*Stream, error) {
	if err := validator.ValidateIdentifier("buffer name", name); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeProtocol, "invalid buffer name", err)
	}
	if pid <= 0 {
		return nil, apierrors.New(apierrors.CodeProtocol, fmt.Sprintf("invalid pid %d", pid))
	}
	if fd <= 2 {
		return nil, apierrors.New(apierrors.CodeProtocol, fmt.Sprintf("fd %d is reserved", fd))
	}
	buf, err := r.transport.Acquire(name, pid, fd)
	if err != nil {
		return nil, err
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		buf.Close()
		return nil, apierrors.Wrap(apierrors.CodeHandoff, "rewind acquired buffer", err)
	}
	size, err := buf.Size()
	if err != nil {
		buf.Close()
		return nil, apierrors.Wrap(apierrors.CodeHandoff, "measure acquired buffer", err)
	}
	stream := &Stream{Name: name, Size: size, buf: buf}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		stream.Close()
		return nil, apierrors.New(apierrors.CodeHandoff, "receiver closed")
	}
	stale := r.streams[name]
	r.streams[name] = stream
	r.mu.Unlock()
	if stale != nil {
		r.logger.Info("replacing stale buffer registration", slog.String("name", name))
		stale.Close()
	}
	return stream, nil
}

// Take 取出并移除 name 对应的流，每次登记只能被消费一次。
func (r *Receiver) Take(name string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[name]
	if ok {
		delete(r.streams, name)
	}
	return s, ok
}

// Len 返回未被消费的登记数量。
func (r *Receiver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Close 关闭所有未被消费的流。
func (r *Receiver) Close() error {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]*Stream)
	r.closed = true
	r.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
	return nil
}

// HandleRegister 是 register_buffer 动作的处理器。宣告的 pid 必须与连接对端一致。
func (r *Receiver) HandleRegister(ctx context.Context, raw []byte) (any, error) {
	var req execchannel.RegisterBufferRequest
	if err := execchannel.Unmarshal(raw, &req); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeProtocol, "malformed register_buffer", err)
	}
	peer, ok := execchannel.PeerFromContext(ctx)
	if !ok {
		return nil, apierrors.New(apierrors.CodeProtocol, "peer credentials missing")
	}
	if peer.PID != req.PID {
		return nil, apierrors.New(apierrors.CodeProtocol,
			fmt.Sprintf("announced pid %d does not match peer pid %d", req.PID, peer.PID))
	}
	stream, err := r.Register(req.Name, req.PID, req.FD)
	if err != nil {
		return nil, err
	}
	return execchannel.RegisterBufferResult{Name: stream.Name, Size: stream.Size}, nil
}

// Bind 在命令通道上注册 register_buffer 动作。
func (r *Receiver) Bind(srv *execchannel.Server) {
	srv.Handle(execchannel.ActionRegisterBuffer, r.HandleRegister)
}
