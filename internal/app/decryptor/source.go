package decryptor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lmnt-print/printhost/internal/infra/backoff"
	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// Source 按偏移打开密文流，瞬时失败返回 DOWNLOAD 错误；不可重试的失败用 AsFatal 标记。
type Source interface {
	Open(ctx context.Context, ref string, offset int64) (io.ReadCloser, error)
}

var errStalled = errors.New("ciphertext read stalled")

// resumableReader 在读取失败后从当前偏移重新打开来源。
type resumableReader struct {
	ctx     context.Context
	src     Source
	ref     string
	offset  int64
	rc      io.ReadCloser
	retries int
	max     int
	stall   time.Duration
	bo      *backoff.Backoff
	logger  *slog.Logger
	metrics *Metrics

	stalled atomic.Bool
}

func (r *resumableReader) Read(p []byte) (int, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return 0, context.Cause(r.ctx)
		}
		if r.rc == nil {
			rc, err := r.src.Open(r.ctx, r.ref, r.offset)
			if err != nil {
				if retryErr := r.retry(err); retryErr != nil {
					return 0, retryErr
				}
				continue
			}
			r.rc = rc
		}
		n, err := r.readOnce(p)
		r.offset += int64(n)
		if n > 0 {
			r.retries = 0
			r.bo.Reset()
		}
		if err == nil || errors.Is(err, io.EOF) {
			if n == 0 && err == nil {
				continue
			}
			return n, err
		}
		r.closeSource()
		if n > 0 {
			// 已读部分先交给调用方，下一次 Read 从新偏移续传。
			return n, nil
		}
		if retryErr := r.retry(err); retryErr != nil {
			return 0, retryErr
		}
	}
}

// readOnce 在 stall 时长内没有返回或 ctx 结束时关闭底层流以打断阻塞读取。
func (r *resumableReader) readOnce(p []byte) (int, error) {
	r.stalled.Store(false)
	rc := r.rc
	timer := time.AfterFunc(r.stall, func() {
		r.stalled.Store(true)
		_ = rc.Close()
	})
	stop := context.AfterFunc(r.ctx, func() { _ = rc.Close() })
	n, err := rc.Read(p)
	timer.Stop()
	stop()
	if r.stalled.Load() && err != nil && !errors.Is(err, io.EOF) {
		err = errStalled
	}
	return n, err
}

func (r *resumableReader) retry(cause error) error {
	if r.ctx.Err() != nil {
		return context.Cause(r.ctx)
	}
	code := apierrors.CodeOf(cause)
	if _, typed := apierrors.FromError(cause); !typed {
		code = apierrors.CodeDownload
		cause = apierrors.Wrap(apierrors.CodeDownload, "ciphertext read failed", cause)
	}
	if code != apierrors.CodeDownload || apierrors.IsFatal(cause) {
		return cause
	}
	r.retries++
	if r.retries >= r.max {
		return cause
	}
	r.metrics.retry()
	wait := r.bo.Next()
	r.logger.Warn("ciphertext source failed, resuming",
		slog.String("ref", r.ref),
		slog.Int64("offset", r.offset),
		slog.Int("attempt", r.retries),
		slog.Duration("backoff", wait),
		slog.Any("err", cause))
	return backoff.Sleep(r.ctx, wait)
}

func (r *resumableReader) closeSource() {
	if r.rc != nil {
		_ = r.rc.Close()
		r.rc = nil
	}
}

func (r *resumableReader) Close() error {
	r.closeSource()
	return nil
}
