// Package decryptor 将密文流解密到 memfd，只有完整通过认证的明文才会被交出。
package decryptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/lmnt-print/printhost/internal/app/keyunwrap"
	"github.com/lmnt-print/printhost/internal/app/payload"
	"github.com/lmnt-print/printhost/internal/infra/backoff"
	"github.com/lmnt-print/printhost/internal/infra/securebuf"
	"github.com/lmnt-print/printhost/pkg/apierrors"
	"github.com/lmnt-print/printhost/pkg/secmem"
)

const copyChunk = 64 * 1024

// Config 控制下载续传与解密上限。
type Config struct {
	MaxAttempts  int
	StallTimeout time.Duration
	Backoff      backoff.Config
	// MaxPlaintext 限制解密后大小，0 表示默认 2GiB。
	MaxPlaintext int64
	Logger       *slog.Logger
	Metrics      *Metrics
}

func (c Config) normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 30 * time.Second
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = 200 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 5 * time.Second
	}
	if c.MaxPlaintext <= 0 {
		c.MaxPlaintext = 2 << 30
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Decryptor 把单个任务的密文解密进独立的 SecureBuffer。
type Decryptor struct {
	src Source
	cfg Config
}

// New 构造 Decryptor。
func New(src Source, cfg Config) (*Decryptor, error) {
	if src == nil {
		return nil, errors.New("ciphertext source is required")
	}
	return &Decryptor{src: src, cfg: cfg.normalize()}, nil
}

// Decrypt 读取 ref 的密文并用 key 解密。成功时返回已封印且偏移为 0 的缓冲区；
// 失败时缓冲区已关闭，不会留下部分明文。
func (d *Decryptor) Decrypt(ctx context.Context, jobID, ref string, key *keyunwrap.ContentKey) (*securebuf.Buffer, error) {
	if key.Destroyed() {
		return nil, apierrors.New(apierrors.CodeInternal, "content key already destroyed")
	}
	start := time.Now()
	buf, size, err := d.decrypt(ctx, jobID, ref, key)
	d.cfg.Metrics.observe(err, size, time.Since(start))
	if err != nil {
		d.cfg.Logger.Warn("payload decryption failed",
			slog.String("job_id", jobID),
			slog.String("reason", string(apierrors.ReasonFor(err))),
			slog.Any("err", err))
		return nil, err
	}
	d.cfg.Logger.Info("payload decrypted",
		slog.String("job_id", jobID),
		slog.Int64("bytes", size),
		slog.Duration("elapsed", time.Since(start)))
	return buf, nil
}

func (d *Decryptor) decrypt(ctx context.Context, jobID, ref string, key *keyunwrap.ContentKey) (buf *securebuf.Buffer, size int64, err error) {
	buf, err = securebuf.New("lmnt-" + jobID)
	if err != nil {
		return nil, 0, apierrors.Wrap(apierrors.CodeInternal, "allocate secure buffer", err)
	}
	defer func() {
		if err != nil {
			_ = buf.Close()
			buf = nil
		}
	}()

	src := &resumableReader{
		ctx:     ctx,
		src:     d.src,
		ref:     ref,
		max:     d.cfg.MaxAttempts,
		stall:   d.cfg.StallTimeout,
		bo:      backoff.New(d.cfg.Backoff),
		logger:  d.cfg.Logger,
		metrics: d.cfg.Metrics,
	}
	defer src.Close()

	pr, err := payload.NewReader(src, key.Bytes(), jobID)
	if err != nil {
		return nil, 0, err
	}
	defer pr.Close()

	var plain io.Reader = pr
	if pr.Compressed() {
		dec, err := zstd.NewReader(pr, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
		if err != nil {
			return nil, 0, apierrors.Wrap(apierrors.CodeInternal, "zstd decoder", err)
		}
		defer dec.Close()
		plain = &zstdErrors{r: dec}
	}

	size, err = d.copy(ctx, buf, plain)
	if err != nil {
		return nil, 0, err
	}
	if err := buf.Seal(); err != nil {
		return nil, 0, apierrors.Wrap(apierrors.CodeInternal, "seal secure buffer", err)
	}
	if err := buf.Rewind(); err != nil {
		return nil, 0, apierrors.Wrap(apierrors.CodeInternal, "rewind secure buffer", err)
	}
	return buf, size, nil
}

func (d *Decryptor) copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	chunk := make([]byte, copyChunk)
	defer secmem.Zero(chunk)
	var total int64
	for {
		if ctx.Err() != nil {
			return total, context.Cause(ctx)
		}
		n, err := src.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > d.cfg.MaxPlaintext {
				return total, apierrors.New(apierrors.CodeIntegrity, fmt.Sprintf("plaintext exceeds %d bytes", d.cfg.MaxPlaintext))
			}
			if _, werr := dst.Write(chunk[:n]); werr != nil {
				return total, apierrors.Wrap(apierrors.CodeInternal, "write secure buffer", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// zstdErrors 把解压错误归为完整性错误，来源错误原样透传。
type zstdErrors struct{ r io.Reader }

func (z *zstdErrors) Read(p []byte) (int, error) {
	n, err := z.r.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if _, typed := apierrors.FromError(err); typed || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return n, err
	}
	return n, apierrors.Wrap(apierrors.CodeIntegrity, "decompress payload", err)
}
