package payload

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/lmnt-print/printhost/pkg/secmem"
)

// Options 控制写出格式。
type Options struct {
	ChunkSize int
	Compress  bool
}

var errWriterClosed = errors.New("payload: write after close")

type sealWriter struct {
	dst     io.Writer
	aead    cipher.AEAD
	hdr     *header
	buf     []byte
	sealed  []byte
	counter uint64
	closed  bool
	err     error
}

// NewWriter 返回加密写入器，Close 写出最后一块。
func NewWriter(dst io.Writer, key []byte, jobID string, opts Options) (io.WriteCloser, error) {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if chunk > MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d exceeds %d", chunk, MaxChunkSize)
	}
	hdr := &header{chunkSize: chunk}
	if opts.Compress {
		hdr.flags |= FlagZstd
	}
	if _, err := io.ReadFull(rand.Reader, hdr.salt[:]); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	hdr.encode()
	aead, err := newAEAD(key, hdr.salt[:], jobID)
	if err != nil {
		return nil, err
	}
	if _, err := dst.Write(hdr.raw[:]); err != nil {
		return nil, err
	}
	w := &sealWriter{
		dst:    dst,
		aead:   aead,
		hdr:    hdr,
		buf:    make([]byte, 0, chunk),
		sealed: make([]byte, 0, chunk+tagSize),
	}
	if !opts.Compress {
		return w, nil
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	return &compressWriter{enc: enc, inner: w}, nil
}

func (w *sealWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errWriterClosed
	}
	if w.err != nil {
		return 0, w.err
	}
	written := 0
	for len(p) > 0 {
		// 满块只在确认后面还有数据时才以非结束块写出。
		if len(w.buf) == cap(w.buf) {
			if err := w.flush(false); err != nil {
				return written, err
			}
		}
		n := copy(w.buf[len(w.buf):cap(w.buf)], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		written += n
	}
	return written, nil
}

func (w *sealWriter) flush(last bool) error {
	w.sealed = w.aead.Seal(w.sealed[:0], chunkNonce(w.counter, last), w.buf, w.hdr.raw[:])
	secmem.Zero(w.buf)
	w.buf = w.buf[:0]
	w.counter++
	if _, err := w.dst.Write(w.sealed); err != nil {
		w.err = err
		return err
	}
	return nil
}

func (w *sealWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	return w.flush(true)
}

type compressWriter struct {
	enc   *zstd.Encoder
	inner *sealWriter
}

func (c *compressWriter) Write(p []byte) (int, error) { return c.enc.Write(p) }

func (c *compressWriter) Close() error {
	if err := c.enc.Close(); err != nil {
		return err
	}
	return c.inner.Close()
}

// Seal 一次性加密整个明文。
func Seal(plaintext, key []byte, jobID string, opts Options) ([]byte, error) {
	var out bytes.Buffer
	w, err := NewWriter(&out, key, jobID, opts)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
