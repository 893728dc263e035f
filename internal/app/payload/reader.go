package payload

import (
	"bufio"
	"crypto/cipher"
	"errors"
	"io"

	"github.com/lmnt-print/printhost/pkg/apierrors"
	"github.com/lmnt-print/printhost/pkg/secmem"
)

// Reader 逐块认证并解密载荷。认证失败返回 IntegrityError，源读取错误原样返回。
type Reader struct {
	src     *bufio.Reader
	aead    cipher.AEAD
	hdr     *header
	sealed  []byte
	plain   []byte
	pos     int
	counter uint64
	done    bool
	err     error
}

// NewReader 读取并校验头部。
func NewReader(src io.Reader, key []byte, jobID string) (*Reader, error) {
	hdr, err := readHeader(src)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key, hdr.salt[:], jobID)
	if err != nil {
		return nil, err
	}
	return &Reader{
		src:    bufio.NewReaderSize(src, 4096),
		aead:   aead,
		hdr:    hdr,
		sealed: make([]byte, hdr.chunkSize+tagSize),
		plain:  make([]byte, 0, hdr.chunkSize),
	}, nil
}

// Compressed 表示明文经过 zstd 压缩。
func (r *Reader) Compressed() bool { return r.hdr.flags&FlagZstd != 0 }

// ChunkSize 返回头部声明的块大小。
func (r *Reader) ChunkSize() int { return r.hdr.chunkSize }

func (r *Reader) Read(p []byte) (int, error) {
	for r.pos == len(r.plain) {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		if err := r.next(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n := copy(p, r.plain[r.pos:])
	r.pos += n
	return n, nil
}

func (r *Reader) next() error {
	secmem.Zero(r.plain)
	r.plain = r.plain[:0]
	r.pos = 0

	n, err := io.ReadFull(r.src, r.sealed)
	last := false
	switch {
	case err == nil:
		if _, peekErr := r.src.Peek(1); peekErr != nil {
			if !errors.Is(peekErr, io.EOF) {
				return peekErr
			}
			last = true
		}
	case errors.Is(err, io.ErrUnexpectedEOF):
		last = true
	case errors.Is(err, io.EOF):
		return apierrors.New(apierrors.CodeIntegrity, "payload truncated before final chunk")
	default:
		return err
	}
	if n < tagSize {
		return apierrors.New(apierrors.CodeIntegrity, "payload chunk shorter than tag")
	}
	plain, openErr := r.aead.Open(r.plain[:0], chunkNonce(r.counter, last), r.sealed[:n], r.hdr.raw[:])
	if openErr != nil {
		return apierrors.New(apierrors.CodeIntegrity, "payload chunk authentication failed")
	}
	if last && len(plain) == 0 && r.counter > 0 {
		return apierrors.New(apierrors.CodeIntegrity, "payload has empty trailing chunk")
	}
	r.plain = plain
	r.counter++
	r.done = last
	return nil
}

// Close 清零内部缓冲区。
func (r *Reader) Close() error {
	secmem.Zero(r.plain[:cap(r.plain)])
	secmem.Zero(r.sealed)
	r.plain = r.plain[:0]
	r.pos = 0
	if r.err == nil {
		r.err = errors.New("payload: reader closed")
	}
	return nil
}
