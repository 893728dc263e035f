// Package payload 定义打印载荷的分块认证加密流格式。
//
// 头部 32 字节："LMNT" | version | flags | reserved(2) | chunkSize u32 BE | salt 20B。
// 之后是若干 ChaCha20-Poly1305 密文块，nonce 为 11 字节大端计数器加 1 字节结束标记，
// AAD 为完整头部。只有最后一块带结束标记，非最后块的明文长度恰好为 chunkSize。
package payload

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/lmnt-print/printhost/pkg/apierrors"
	"github.com/lmnt-print/printhost/pkg/secmem"
)

const (
	// Version 是当前格式版本。
	Version byte = 0x01
	// HeaderSize 是头部长度。
	HeaderSize = 32
	// DefaultChunkSize 是默认明文块大小。
	DefaultChunkSize = 64 * 1024
	// MaxChunkSize 限制单块大小，约束解密时的内存占用。
	MaxChunkSize = 1 << 20

	// FlagZstd 表示明文在加密前经过 zstd 压缩。
	FlagZstd byte = 0x01

	knownFlags = FlagZstd
	saltSize   = 20
	tagSize    = chacha20poly1305.Overhead
	lastChunk  = 0x01
)

var (
	magic      = [4]byte{'L', 'M', 'N', 'T'}
	streamInfo = []byte("lmnt.print.payload.v1")
)

type header struct {
	flags     byte
	chunkSize int
	salt      [saltSize]byte
	raw       [HeaderSize]byte
}

func (h *header) encode() {
	copy(h.raw[0:4], magic[:])
	h.raw[4] = Version
	h.raw[5] = h.flags
	binary.BigEndian.PutUint32(h.raw[8:12], uint32(h.chunkSize))
	copy(h.raw[12:], h.salt[:])
}

func readHeader(src io.Reader) (*header, error) {
	h := &header{}
	if _, err := io.ReadFull(src, h.raw[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, apierrors.New(apierrors.CodeIntegrity, "payload header truncated")
		}
		return nil, err
	}
	if [4]byte(h.raw[0:4]) != magic {
		return nil, apierrors.New(apierrors.CodeIntegrity, "payload magic mismatch")
	}
	if h.raw[4] != Version {
		return nil, apierrors.New(apierrors.CodeIntegrity, fmt.Sprintf("payload version %d is not supported", h.raw[4]))
	}
	h.flags = h.raw[5]
	if h.flags&^knownFlags != 0 {
		return nil, apierrors.New(apierrors.CodeIntegrity, "payload has unknown flags")
	}
	if h.raw[6] != 0 || h.raw[7] != 0 {
		return nil, apierrors.New(apierrors.CodeIntegrity, "payload reserved bytes are not zero")
	}
	size := binary.BigEndian.Uint32(h.raw[8:12])
	if size == 0 || size > MaxChunkSize {
		return nil, apierrors.New(apierrors.CodeIntegrity, fmt.Sprintf("payload chunk size %d out of range", size))
	}
	h.chunkSize = int(size)
	copy(h.salt[:], h.raw[12:])
	return h, nil
}

// newAEAD 从内容密钥派生流密钥，绑定 salt 与 jobID。
func newAEAD(key []byte, salt []byte, jobID string) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("content key must be %d bytes", chacha20poly1305.KeySize)
	}
	info := make([]byte, 0, len(streamInfo)+len(jobID))
	info = append(info, streamInfo...)
	info = append(info, jobID...)
	streamKey := make([]byte, chacha20poly1305.KeySize)
	defer secmem.Zero(streamKey)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, salt, info), streamKey); err != nil {
		return nil, fmt.Errorf("derive stream key: %w", err)
	}
	return chacha20poly1305.New(streamKey)
}

func chunkNonce(counter uint64, last bool) []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[3:11], counter)
	if last {
		nonce[11] = lastChunk
	}
	return nonce[:]
}
