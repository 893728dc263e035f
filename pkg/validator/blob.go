package validator

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// BlobEncoding 描述信封字符串的编码。
type BlobEncoding string

const (
	BlobEncodingHex    BlobEncoding = "hex"
	BlobEncodingBase64 BlobEncoding = "base64"
)

// MaxEnvelopeSize 限制单个密钥信封解码后的大小。
const MaxEnvelopeSize = 4096

// NormalizeEncoding 将用户输入转换为内部常量，默认 base64。
func NormalizeEncoding(raw string) (BlobEncoding, error) {
	switch strings.ToLower(raw) {
	case "", string(BlobEncodingBase64):
		return BlobEncodingBase64, nil
	case string(BlobEncodingHex):
		return BlobEncodingHex, nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", raw)
	}
}

var (
	errBlobEmpty    = errors.New("envelope is empty")
	errBlobTooLarge = fmt.Errorf("envelope exceeds %d bytes", MaxEnvelopeSize)
)

// DecodeBlob 将信封解码为二进制并检查长度。
func DecodeBlob(blob string, enc BlobEncoding) ([]byte, error) {
	var (
		decoded []byte
		err     error
	)
	switch enc {
	case BlobEncodingHex:
		decoded, err = hex.DecodeString(blob)
		if err != nil {
			return nil, fmt.Errorf("invalid hex envelope: %w", err)
		}
	case BlobEncodingBase64:
		decoded, err = base64.StdEncoding.DecodeString(blob)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 envelope: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
	if len(decoded) == 0 {
		return nil, errBlobEmpty
	}
	if len(decoded) > MaxEnvelopeSize {
		return nil, errBlobTooLarge
	}
	return decoded, nil
}

const maxIdentifierLen = 128

// ValidateIdentifier 校验 job id / 虚拟文件名，只允许 [A-Za-z0-9._-]。
func ValidateIdentifier(kind, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(value) > maxIdentifierLen {
		return fmt.Errorf("%s exceeds %d characters", kind, maxIdentifierLen)
	}
	if value == "." || value == ".." {
		return fmt.Errorf("%s %q is not allowed", kind, value)
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("%s contains invalid character %q", kind, r)
		}
	}
	return nil
}
