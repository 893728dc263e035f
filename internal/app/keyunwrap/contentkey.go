package keyunwrap

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/lmnt-print/printhost/pkg/secmem"
)

const redacted = "[redacted]"

var errNotSerializable = errors.New("content key is not serializable")

// ContentKey 是解密单个任务载荷的明文密钥，只存在于锁定内存中。
type ContentKey struct {
	buf *secmem.Buffer
}

// NewContentKey 复制 raw 到锁定内存并清零 raw。
func NewContentKey(raw []byte) (*ContentKey, error) {
	if len(raw) != KeySize {
		secmem.Zero(raw)
		return nil, fmt.Errorf("content key must be %d bytes", KeySize)
	}
	buf, err := secmem.NewFromBytes(raw)
	if err != nil {
		return nil, err
	}
	return &ContentKey{buf: buf}, nil
}

// Bytes 返回密钥字节，Destroy 之后 panic。
func (k *ContentKey) Bytes() []byte { return k.buf.Bytes() }

// Destroyed 报告密钥是否已销毁。
func (k *ContentKey) Destroyed() bool { return k == nil || k.buf.Closed() }

// Destroy 清零并释放，可重复调用。
func (k *ContentKey) Destroy() {
	if k == nil {
		return
	}
	_ = k.buf.Close()
}

func (k *ContentKey) String() string { return redacted }

func (k *ContentKey) GoString() string { return redacted }

// LogValue 实现 slog.LogValuer。
func (k *ContentKey) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalJSON 拒绝序列化。
func (k *ContentKey) MarshalJSON() ([]byte, error) { return nil, errNotSerializable }

// MarshalText 拒绝序列化。
func (k *ContentKey) MarshalText() ([]byte, error) { return nil, errNotSerializable }
