// Package secmem 提供 Go 堆之外、常驻内存且不进入 core dump 的密钥缓冲区。
package secmem

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ErrClosed 表示缓冲区已被销毁。
var ErrClosed = errors.New("secmem: buffer closed")

// Buffer 保存密钥材料，Close 时清零并释放映射。
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool
	closed bool
}

// New 分配 size 字节的受保护内存。
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secmem: buffer size must be positive, got %d", size)
	}
	data, locked, err := allocate(size)
	if err != nil {
		return nil, err
	}
	return &Buffer{data: data, locked: locked}, nil
}

// NewFromBytes 复制 source 并清零调用方的副本。
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, errors.New("secmem: cannot create buffer from empty source")
	}
	buf, err := New(len(source))
	if err != nil {
		Zero(source)
		return nil, err
	}
	copy(buf.data, source)
	Zero(source)
	return buf, nil
}

// Bytes 返回底层切片，Close 之后不可再使用。
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secmem: read from closed buffer")
	}
	return b.data
}

// Len 返回长度，已关闭时为 0。
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	return len(b.data)
}

// Locked 表示内存是否成功 mlock。
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Closed 报告缓冲区是否已销毁。
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close 清零并释放内存，可重复调用。
func (b *Buffer) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.data)
	err := release(b.data, b.locked)
	b.data = nil
	return err
}

// String 不输出内容。
func (b *Buffer) String() string { return "[redacted]" }

// Zero 清零任意切片，避免编译器优化掉写操作。
func Zero(buf []byte) {
	if len(buf) == 0 {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	_ = subtle.ConstantTimeByteEq(buf[0], 0)
	runtime.KeepAlive(buf)
}
