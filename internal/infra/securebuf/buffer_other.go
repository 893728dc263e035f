//go:build !linux

package securebuf

import (
	"errors"
	"io"
)

var errUnsupported = errors.New("securebuf: memfd requires linux")

// Buffer 在非 Linux 平台不可用。
type Buffer struct{ name string }

func New(name string) (*Buffer, error)           { return nil, errUnsupported }
func Adopt(fd int, name string) (*Buffer, error) { return nil, errUnsupported }

func (b *Buffer) Name() string                   { return b.name }
func (b *Buffer) Fd() int                        { return -1 }
func (b *Buffer) Write([]byte) (int, error)      { return 0, ErrClosed }
func (b *Buffer) Read([]byte) (int, error)       { return 0, ErrClosed }
func (b *Buffer) Seek(int64, int) (int64, error) { return 0, ErrClosed }
func (b *Buffer) Rewind() error                  { _, err := b.Seek(0, io.SeekStart); return err }
func (b *Buffer) Size() (int64, error)           { return 0, ErrClosed }
func (b *Buffer) Seal() error                    { return ErrClosed }
func (b *Buffer) Sealed() bool                   { return false }
func (b *Buffer) Duplicate() (*Buffer, error)    { return nil, ErrClosed }
func (b *Buffer) Close() error                   { return nil }
func (b *Buffer) Closed() bool                   { return true }
