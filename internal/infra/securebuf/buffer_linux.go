//go:build linux

package securebuf

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

const sealAll = unix.F_SEAL_WRITE | unix.F_SEAL_GROW | unix.F_SEAL_SHRINK | unix.F_SEAL_SEAL

// Buffer 持有一个 memfd 文件描述符。同一时刻只有一个 Buffer 拥有该描述符。
//
// Buffer 的方法可并发调用，读写共享同一个文件偏移。
type Buffer struct {
	mu     sync.Mutex
	fd     int
	name   string
	sealed bool
}

// New 创建可封印的 memfd，带 CLOEXEC。
func New(name string) (*Buffer, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %q: %w", name, err)
	}
	return adopt(fd, name), nil
}

// Adopt 接管已有描述符的所有权，关闭 Buffer 时一并关闭该描述符。
func Adopt(fd int, name string) (*Buffer, error) {
	if fd < 0 {
		return nil, fmt.Errorf("adopt %q: invalid descriptor %d", name, fd)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, fmt.Errorf("adopt %q: %w", name, err)
	}
	b := adopt(fd, name)
	if seals, err := unix.FcntlInt(uintptr(fd), unix.F_GET_SEALS, 0); err == nil && seals&unix.F_SEAL_WRITE != 0 {
		b.sealed = true
	}
	return b, nil
}

func adopt(fd int, name string) *Buffer {
	live.Add(1)
	return &Buffer{fd: fd, name: name}
}

// Name 返回创建时的名称。
func (b *Buffer) Name() string { return b.name }

// Fd 返回底层描述符，已关闭时返回 -1。
func (b *Buffer) Fd() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fd
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return 0, ErrClosed
	}
	written := 0
	for written < len(p) {
		n, err := unix.Write(b.fd, p[written:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return written, fmt.Errorf("write memfd: %w", err)
		}
		written += n
	}
	return written, nil
}

func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(b.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read memfd: %w", err)
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return 0, ErrClosed
	}
	pos, err := unix.Seek(b.fd, offset, whence)
	if err != nil {
		return 0, fmt.Errorf("seek memfd: %w", err)
	}
	return pos, nil
}

// Rewind 将读写偏移移回开头。
func (b *Buffer) Rewind() error {
	_, err := b.Seek(0, io.SeekStart)
	return err
}

// Size 返回当前内容长度。
func (b *Buffer) Size() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return 0, ErrClosed
	}
	var stat unix.Stat_t
	if err := unix.Fstat(b.fd, &stat); err != nil {
		return 0, fmt.Errorf("stat memfd: %w", err)
	}
	return stat.Size, nil
}

// Seal 禁止后续写入和改变大小，封印本身也不可再修改。
func (b *Buffer) Seal() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return ErrClosed
	}
	if b.sealed {
		return nil
	}
	if _, err := unix.FcntlInt(uintptr(b.fd), unix.F_ADD_SEALS, sealAll); err != nil {
		return fmt.Errorf("seal memfd: %w", err)
	}
	b.sealed = true
	return nil
}

// Sealed 表示是否已封印。
func (b *Buffer) Sealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

// Duplicate 以 F_DUPFD_CLOEXEC 复制描述符，返回独立拥有的新 Buffer。
// 两者共享文件偏移。
func (b *Buffer) Duplicate() (*Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil, ErrClosed
	}
	fd, err := unix.FcntlInt(uintptr(b.fd), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		return nil, fmt.Errorf("dup memfd: %w", err)
	}
	dup := adopt(fd, b.name)
	dup.sealed = b.sealed
	return dup, nil
}

// Close 关闭描述符，可重复调用。
func (b *Buffer) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil
	}
	fd := b.fd
	b.fd = -1
	live.Add(-1)
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close memfd: %w", err)
	}
	return nil
}

// Closed 表示句柄是否已关闭。
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fd < 0
}
