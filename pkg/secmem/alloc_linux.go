//go:build linux

package secmem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func allocate(size int) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, false, fmt.Errorf("secmem: mmap failed: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		_ = unix.Munmap(data)
		return nil, false, fmt.Errorf("secmem: madvise(MADV_DONTDUMP) failed: %w", err)
	}
	// RLIMIT_MEMLOCK 过小时退化为未锁定内存，仍然在 Go 堆外且不进入 core dump。
	locked := true
	if err := unix.Mlock(data); err != nil {
		if !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.ENOMEM) && !errors.Is(err, unix.EAGAIN) {
			_ = unix.Munmap(data)
			return nil, false, fmt.Errorf("secmem: mlock failed: %w", err)
		}
		locked = false
	}
	return data, locked, nil
}

func release(data []byte, locked bool) error {
	if data == nil {
		return nil
	}
	var firstErr error
	if locked {
		if err := unix.Munlock(data); err != nil {
			firstErr = fmt.Errorf("secmem: munlock failed: %w", err)
		}
	}
	if err := unix.Munmap(data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secmem: munmap failed: %w", err)
	}
	return firstErr
}
