//go:build linux

package handoff

import (
	"fmt"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/lmnt-print/printhost/internal/infra/securebuf"
	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// Acquire 打开 /proc/<pid>/fd/<fd>，得到偏移为 0 的新文件描述。
func (p ProcFS) Acquire(name string, pid, fd int) (*securebuf.Buffer, error) {
	root := p.Root
	if root == "" {
		root = "/proc"
	}
	path := filepath.Join(root, strconv.Itoa(pid), "fd", strconv.Itoa(fd))
	nfd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeHandoff, fmt.Sprintf("open %s", path), err)
	}
	return adopt(nfd, name)
}

// Acquire 用 pidfd_getfd 复制对方的描述符。
func (Pidfd) Acquire(name string, pid, fd int) (*securebuf.Buffer, error) {
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeHandoff, fmt.Sprintf("pidfd_open %d", pid), err)
	}
	defer unix.Close(pidfd)
	nfd, err := unix.PidfdGetfd(pidfd, fd, 0)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeHandoff, fmt.Sprintf("pidfd_getfd %d/%d", pid, fd), err)
	}
	return adopt(nfd, name)
}

// Acquire 在本进程内复制描述符。
func (Loopback) Acquire(name string, pid, fd int) (*securebuf.Buffer, error) {
	if err := checkSelf(pid); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeHandoff, "loopback acquire", err)
	}
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeHandoff, fmt.Sprintf("dup fd %d", fd), err)
	}
	return adopt(nfd, name)
}

func adopt(fd int, name string) (*securebuf.Buffer, error) {
	buf, err := securebuf.Adopt(fd, name)
	if err != nil {
		unix.Close(fd)
		return nil, apierrors.Wrap(apierrors.CodeHandoff, "adopt acquired descriptor", err)
	}
	return buf, nil
}
