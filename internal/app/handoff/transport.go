package handoff

import (
	"fmt"
	"os"

	"github.com/lmnt-print/printhost/internal/infra/securebuf"
)

// Transport 从发起进程获取描述符，返回执行侧独立拥有的缓冲区。
type Transport interface {
	Acquire(name string, pid, fd int) (*securebuf.Buffer, error)
	Name() string
}

// NewTransport 按名称选择实现：procfs、pidfd、loopback。
func NewTransport(kind string) (Transport, error) {
	switch kind {
	case "", "procfs":
		return ProcFS{}, nil
	case "pidfd":
		return Pidfd{}, nil
	case "loopback":
		return Loopback{}, nil
	default:
		return nil, fmt.Errorf("unknown handoff transport %q", kind)
	}
}

// ProcFS 通过 /proc/<pid>/fd/<fd> 只读打开描述符。
type ProcFS struct {
	// Root 默认为 /proc。
	Root string
}

func (ProcFS) Name() string { return "procfs" }

// Pidfd 通过 pidfd_open 与 pidfd_getfd 复制描述符。
type Pidfd struct{}

func (Pidfd) Name() string { return "pidfd" }

// Loopback 在同一进程内复制描述符，不需要另一个 OS 进程。
type Loopback struct{}

func (Loopback) Name() string { return "loopback" }

func checkSelf(pid int) error {
	if pid != os.Getpid() {
		return fmt.Errorf("loopback transport cannot reach pid %d", pid)
	}
	return nil
}
