//go:build linux

package securebuf

import (
	"os"

	"golang.org/x/sys/unix"
)

func dupForAdopt(f *os.File) (int, error) {
	return unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 3)
}
