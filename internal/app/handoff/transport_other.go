//go:build !linux

package handoff

import (
	"errors"

	"github.com/lmnt-print/printhost/internal/infra/securebuf"
	"github.com/lmnt-print/printhost/pkg/apierrors"
)

var errUnsupported = errors.New("descriptor handoff requires linux")

func (ProcFS) Acquire(string, int, int) (*securebuf.Buffer, error) {
	return nil, apierrors.Wrap(apierrors.CodeHandoff, "procfs acquire", errUnsupported)
}

func (Pidfd) Acquire(string, int, int) (*securebuf.Buffer, error) {
	return nil, apierrors.Wrap(apierrors.CodeHandoff, "pidfd acquire", errUnsupported)
}

func (Loopback) Acquire(string, int, int) (*securebuf.Buffer, error) {
	return nil, apierrors.Wrap(apierrors.CodeHandoff, "loopback acquire", errUnsupported)
}
