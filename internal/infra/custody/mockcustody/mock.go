package mockcustody

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lmnt-print/printhost/internal/infra/custody"
	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// StaticProvider 对指定信封返回固定设备密钥，用于演练/单测。
type StaticProvider struct {
	envelope []byte
	plain    []byte
	token    []byte

	mu       sync.Mutex
	failures []error
	calls    atomic.Int64
}

// NewStaticProvider 构造固定 Provider；token 为空时不校验凭据。
func NewStaticProvider(envelope, plain []byte, token string) *StaticProvider {
	return &StaticProvider{
		envelope: append([]byte(nil), envelope...),
		plain:    append([]byte(nil), plain...),
		token:    []byte(token),
	}
}

// FailNext 让接下来的调用依次返回给定错误。
func (p *StaticProvider) FailNext(errs ...error) {
	p.mu.Lock()
	p.failures = append(p.failures, errs...)
	p.mu.Unlock()
}

// Calls 返回调用次数。
func (p *StaticProvider) Calls() int64 { return p.calls.Load() }

// Unwrap 校验凭据与信封后返回预置明文。
func (p *StaticProvider) Unwrap(ctx context.Context, req custody.UnwrapRequest) ([]byte, error) {
	p.calls.Add(1)
	p.mu.Lock()
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.plain) == 0 {
		return nil, errors.New("mock key empty")
	}
	if len(p.token) > 0 && subtle.ConstantTimeCompare(p.token, req.Credential) != 1 {
		return nil, apierrors.New(apierrors.CodeAuth, "device credential rejected")
	}
	if subtle.ConstantTimeCompare(p.envelope, req.Envelope) != 1 {
		return nil, apierrors.New(apierrors.CodeEnvelope, "envelope not recognised")
	}
	return append([]byte(nil), p.plain...), nil
}
