package custody

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lmnt-print/printhost/pkg/apierrors"
	"github.com/lmnt-print/printhost/pkg/secmem"
)

// FileCredentials 从身份组件维护的 token 文件读取设备凭据，按 TTL 缓存。
type FileCredentials struct {
	path string
	ttl  time.Duration

	mu       sync.Mutex
	token    []byte
	expireAt time.Time
}

// NewFileCredentials 构造 FileCredentials，ttl<=0 时默认 5 分钟。
func NewFileCredentials(path string, ttl time.Duration) (*FileCredentials, error) {
	if path == "" {
		return nil, errors.New("credential path is required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FileCredentials{path: path, ttl: ttl}, nil
}

// Token 返回凭据副本，调用方用完后应清零。
func (f *FileCredentials) Token(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token != nil && time.Now().Before(f.expireAt) {
		return append([]byte(nil), f.token...), nil
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeAuth, "read device credential", err)
	}
	token := bytes.TrimSpace(raw)
	if len(token) == 0 {
		secmem.Zero(raw)
		return nil, apierrors.New(apierrors.CodeAuth, fmt.Sprintf("device credential %s is empty", f.path))
	}
	secmem.Zero(f.token)
	f.token = append([]byte(nil), token...)
	secmem.Zero(raw)
	f.expireAt = time.Now().Add(f.ttl)
	return append([]byte(nil), f.token...), nil
}

// Invalidate 丢弃缓存，下次 Token 重新读取文件。
func (f *FileCredentials) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	secmem.Zero(f.token)
	f.token = nil
	f.expireAt = time.Time{}
}

// StaticCredentials 返回固定凭据，用于演练/单测。
type StaticCredentials struct {
	token []byte

	mu          sync.Mutex
	invalidated int
}

// NewStaticCredentials 构造 StaticCredentials。
func NewStaticCredentials(token string) *StaticCredentials {
	return &StaticCredentials{token: []byte(token)}
}

// Token 返回固定凭据副本。
func (s *StaticCredentials) Token(context.Context) ([]byte, error) {
	return append([]byte(nil), s.token...), nil
}

// Invalidate 只记录调用次数。
func (s *StaticCredentials) Invalidate() {
	s.mu.Lock()
	s.invalidated++
	s.mu.Unlock()
}

// Invalidations 返回 Invalidate 被调用的次数。
func (s *StaticCredentials) Invalidations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}
