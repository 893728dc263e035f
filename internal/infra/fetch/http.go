// Package fetch 提供密文来源：HTTP Range 下载与本地暂存文件。
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// TokenSource 为下载请求提供 Bearer 凭证。
type TokenSource interface {
	Token(ctx context.Context) ([]byte, error)
}

// HTTPConfig 控制 HTTP 来源。
type HTTPConfig struct {
	Client         *http.Client
	ConnectTimeout time.Duration
	Header         http.Header
	Token          TokenSource
}

func (c HTTPConfig) normalize() HTTPConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.Client == nil {
		c.Client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: c.ConnectTimeout,
			TLSHandshakeTimeout:   c.ConnectTimeout,
			MaxIdleConns:          4,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	return c
}

// HTTPSource 使用 Range 请求从指定偏移继续下载。
type HTTPSource struct {
	cfg HTTPConfig
}

// NewHTTPSource 创建 HTTP 来源。
func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	return &HTTPSource{cfg: cfg.normalize()}
}

// Open 从 offset 开始读取 ref 指向的密文。
func (s *HTTPSource) Open(ctx context.Context, ref string, offset int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDownload, "ciphertext ref is not a valid url", err).AsFatal()
	}
	for key, values := range s.cfg.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if s.cfg.Token != nil {
		token, err := s.cfg.Token.Token(ctx)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.CodeDownload, "load download credential", err)
		}
		req.Header.Set("Authorization", "Bearer "+string(token))
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDownload, "ciphertext request failed", err)
	}
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		return resp.Body, nil
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// 服务端忽略了 Range，跳过已读部分。
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				resp.Body.Close()
				return nil, apierrors.Wrap(apierrors.CodeDownload, "skip to resume offset", err)
			}
		}
		return resp.Body, nil
	default:
		resp.Body.Close()
		err := apierrors.New(apierrors.CodeDownload, fmt.Sprintf("ciphertext request returned %d", resp.StatusCode))
		if permanentStatus(resp.StatusCode) {
			return nil, err.AsFatal()
		}
		return nil, err
	}
}

// permanentStatus 把 4xx 视为不可重试，408 与 429 除外。
func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
