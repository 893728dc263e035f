package printapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lmnt-print/printhost/internal/app/monitor"
	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// TokenSource 为拉取请求提供 Bearer 凭证。
type TokenSource interface {
	Token(ctx context.Context) ([]byte, error)
}

// FeedConfig 控制 JobFeed。
type FeedConfig struct {
	URL     string
	Token   TokenSource
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

func (c FeedConfig) normalize() FeedConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.Timeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// JobFeed 从上游端点拉取待打印任务，实现 monitor.JobSource。
// 204 表示暂无任务；200 的响应体与 POST /v1/jobs 相同。
type JobFeed struct {
	cfg FeedConfig
}

// NewJobFeed 创建任务拉取来源。
func NewJobFeed(cfg FeedConfig) (*JobFeed, error) {
	if cfg.URL == "" {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, "job feed url is required")
	}
	return &JobFeed{cfg: cfg.normalize()}, nil
}

// Next 拉取一个任务，没有任务时返回 nil, nil。
func (f *JobFeed) Next(ctx context.Context) (*monitor.Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, "job feed url", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.cfg.Token != nil {
		token, err := f.cfg.Token.Token(ctx)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.CodeAuth, "load job feed credential", err)
		}
		req.Header.Set("Authorization", "Bearer "+string(token))
	}

	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeUnavailable, "job feed request failed", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, apierrors.New(apierrors.CodeAuth, fmt.Sprintf("job feed rejected credential with status %d", resp.StatusCode))
	default:
		return nil, apierrors.New(apierrors.CodeUnavailable, fmt.Sprintf("job feed returned status %d", resp.StatusCode))
	}
	desc, err := decodeIntake(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	f.cfg.Logger.Debug("job pulled from feed", slog.String("job", desc.JobID))
	return &desc, nil
}
