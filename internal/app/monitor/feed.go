package monitor

import (
	"context"
	"log/slog"
	"time"
)

// JobSource 是拉取式任务来源。没有新任务时返回 nil, nil。
type JobSource interface {
	Next(ctx context.Context) (*Descriptor, error)
}

// JobSourceFunc 适配函数为 JobSource。
type JobSourceFunc func(ctx context.Context) (*Descriptor, error)

func (f JobSourceFunc) Next(ctx context.Context) (*Descriptor, error) { return f(ctx) }

// Feed 按 interval 轮询 src，Monitor 忙碌时跳过本轮。
func Feed(ctx context.Context, m *Monitor, src JobSource, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !m.Busy() {
			pullOnce(ctx, m, src)
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

func pullOnce(ctx context.Context, m *Monitor, src JobSource) {
	desc, err := src.Next(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("job source poll failed", slog.Any("err", err))
		}
		return
	}
	if desc == nil {
		return
	}
	if _, err := m.Intake(*desc); err != nil {
		m.logger.Warn("job from source rejected", slog.String("job", desc.JobID), slog.Any("err", err))
	}
}
