package report

import (
	"context"
	"log/slog"
)

// Sink 是外部状态回调方，返回 nil 表示已确认。
type Sink interface {
	Deliver(ctx context.Context, o Outcome) error
}

// SinkFunc 把函数适配为 Sink。
type SinkFunc func(ctx context.Context, o Outcome) error

func (f SinkFunc) Deliver(ctx context.Context, o Outcome) error { return f(ctx, o) }

// LogSink 把报告写入日志，是默认回调方。
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(_ context.Context, o Outcome) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("report_id", o.ID),
		slog.String("job_id", o.JobID),
		slog.String("status", string(o.Status)),
	}
	if o.Reason != "" {
		attrs = append(attrs, slog.String("reason", o.Reason))
	}
	if o.Error != "" {
		attrs = append(attrs, slog.String("error", o.Error))
	}
	if o.Message != "" {
		attrs = append(attrs, slog.String("message", o.Message))
	}
	if o.Progress != nil {
		attrs = append(attrs,
			slog.Float64("percent", o.Progress.Percent),
			slog.Float64("print_duration", o.Progress.PrintDuration))
	}
	if o.Stats != nil {
		attrs = append(attrs,
			slog.Float64("print_duration", o.Stats.PrintDuration),
			slog.Int64("lines", o.Stats.Lines))
	}
	if !o.Status.Terminal() {
		logger.Info("job update", attrs...)
		return nil
	}
	logger.Info("job outcome", attrs...)
	return nil
}
