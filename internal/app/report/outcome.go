// Package report 把任务状态投递给状态回调方。终态报告失败时落盘到 outbox 等待重投，
// 执行中的状态与进度更新尽力投递。
package report

import (
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// Status 是上报的任务状态。
type Status string

const (
	StatusProcessing Status = "processing"
	StatusPrinting   Status = "printing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal 表示终态。
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Stats 是终态轮询时采集到的执行统计。
type Stats struct {
	PrintDuration float64 `json:"print_duration"`
	Progress      float64 `json:"progress"`
	Position      int64   `json:"position"`
	Size          int64   `json:"size"`
	Lines         int64   `json:"lines"`
}

// Progress 是执行中的进度，Percent 取值 0-100。
type Progress struct {
	Percent       float64 `json:"percent"`
	PrintDuration float64 `json:"print_duration"`
	Lines         int64   `json:"lines"`
}

// Outcome 是一次状态报告，不含任何密钥材料。
type Outcome struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	Stats      *Stats    `json:"stats,omitempty"`
	Progress   *Progress `json:"progress,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
}

// IdempotencyKey 对 (job, status, reason, 进度) 取 BLAKE3，回调方据此去重。
func IdempotencyKey(o Outcome) string {
	h := blake3.New()
	_, _ = h.Write([]byte("lmnt.report.v1\x00"))
	_, _ = h.Write([]byte(o.JobID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(o.Status))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(o.Reason))
	if o.Progress != nil {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strconv.FormatFloat(o.Progress.Percent, 'f', 1, 64)))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// LogValue 只输出可观测字段。
func (o Outcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("job_id", o.JobID),
		slog.String("status", string(o.Status)),
		slog.String("reason", o.Reason),
	}
	if o.Progress != nil {
		attrs = append(attrs, slog.Float64("percent", o.Progress.Percent))
	}
	return slog.GroupValue(attrs...)
}
