package monitor

import (
	"context"
	"time"

	"github.com/lmnt-print/printhost/internal/app/keyunwrap"
	"github.com/lmnt-print/printhost/internal/app/report"
	"github.com/lmnt-print/printhost/pkg/apierrors"
	"github.com/lmnt-print/printhost/pkg/validator"
)

const maxFilenameLen = 255

// Descriptor 是任务来源提交的任务描述。
type Descriptor struct {
	JobID         string
	CiphertextRef string
	Cascade       keyunwrap.Cascade
	Filename      string
	Priority      int
}

// Validate 检查描述字段。
func (d Descriptor) Validate() error {
	if err := validator.ValidateIdentifier("job_id", d.JobID); err != nil {
		return apierrors.Wrap(apierrors.CodeInvalidArgument, "invalid job id", err)
	}
	if d.CiphertextRef == "" {
		return apierrors.New(apierrors.CodeInvalidArgument, "ciphertext_ref is required")
	}
	if len(d.Filename) > maxFilenameLen {
		return apierrors.New(apierrors.CodeInvalidArgument, "filename is too long")
	}
	return d.Cascade.Validate()
}

// Transition 是一次状态变化。
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// JobStatus 是任务的对外视图，不含密钥或缓冲区。
type JobStatus struct {
	JobID         string        `json:"job_id"`
	State         State         `json:"state"`
	Reason        string        `json:"reason,omitempty"`
	Error         string        `json:"error,omitempty"`
	Filename      string        `json:"filename,omitempty"`
	VirtualName   string        `json:"virtual_name"`
	Priority      int           `json:"priority"`
	QueuePosition int           `json:"queue_position,omitempty"`
	History       []Transition  `json:"history"`
	Stats         *report.Stats `json:"stats,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// printJob 只由 Monitor 修改，所有字段受 Monitor.mu 保护。
type printJob struct {
	desc        Descriptor
	virtualName string
	state       State
	reason      string
	errDetail   string
	history     []Transition
	stats       *report.Stats
	createdAt   time.Time
	updatedAt   time.Time
	// announced 表示描述符已开始宣告给执行组件。
	announced bool

	seq    uint64
	index  int
	cancel context.CancelCauseFunc
}

func (j *printJob) status() JobStatus {
	st := JobStatus{
		JobID:       j.desc.JobID,
		State:       j.state,
		Reason:      j.reason,
		Error:       j.errDetail,
		Filename:    j.desc.Filename,
		VirtualName: j.virtualName,
		Priority:    j.desc.Priority,
		History:     append([]Transition(nil), j.history...),
		CreatedAt:   j.createdAt,
		UpdatedAt:   j.updatedAt,
	}
	if j.stats != nil {
		stats := *j.stats
		st.Stats = &stats
	}
	return st
}
