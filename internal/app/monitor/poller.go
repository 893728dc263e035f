package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmnt-print/printhost/internal/app/report"
	"github.com/lmnt-print/printhost/internal/infra/execchannel"
	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// StatusSource 读取执行组件的状态（execchannel.Client 或 execshim.Engine）。
type StatusSource interface {
	Status(ctx context.Context) (execchannel.PrintStatus, error)
}

// ErrPollRunning 表示轮询任务已在运行。
var ErrPollRunning = errors.New("poll task already running")

// PollConfig 控制轮询节奏。
type PollConfig struct {
	Interval    time.Duration
	MaxWait     time.Duration
	VirtualName string
	// OnActive 在每次读到本任务的执行中状态时于轮询 goroutine 内调用，不能阻塞。
	OnActive func(st execchannel.PrintStatus)
	Logger   *slog.Logger
	Metrics  *Metrics
}

func (c PollConfig) normalize() PollConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// PollResult 是一次轮询的结论。Err 非空时 State 为 Failed。
// Observed 表示执行组件报告了本任务的终态，此时无需再取消执行。
type PollResult struct {
	State    State
	Message  string
	Stats    report.Stats
	Reads    int
	Observed bool
	Err      error
}

// PollTask 以固定间隔读取执行状态，直到观察到本任务的终态。
// 可取消，结束后可以再次 Start。
type PollTask struct {
	source StatusSource
	cfg    PollConfig

	mu     sync.Mutex
	cancel context.CancelCauseFunc
	done   chan struct{}
	result PollResult
}

// NewPollTask 构造轮询任务。
func NewPollTask(source StatusSource, cfg PollConfig) *PollTask {
	return &PollTask{source: source, cfg: cfg.normalize()}
}

// Start 在后台开始轮询。
func (p *PollTask) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return ErrPollRunning
		}
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.result = PollResult{}
	go p.run(runCtx, p.done)
	return nil
}

// Cancel 以 cause 结束轮询。
func (p *PollTask) Cancel(cause error) {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

// Wait 等待轮询结束并返回结论。
func (p *PollTask) Wait(ctx context.Context) (PollResult, error) {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return PollResult{}, errors.New("poll task not started")
	}
	select {
	case <-done:
	case <-ctx.Done():
		return PollResult{}, context.Cause(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, nil
}

func (p *PollTask) run(ctx context.Context, done chan struct{}) {
	res := p.poll(ctx)
	p.mu.Lock()
	p.result = res
	cancel := p.cancel
	p.mu.Unlock()
	cancel(nil)
	close(done)
}

func (p *PollTask) poll(ctx context.Context) PollResult {
	deadline := time.NewTimer(p.cfg.MaxWait)
	defer deadline.Stop()
	logger := p.cfg.Logger.With(slog.String("virtual_name", p.cfg.VirtualName))

	reads := 0
	sawActive := false
	unreachable := false
	for {
		st, err := p.source.Status(ctx)
		reads++
		switch {
		case ctx.Err() != nil:
			return PollResult{State: StateFailed, Reads: reads, Err: context.Cause(ctx)}
		case err != nil:
			p.cfg.Metrics.pollRead("unreachable")
			if !unreachable {
				logger.Warn("execution status unreachable, re-attaching", slog.Int("reads", reads), slog.Any("err", err))
			}
			unreachable = true
		default:
			p.cfg.Metrics.pollRead("ok")
			if unreachable {
				logger.Info("execution status re-attached", slog.String("state", string(st.State)), slog.Int("reads", reads))
				unreachable = false
			}
			ours := st.Filename == "" || st.Filename == p.cfg.VirtualName
			switch {
			case st.State.Active() && ours:
				sawActive = true
				if p.cfg.OnActive != nil {
					p.cfg.OnActive(st)
				}
			case st.State.Terminal() && ours && (sawActive || st.Filename == p.cfg.VirtualName):
				return classify(st, reads)
			}
		}

		select {
		case <-ctx.Done():
			return PollResult{State: StateFailed, Reads: reads, Err: context.Cause(ctx)}
		case <-deadline.C:
			return PollResult{
				State: StateFailed,
				Reads: reads,
				Err:   apierrors.New(apierrors.CodeExecutionTimeout, fmt.Sprintf("execution did not finish within %s", p.cfg.MaxWait)),
			}
		case <-time.After(p.cfg.Interval):
		}
	}
}

// classify 只有 complete 且没有错误信息才算完成。
func classify(st execchannel.PrintStatus, reads int) PollResult {
	res := PollResult{
		Message:  st.Message,
		Reads:    reads,
		Observed: true,
		Stats: report.Stats{
			PrintDuration: st.PrintDuration,
			Progress:      st.Progress,
			Position:      st.Position,
			Size:          st.Size,
			Lines:         st.Lines,
		},
	}
	if st.State == execchannel.StateComplete && st.Message == "" {
		res.State = StateCompleted
		return res
	}
	res.State = StateFailed
	msg := st.Message
	if msg == "" {
		msg = fmt.Sprintf("execution ended in state %s", st.State)
	}
	res.Err = apierrors.New(apierrors.CodeExecution, msg)
	return res
}
