// Package monitor 管理打印任务的生命周期：排队、解密流水线、交接、执行轮询与终态上报。
package monitor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lmnt-print/printhost/internal/app/handoff"
	"github.com/lmnt-print/printhost/internal/app/keyunwrap"
	"github.com/lmnt-print/printhost/internal/app/report"
	"github.com/lmnt-print/printhost/internal/infra/execchannel"
	"github.com/lmnt-print/printhost/internal/infra/securebuf"
	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// ErrAborted 是中止任务时使用的取消原因。
var ErrAborted = apierrors.New(apierrors.CodeAborted, "job aborted")

const busyRetryAfter = 5 * time.Second

// KeyResolver 解开密钥级联得到内容密钥。
type KeyResolver interface {
	Resolve(ctx context.Context, jobID string, cascade keyunwrap.Cascade) (*keyunwrap.ContentKey, error)
}

// Decryptor 把密文解密进封存的 SecureBuffer。
type Decryptor interface {
	Decrypt(ctx context.Context, jobID, ref string, key *keyunwrap.ContentKey) (*securebuf.Buffer, error)
}

// Handoff 把缓冲区交给执行组件，无论成败都会关闭 buf。
type Handoff interface {
	Handoff(ctx context.Context, buf *securebuf.Buffer, name string) (handoff.Receipt, error)
}

// Execution 是执行组件的控制面。
type Execution interface {
	StatusSource
	StartPrint(ctx context.Context, name string) error
	// CancelPrint 停止名为 name 的执行并释放其未启动的登记。
	CancelPrint(ctx context.Context, name string) error
}

// Reporter 接收任务报告：processing、printing 与终态。
type Reporter interface {
	Report(ctx context.Context, o report.Outcome) error
}

// Deps 是流水线各阶段的实现。
type Deps struct {
	Keys      KeyResolver
	Decryptor Decryptor
	Handoff   Handoff
	Execution Execution
	Reporter  Reporter
}

func (d Deps) validate() error {
	switch {
	case d.Keys == nil:
		return errors.New("key resolver is required")
	case d.Decryptor == nil:
		return errors.New("decryptor is required")
	case d.Handoff == nil:
		return errors.New("handoff is required")
	case d.Execution == nil:
		return errors.New("execution is required")
	case d.Reporter == nil:
		return errors.New("reporter is required")
	}
	return nil
}

// Config 控制队列与轮询。
type Config struct {
	QueueSize     int
	PollInterval  time.Duration
	MaxWait       time.Duration
	RecentSize    int
	CancelTimeout time.Duration
	// ProgressStep 是两次进度上报之间的最小百分比增量，ProgressInterval 到期后不受此限。
	ProgressStep     float64
	ProgressInterval time.Duration
	Logger           *slog.Logger
	Metrics          *Metrics
	Clock            Clock
}

func (c Config) normalize() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 24 * time.Hour
	}
	if c.RecentSize <= 0 {
		c.RecentSize = 32
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 5 * time.Second
	}
	if c.ProgressStep <= 0 {
		c.ProgressStep = 5
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = NewRealClock()
	}
	return c
}

// Snapshot 是所有已知任务的视图。
type Snapshot struct {
	Active *JobStatus  `json:"active,omitempty"`
	Queued []JobStatus `json:"queued"`
	Recent []JobStatus `json:"recent"`
}

// Monitor 串行执行任务，同一时间只有一个任务占用活动槽。
type Monitor struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*printJob
	queue  jobQueue
	recent []*printJob
	seq    uint64

	slot ActiveSlot
	wake chan struct{}
}

// New 构造 Monitor，需要调用 Run 启动工作循环。
func New(deps Deps, cfg Config) (*Monitor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalize()
	return &Monitor{
		deps:   deps,
		cfg:    cfg,
		logger: cfg.Logger,
		jobs:   make(map[string]*printJob),
		wake:   make(chan struct{}, 1),
	}, nil
}

// Intake 校验并排队一个任务。重复的任务 ID 返回已有状态。
func (m *Monitor) Intake(desc Descriptor) (JobStatus, error) {
	if err := desc.Validate(); err != nil {
		return JobStatus{}, err
	}
	m.mu.Lock()
	if existing, ok := m.jobs[desc.JobID]; ok {
		st := m.statusLocked(existing)
		m.mu.Unlock()
		m.logger.Info("duplicate job ignored", slog.String("job", desc.JobID), slog.String("state", string(st.State)))
		return st, nil
	}
	if len(m.queue) >= m.cfg.QueueSize {
		m.mu.Unlock()
		return JobStatus{}, apierrors.New(apierrors.CodeBusy, "job queue is full").WithRetryAfter(busyRetryAfter)
	}
	now := m.cfg.Clock.Now()
	m.seq++
	j := &printJob{
		desc:        desc,
		virtualName: "lmnt-" + uuid.NewString() + ".gcode",
		state:       StateReceived,
		history:     []Transition{{State: StateReceived, At: now}},
		createdAt:   now,
		updatedAt:   now,
		seq:         m.seq,
		index:       -1,
	}
	m.jobs[desc.JobID] = j
	heap.Push(&m.queue, j)
	m.cfg.Metrics.setQueueDepth(len(m.queue))
	st := m.statusLocked(j)
	m.mu.Unlock()

	m.logger.Info("job received",
		slog.String("job", desc.JobID),
		slog.Int("priority", desc.Priority),
		slog.Int("queue_position", st.QueuePosition))
	m.signal()
	return st, nil
}

// Query 返回任务状态。
func (m *Monitor) Query(jobID string) (JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return JobStatus{}, apierrors.New(apierrors.CodeNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	return m.statusLocked(j), nil
}

// Snapshot 返回活动、排队和最近结束的任务。
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{Queued: []JobStatus{}, Recent: []JobStatus{}}
	if active := m.slot.Current(); active != nil {
		st := active.status()
		snap.Active = &st
	}
	queued := append(jobQueue(nil), m.queue...)
	for len(queued) > 0 {
		next := 0
		for i := range queued {
			if queued.before(queued[i], queued[next]) {
				next = i
			}
		}
		snap.Queued = append(snap.Queued, m.statusLocked(queued[next]))
		queued = append(queued[:next], queued[next+1:]...)
	}
	for i := len(m.recent) - 1; i >= 0; i-- {
		snap.Recent = append(snap.Recent, m.recent[i].status())
	}
	return snap
}

// Busy 表示是否有任务在执行或等待。
func (m *Monitor) Busy() bool {
	m.mu.Lock()
	queued := len(m.queue)
	m.mu.Unlock()
	return queued > 0 || m.slot.Current() != nil
}

// Abort 中止任务。排队中的任务直接失败；活动任务被取消，由工作循环完成清理与上报。
// 已结束的任务原样返回。
func (m *Monitor) Abort(jobID string) (JobStatus, error) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return JobStatus{}, apierrors.New(apierrors.CodeNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	switch {
	case j.state.Terminal():
		st := j.status()
		m.mu.Unlock()
		return st, nil
	case m.queue.remove(j):
		m.cfg.Metrics.setQueueDepth(len(m.queue))
		outcome := m.finishLocked(j, StateFailed, ErrAborted, nil)
		st := j.status()
		m.mu.Unlock()
		m.cfg.Metrics.finished(StateFailed, outcome.Reason, 0)
		m.logger.Info("queued job aborted", slog.String("job", jobID))
		m.report(context.Background(), outcome)
		return st, nil
	default:
		if j.cancel != nil {
			j.cancel(ErrAborted)
		}
		st := j.status()
		m.mu.Unlock()
		m.logger.Info("active job abort requested", slog.String("job", jobID), slog.String("state", string(st.State)))
		return st, nil
	}
}

// ExecutionStatus 读取执行组件的当前状态。
func (m *Monitor) ExecutionStatus(ctx context.Context) (execchannel.PrintStatus, error) {
	return m.deps.Execution.Status(ctx)
}

// Run 运行工作循环，直到 ctx 结束。执行组件未就绪时任务留在队列中。
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started", slog.Int("queue_size", m.cfg.QueueSize))
	for {
		var retry <-chan time.Time
		if m.ready(ctx) {
			if j, jobCtx := m.next(ctx); j != nil {
				m.process(ctx, jobCtx, j)
				continue
			}
		} else {
			retry = time.After(m.cfg.PollInterval)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return context.Cause(ctx)
		case <-m.wake:
		case <-retry:
		}
	}
}

// ready 在活动槽空闲且有任务排队时确认执行组件没有正在进行的打印。
// 状态不可读同样视为未就绪。
func (m *Monitor) ready(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	m.mu.Lock()
	pending := len(m.queue) > 0
	m.mu.Unlock()
	if !pending || m.slot.Current() != nil {
		return true
	}
	sctx, cancel := context.WithTimeout(ctx, m.cfg.CancelTimeout)
	defer cancel()
	st, err := m.deps.Execution.Status(sctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			m.logger.Debug("execution status unavailable, jobs stay queued", slog.Any("err", err))
		}
		return false
	case st.State.Active():
		m.logger.Debug("execution busy, jobs stay queued",
			slog.String("state", string(st.State)),
			slog.String("filename", st.Filename))
		return false
	}
	return true
}

func (m *Monitor) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// next 取出最高优先级的任务并占用活动槽。取消函数在出队的同一临界区内挂上，
// 保证 Abort 总能找到它。
func (m *Monitor) next(ctx context.Context) (*printJob, context.Context) {
	if ctx.Err() != nil {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, nil
	}
	j := m.queue[0]
	if err := m.slot.Acquire(j); err != nil {
		return nil, nil
	}
	heap.Pop(&m.queue)
	jobCtx, cancel := context.WithCancelCause(ctx)
	j.cancel = cancel
	m.cfg.Metrics.setQueueDepth(len(m.queue))
	m.cfg.Metrics.setActive(true)
	return j, jobCtx
}

func (m *Monitor) process(ctx, jobCtx context.Context, j *printJob) {
	m.mu.Lock()
	cancel := j.cancel
	m.mu.Unlock()
	defer cancel(nil)

	started := m.cfg.Clock.Now()
	logger := m.logger.With(slog.String("job", j.desc.JobID), slog.String("virtual_name", j.virtualName))
	res := m.execute(jobCtx, j, logger)
	if res.Err != nil && jobCtx.Err() != nil {
		res.Err = context.Cause(jobCtx)
		if !apierrors.HasCode(res.Err, apierrors.CodeAborted) {
			res.Err = apierrors.Wrap(apierrors.CodeAborted, "monitor stopped", res.Err)
		}
	}

	// 描述符一旦宣告，执行组件就可能持有缓冲区；未观察到终态的失败都要显式取消。
	m.mu.Lock()
	announced := j.announced
	m.mu.Unlock()
	if res.Err != nil && announced && !res.Observed {
		m.cancelExecution(ctx, j.virtualName, logger)
	}

	m.mu.Lock()
	var stats *report.Stats
	if res.Reads > 0 && res.Stats != (report.Stats{}) {
		s := res.Stats
		stats = &s
	}
	outcome := m.finishLocked(j, res.State, res.Err, stats)
	final := j.state
	j.cancel = nil
	m.mu.Unlock()
	m.slot.Release(j)
	m.cfg.Metrics.setActive(false)
	m.cfg.Metrics.finished(final, outcome.Reason, m.cfg.Clock.Now().Sub(started).Seconds())

	if res.Err != nil {
		logger.Warn("job failed", slog.String("reason", outcome.Reason), slog.Any("err", res.Err))
	} else {
		logger.Info("job completed", slog.Int("status_reads", res.Reads))
	}
	m.report(ctx, outcome)
}

// execute 按顺序推进流水线，返回终态结论。
func (m *Monitor) execute(ctx context.Context, j *printJob, logger *slog.Logger) PollResult {
	fail := func(err error) PollResult { return PollResult{State: StateFailed, Err: err} }
	id := j.desc.JobID

	if err := m.advance(j, StateKeyResolving); err != nil {
		return fail(err)
	}
	m.update(ctx, j, report.StatusProcessing, "starting job", nil)
	key, err := m.deps.Keys.Resolve(ctx, id, j.desc.Cascade)
	if err != nil {
		return fail(err)
	}

	if err := m.advance(j, StateDecrypting); err != nil {
		key.Destroy()
		return fail(err)
	}
	buf, err := m.deps.Decryptor.Decrypt(ctx, id, j.desc.CiphertextRef, key)
	key.Destroy()
	if err != nil {
		return fail(err)
	}
	if err := context.Cause(ctx); err != nil {
		_ = buf.Close()
		return fail(err)
	}

	m.mu.Lock()
	j.announced = true
	m.mu.Unlock()
	receipt, err := m.deps.Handoff.Handoff(ctx, buf, j.virtualName)
	if err != nil {
		return fail(err)
	}
	if err := m.advance(j, StateHandedOff); err != nil {
		return fail(err)
	}
	logger.Info("buffer handed off", slog.Int64("size", receipt.Size), slog.Int("pid", receipt.PID))

	if err := m.deps.Execution.StartPrint(ctx, j.virtualName); err != nil {
		if !apierrors.HasCode(err, apierrors.CodeProtocol) && ctx.Err() == nil {
			err = apierrors.Wrap(apierrors.CodeExecution, "start print", err)
		}
		return fail(err)
	}
	if err := m.advance(j, StateExecutionPending); err != nil {
		return fail(err)
	}
	m.update(ctx, j, report.StatusPrinting, "print started", nil)

	gate := &progressGate{step: m.cfg.ProgressStep, interval: m.cfg.ProgressInterval, clock: m.cfg.Clock}
	poll := NewPollTask(m.deps.Execution, PollConfig{
		Interval:    m.cfg.PollInterval,
		MaxWait:     m.cfg.MaxWait,
		VirtualName: j.virtualName,
		OnActive: func(st execchannel.PrintStatus) {
			percent := st.Progress * 100
			if !gate.allow(percent) {
				return
			}
			m.update(ctx, j, report.StatusPrinting, "", &report.Progress{
				Percent:       percent,
				PrintDuration: st.PrintDuration,
				Lines:         st.Lines,
			})
		},
		Logger:  logger,
		Metrics: m.cfg.Metrics,
	})
	// 轮询脱离任务 ctx 运行，任务取消时以相同原因结束轮询。
	if err := poll.Start(context.WithoutCancel(ctx)); err != nil {
		return fail(err)
	}
	stop := context.AfterFunc(ctx, func() { poll.Cancel(context.Cause(ctx)) })
	defer stop()
	res, err := poll.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return fail(err)
	}
	return res
}

func (m *Monitor) advance(j *printJob, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkTransition(j.state, to); err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "advance job", err)
	}
	m.setStateLocked(j, to)
	m.logger.Debug("job state changed", slog.String("job", j.desc.JobID), slog.String("state", string(to)))
	return nil
}

func (m *Monitor) setStateLocked(j *printJob, to State) {
	now := m.cfg.Clock.Now()
	j.state = to
	j.updatedAt = now
	j.history = append(j.history, Transition{State: to, At: now})
}

// cancelExecution 使用独立的超时，任务 ctx 此时可能已取消。
func (m *Monitor) cancelExecution(ctx context.Context, name string, logger *slog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CancelTimeout)
	defer cancel()
	if err := m.deps.Execution.CancelPrint(cctx, name); err != nil {
		logger.Warn("cancel execution failed", slog.Any("err", err))
		return
	}
	logger.Info("execution cancelled")
}

// finishLocked 进入终态并放入最近结束列表，返回待上报的结果。
func (m *Monitor) finishLocked(j *printJob, state State, err error, stats *report.Stats) report.Outcome {
	if state != StateCompleted || err != nil || !CanTransition(j.state, StateCompleted) {
		state = StateFailed
	}
	m.setStateLocked(j, state)
	j.stats = stats
	outcome := report.Outcome{
		JobID:      j.desc.JobID,
		Status:     report.StatusCompleted,
		Stats:      stats,
		ReportedAt: j.updatedAt,
	}
	if state == StateFailed {
		if err == nil {
			err = apierrors.New(apierrors.CodeInternal, "job failed")
		}
		j.reason = string(apierrors.ReasonFor(err))
		j.errDetail = err.Error()
		outcome.Status = report.StatusFailed
		outcome.Reason = j.reason
		outcome.Error = j.errDetail
	}

	m.recent = append(m.recent, j)
	if len(m.recent) > m.cfg.RecentSize {
		evicted := m.recent[0]
		m.recent = m.recent[1:]
		if m.jobs[evicted.desc.JobID] == evicted {
			delete(m.jobs, evicted.desc.JobID)
		}
	}
	return outcome
}

// update 上报非终态进展，失败只记录日志。
func (m *Monitor) update(ctx context.Context, j *printJob, status report.Status, message string, progress *report.Progress) {
	m.report(ctx, report.Outcome{
		JobID:      j.desc.JobID,
		Status:     status,
		Message:    message,
		Progress:   progress,
		ReportedAt: m.cfg.Clock.Now(),
	})
}

func (m *Monitor) report(ctx context.Context, o report.Outcome) {
	if err := m.deps.Reporter.Report(context.WithoutCancel(ctx), o); err != nil {
		m.logger.Error("report outcome failed", slog.Any("outcome", o), slog.Any("err", err))
	}
}

func (m *Monitor) statusLocked(j *printJob) JobStatus {
	st := j.status()
	st.QueuePosition = m.queue.position(j)
	return st
}

// progressGate 节流进度上报：增量不足 step 且距上次不足 interval 时跳过，首次总是放行。
type progressGate struct {
	step     float64
	interval time.Duration
	clock    Clock

	sent   bool
	last   float64
	lastAt time.Time
}

func (g *progressGate) allow(percent float64) bool {
	now := g.clock.Now()
	if g.sent && percent-g.last < g.step && now.Sub(g.lastAt) < g.interval {
		return false
	}
	g.sent, g.last, g.lastAt = true, percent, now
	return true
}
