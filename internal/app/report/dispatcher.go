package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lmnt-print/printhost/internal/infra/backoff"
	"github.com/lmnt-print/printhost/internal/infra/outbox"
)

var (
	// ErrQueueFull 当队列无可用 slot 且没有 outbox 时返回。
	ErrQueueFull = errors.New("report dispatcher queue full")
	// ErrRateLimited 表示命中速率限制且没有 outbox。
	ErrRateLimited = errors.New("report dispatcher rate limited")
	// ErrClosed 表示 Dispatcher 已关闭。
	ErrClosed = errors.New("report dispatcher closed")
)

// Outbox 持久化未送达的报告（outbox.Outbox）。
type Outbox interface {
	Save(ctx context.Context, rec outbox.Record) error
	Pending(ctx context.Context, limit int) ([]outbox.Record, error)
	MarkAttempt(ctx context.Context, id, lastErr string) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// Dispatcher 排队投递状态报告，有限次重试后终态报告转入 outbox，其余丢弃。
type Dispatcher struct {
	cfg     Config
	sink    Sink
	outbox  Outbox
	metrics *Metrics
	logger  *slog.Logger

	queue   chan *job
	stopCh  chan struct{}
	limiter *rate.Limiter
	closed  atomic.Bool

	mu       sync.Mutex
	inFlight map[string]*job
	// retries 是等待退避的报告，Close 时由其接管并落盘。
	retries map[*job]*time.Timer

	wg sync.WaitGroup
}

type job struct {
	outcome  Outcome
	key      string
	attempts int
	lastErr  string
	backoff  *backoff.Backoff
}

// NewDispatcher 创建并启动 worker 与 outbox 重投循环。outbox 可以为 nil。
func NewDispatcher(cfg Config, sink Sink, box Outbox) (*Dispatcher, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	normalized := cfg.normalize()
	d := &Dispatcher{
		cfg:      normalized,
		sink:     sink,
		outbox:   box,
		metrics:  normalized.Metrics,
		logger:   normalized.Logger,
		queue:    make(chan *job, normalized.MaxQueue),
		stopCh:   make(chan struct{}),
		inFlight: make(map[string]*job),
		retries:  make(map[*job]*time.Timer),
	}
	if normalized.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(normalized.RateLimit), normalized.RateBurst)
	}
	d.start()
	return d, nil
}

// Report 接收一条状态报告。入队或写入 outbox 成功即返回 nil；
// 非终态报告无法入队时被丢弃，同样返回 nil。
func (d *Dispatcher) Report(ctx context.Context, o Outcome) error {
	if o.JobID == "" {
		return errors.New("job id is required for report")
	}
	if d.closed.Load() {
		return ErrClosed
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.ReportedAt.IsZero() {
		o.ReportedAt = time.Now().UTC()
	}
	j := &job{outcome: o, key: IdempotencyKey(o), backoff: backoff.New(d.cfg.Backoff)}

	if d.limiter != nil && !d.limiter.Allow() {
		return d.persistOr(ctx, j, "rate limited", ErrRateLimited)
	}
	d.mu.Lock()
	if _, dup := d.inFlight[j.key]; dup {
		d.mu.Unlock()
		return nil
	}
	d.inFlight[j.key] = j
	d.mu.Unlock()

	select {
	case d.queue <- j:
		d.metrics.incQueueDepth()
		d.logger.Info("report enqueued", slog.Any("outcome", o), slog.String("report_id", o.ID))
		return nil
	default:
		d.forget(j.key)
		return d.persistOr(ctx, j, "queue full", ErrQueueFull)
	}
}

// Close 停止 worker 与重投循环。等待退避与仍在队列中的报告转入 outbox。
func (d *Dispatcher) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	close(d.stopCh)
	d.wg.Wait()

	d.mu.Lock()
	pending := d.retries
	d.retries = make(map[*job]*time.Timer)
	d.mu.Unlock()
	for j, timer := range pending {
		timer.Stop()
		d.forget(j.key)
		_ = d.persistOr(context.Background(), j, "dispatcher closed", ErrClosed)
	}
	for {
		select {
		case j := <-d.queue:
			d.metrics.decQueueDepth()
			d.forget(j.key)
			_ = d.persistOr(context.Background(), j, "dispatcher closed", ErrClosed)
		default:
			return
		}
	}
}

func (d *Dispatcher) start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop()
	}
	if d.outbox != nil {
		d.wg.Add(1)
		go d.flushLoop()
	}
}

func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case j := <-d.queue:
			if j == nil {
				continue
			}
			d.metrics.decQueueDepth()
			d.handleJob(j)
		}
	}
}

func (d *Dispatcher) handleJob(j *job) {
	j.attempts++
	start := time.Now()
	err := d.deliver(j.outcome)
	d.metrics.observeLatency(float64(time.Since(start).Milliseconds()))
	if err == nil {
		d.forget(j.key)
		d.metrics.incResult("delivered")
		d.logger.Info("report delivered", slog.Any("outcome", j.outcome), slog.Int("attempt", j.attempts))
		return
	}
	j.lastErr = err.Error()

	if j.attempts >= d.cfg.MaxAttempts {
		d.forget(j.key)
		d.logger.Warn("report delivery failed permanently",
			slog.Any("outcome", j.outcome),
			slog.Int("attempts", j.attempts),
			slog.Any("err", err))
		_ = d.persistOr(context.Background(), j, j.lastErr, err)
		return
	}

	delay := j.backoff.Next()
	d.metrics.incResult("retry")
	d.logger.Info("report retry scheduled",
		slog.String("job_id", j.outcome.JobID),
		slog.Int("attempt", j.attempts+1),
		slog.Duration("delay", delay),
		slog.Any("err", err))
	d.mu.Lock()
	d.retries[j] = time.AfterFunc(delay, func() { d.requeue(j) })
	d.mu.Unlock()
}

// requeue 在退避结束后把报告放回队列。Close 已接管的报告不再处理；
// 入队在 d.mu 内完成，Close 在取走 retries 之后才清空队列。
func (d *Dispatcher) requeue(j *job) {
	d.mu.Lock()
	if _, ok := d.retries[j]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.retries, j)
	queued := false
	select {
	case d.queue <- j:
		queued = true
	default:
	}
	d.mu.Unlock()
	if queued {
		d.metrics.incQueueDepth()
		return
	}
	d.forget(j.key)
	_ = d.persistOr(context.Background(), j, "queue full", ErrQueueFull)
}

func (d *Dispatcher) deliver(o Outcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliveryTimeout)
	defer cancel()
	return d.sink.Deliver(ctx, o)
}

func (d *Dispatcher) forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, key)
}

// persistOr 把终态报告写入 outbox；没有 outbox 时返回 fallback。非终态报告直接丢弃。
func (d *Dispatcher) persistOr(ctx context.Context, j *job, why string, fallback error) error {
	if !j.outcome.Status.Terminal() {
		d.metrics.incResult("discarded")
		d.logger.Debug("job update discarded", slog.Any("outcome", j.outcome), slog.String("why", why))
		return nil
	}
	if d.outbox == nil {
		d.metrics.incResult("dropped")
		d.logger.Error("report dropped", slog.Any("outcome", j.outcome), slog.String("why", why))
		return fallback
	}
	payload, err := json.Marshal(j.outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	rec := outbox.Record{
		ID:        j.outcome.ID,
		Key:       j.key,
		JobID:     j.outcome.JobID,
		Payload:   payload,
		Attempts:  j.attempts,
		LastError: why,
	}
	if err := d.outbox.Save(ctx, rec); err != nil {
		d.metrics.incResult("dropped")
		d.logger.Error("report outbox write failed", slog.Any("outcome", j.outcome), slog.Any("err", err))
		return fmt.Errorf("persist report: %w", err)
	}
	d.metrics.incResult("persisted")
	d.logger.Warn("report persisted to outbox", slog.Any("outcome", j.outcome), slog.String("why", why))
	return nil
}

func (d *Dispatcher) flushLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if _, err := d.Flush(context.Background()); err != nil {
				d.logger.Warn("report outbox flush failed", slog.Any("err", err))
			}
		}
	}
}

// Flush 重投 outbox 中的一批报告，返回成功送达的数量。
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	if d.outbox == nil {
		return 0, nil
	}
	if d.limiter != nil && !d.limiter.Allow() {
		return 0, nil
	}
	records, err := d.outbox.Pending(ctx, d.cfg.FlushBatch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, rec := range records {
		var o Outcome
		if err := json.Unmarshal(rec.Payload, &o); err != nil {
			d.logger.Error("report outbox record is corrupt, dropping", slog.String("report_id", rec.ID), slog.Any("err", err))
			_ = d.outbox.Delete(ctx, rec.ID)
			continue
		}
		if err := d.deliver(o); err != nil {
			d.metrics.incResult("redeliver_failed")
			if markErr := d.outbox.MarkAttempt(ctx, rec.ID, err.Error()); markErr != nil {
				return delivered, markErr
			}
			continue
		}
		if err := d.outbox.Delete(ctx, rec.ID); err != nil {
			return delivered, err
		}
		delivered++
		d.metrics.incResult("redelivered")
		d.logger.Info("report redelivered from outbox", slog.Any("outcome", o), slog.Int("previous_attempts", rec.Attempts))
	}
	return delivered, nil
}
