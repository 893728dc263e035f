package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lmnt-print/printhost/internal/infra/backoff"
	"github.com/lmnt-print/printhost/internal/infra/outbox"
)

type stubSink struct {
	mu       sync.Mutex
	count    atomic.Int64
	failures atomic.Int64
	got      []Outcome
}

func (s *stubSink) Deliver(_ context.Context, o Outcome) error {
	s.count.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return errors.New("reporter returned 503")
	}
	s.mu.Lock()
	s.got = append(s.got, o)
	s.mu.Unlock()
	return nil
}

func (s *stubSink) delivered() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.got...)
}

func fastConfig(reg prometheus.Registerer) Config {
	return Config{
		MaxQueue:      4,
		Workers:       1,
		Backoff:       backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		FlushInterval: time.Hour,
		Metrics:       NewMetrics(reg),
	}
}

func openOutbox(t *testing.T) *outbox.Outbox {
	t.Helper()
	box, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { box.Close() })
	return box
}

func TestDispatcherDelivers(t *testing.T) {
	sink := &stubSink{}
	cfg := fastConfig(prometheus.NewRegistry())
	d, err := NewDispatcher(cfg, sink, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	require.NoError(t, d.Report(context.Background(), Outcome{JobID: "job-1", Status: StatusCompleted}))
	require.Eventually(t, func() bool { return len(sink.delivered()) == 1 }, time.Second, 5*time.Millisecond)

	got := sink.delivered()[0]
	require.Equal(t, "job-1", got.JobID)
	require.NotEmpty(t, got.ID)
	require.False(t, got.ReportedAt.IsZero())
	require.Equal(t, float64(1), testutil.ToFloat64(cfg.Metrics.results.WithLabelValues("delivered")))
}

func TestDispatcherRetriesUpToMaxAttempts(t *testing.T) {
	sink := &stubSink{}
	sink.failures.Store(2)
	box := openOutbox(t)
	d, err := NewDispatcher(fastConfig(prometheus.NewRegistry()), sink, box)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	require.NoError(t, d.Report(context.Background(), Outcome{JobID: "job-retry", Status: StatusFailed, Reason: "integrity"}))
	require.Eventually(t, func() bool { return len(sink.delivered()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(3), sink.count.Load())

	n, err := box.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDispatcherPersistsAndFlushes(t *testing.T) {
	sink := &stubSink{}
	sink.failures.Store(3)
	box := openOutbox(t)
	d, err := NewDispatcher(fastConfig(prometheus.NewRegistry()), sink, box)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	require.NoError(t, d.Report(context.Background(), Outcome{JobID: "job-down", Status: StatusFailed, Reason: "timeout"}))
	require.Eventually(t, func() bool {
		n, _ := box.Count(context.Background())
		return n == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(3), sink.count.Load())

	recs, err := box.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 3, recs[0].Attempts)
	require.Equal(t, "job-down", recs[0].JobID)

	delivered, err := d.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.Len(t, sink.delivered(), 1)
	require.Equal(t, "timeout", sink.delivered()[0].Reason)

	n, err := box.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDispatcherRateLimit(t *testing.T) {
	sink := &stubSink{}
	cfg := fastConfig(prometheus.NewRegistry())
	cfg.RateLimit = 0.001
	d, err := NewDispatcher(cfg, sink, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	require.NoError(t, d.Report(context.Background(), Outcome{JobID: "job-a", Status: StatusCompleted}))
	err = d.Report(context.Background(), Outcome{JobID: "job-b", Status: StatusCompleted})
	require.ErrorIs(t, err, ErrRateLimited)

	box := openOutbox(t)
	cfg = fastConfig(prometheus.NewRegistry())
	cfg.RateLimit = 0.001
	withBox, err := NewDispatcher(cfg, sink, box)
	require.NoError(t, err)
	t.Cleanup(withBox.Close)
	require.NoError(t, withBox.Report(context.Background(), Outcome{JobID: "job-c", Status: StatusCompleted}))
	require.NoError(t, withBox.Report(context.Background(), Outcome{JobID: "job-d", Status: StatusCompleted}))
	n, err := box.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey(Outcome{ID: "1", JobID: "job", Status: StatusCompleted})
	b := IdempotencyKey(Outcome{ID: "2", JobID: "job", Status: StatusCompleted})
	c := IdempotencyKey(Outcome{JobID: "job", Status: StatusFailed, Reason: "aborted"})
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 32)
}

func TestDebugHandler(t *testing.T) {
	box := openOutbox(t)
	require.NoError(t, box.Save(context.Background(), outbox.Record{ID: "r", Key: "k", JobID: "j", Payload: []byte(`{}`)}))
	d, err := NewDispatcher(fastConfig(prometheus.NewRegistry()), &stubSink{}, box)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	rec := httptest.NewRecorder()
	d.DebugHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/reports", nil))
	var snap debugSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, 1, snap.OutboxPending)
	require.Equal(t, 1, snap.Workers)
}

func TestReportAfterClose(t *testing.T) {
	d, err := NewDispatcher(fastConfig(prometheus.NewRegistry()), &stubSink{}, nil)
	require.NoError(t, err)
	d.Close()
	d.Close()
	require.ErrorIs(t, d.Report(context.Background(), Outcome{JobID: "x", Status: StatusCompleted}), ErrClosed)
}

func TestCloseDuringBackoffPersistsReports(t *testing.T) {
	const total = 10
	sink := &stubSink{}
	sink.failures.Store(total)
	box := openOutbox(t)
	cfg := fastConfig(prometheus.NewRegistry())
	cfg.MaxQueue = 64
	cfg.MaxAttempts = 5
	cfg.Backoff = backoff.Config{Initial: 30 * time.Millisecond, Max: 30 * time.Millisecond}
	d, err := NewDispatcher(cfg, sink, box)
	require.NoError(t, err)

	for i := 0; i < total; i++ {
		o := Outcome{JobID: "job-" + strconv.Itoa(i), Status: StatusFailed, Reason: "timeout"}
		require.NoError(t, d.Report(context.Background(), o))
	}
	require.Eventually(t, func() bool { return sink.count.Load() >= total }, time.Second, time.Millisecond)
	d.Close()
	time.Sleep(80 * time.Millisecond)

	n, err := box.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, total, n+len(sink.delivered()), "every report is delivered or persisted exactly once")
}

func TestNonTerminalUpdatesAreNotPersisted(t *testing.T) {
	sink := &stubSink{}
	sink.failures.Store(100)
	box := openOutbox(t)
	cfg := fastConfig(prometheus.NewRegistry())
	d, err := NewDispatcher(cfg, sink, box)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	update := Outcome{JobID: "job-1", Status: StatusPrinting, Progress: &Progress{Percent: 40}}
	require.NoError(t, d.Report(context.Background(), update))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(cfg.Metrics.results.WithLabelValues("discarded")) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, int64(3), sink.count.Load())
	n, err := box.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestIdempotencyKeySeparatesProgress(t *testing.T) {
	at := func(p float64) string {
		return IdempotencyKey(Outcome{JobID: "job", Status: StatusPrinting, Progress: &Progress{Percent: p}})
	}
	require.NotEqual(t, at(10), at(15))
	require.Equal(t, at(10), at(10.01))
	require.NotEqual(t, at(10), IdempotencyKey(Outcome{JobID: "job", Status: StatusPrinting}))
	require.False(t, StatusPrinting.Terminal())
	require.True(t, StatusFailed.Terminal())
}
