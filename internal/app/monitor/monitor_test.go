package monitor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lmnt-print/printhost/internal/app/decryptor"
	"github.com/lmnt-print/printhost/internal/app/handoff"
	"github.com/lmnt-print/printhost/internal/app/keyunwrap"
	"github.com/lmnt-print/printhost/internal/app/payload"
	"github.com/lmnt-print/printhost/internal/app/report"
	"github.com/lmnt-print/printhost/internal/infra/execchannel"
	"github.com/lmnt-print/printhost/internal/infra/securebuf"
	"github.com/lmnt-print/printhost/pkg/apierrors"
)

var testContentKey = bytes.Repeat([]byte{0x42}, keyunwrap.KeySize)

type fakeKeys struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeKeys) Resolve(ctx context.Context, jobID string, _ keyunwrap.Cascade) (*keyunwrap.ContentKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return keyunwrap.NewContentKey(append([]byte(nil), testContentKey...))
}

// memSource 以任务 id 为 ref 返回密文；ref 为 "hold" 时读取阻塞直到连接被关闭，
// 为 "gone" 时返回不可重试的下载错误。
type memSource struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	opened chan string
}

func (s *memSource) Open(ctx context.Context, ref string, offset int64) (io.ReadCloser, error) {
	select {
	case s.opened <- ref:
	default:
	}
	switch ref {
	case "hold":
		pr, _ := io.Pipe()
		return pr, nil
	case "gone":
		return nil, apierrors.New(apierrors.CodeDownload, "ciphertext returned status 404").AsFatal()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[ref]
	if !ok {
		return nil, apierrors.New(apierrors.CodeNotFound, "no such blob")
	}
	return io.NopCloser(bytes.NewReader(blob[offset:])), nil
}

// loopAnnouncer 把描述符直接登记到 receiver，设置 via 后改由它宣告。
type loopAnnouncer struct {
	receiver *handoff.Receiver

	mu  sync.Mutex
	via handoff.Announcer
}

func (a *loopAnnouncer) RegisterBuffer(ctx context.Context, name string, pid, fd int) error {
	a.mu.Lock()
	via := a.via
	a.mu.Unlock()
	if via != nil {
		return via.RegisterBuffer(ctx, name, pid, fd)
	}
	_, err := a.receiver.Register(name, pid, fd)
	return err
}

// recordingReporter 终态报告进入 ch，非终态进展单独记录。
type recordingReporter struct {
	mu       sync.Mutex
	outcomes []report.Outcome
	updates  []report.Outcome
	ch       chan report.Outcome
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{ch: make(chan report.Outcome, 16)}
}

func (r *recordingReporter) Report(_ context.Context, o report.Outcome) error {
	r.mu.Lock()
	if !o.Status.Terminal() {
		r.updates = append(r.updates, o)
		r.mu.Unlock()
		return nil
	}
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
	r.ch <- o
	return nil
}

func (r *recordingReporter) updatesFor(jobID string) []report.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []report.Outcome
	for _, o := range r.updates {
		if o.JobID == jobID {
			out = append(out, o)
		}
	}
	return out
}

func (r *recordingReporter) next(t *testing.T) report.Outcome {
	t.Helper()
	select {
	case o := <-r.ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome reported")
		return report.Outcome{}
	}
}

type harness struct {
	mon      *Monitor
	keys     *fakeKeys
	announce *loopAnnouncer
	exec     *scriptedExec
	src      *memSource
	reports  *recordingReporter
	metrics  *Metrics
	receiver *handoff.Receiver
}

func newHarness(t *testing.T, cfg Config, script ...statusStep) *harness {
	t.Helper()
	receiver, err := handoff.NewReceiver(handoff.Loopback{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiver.Close() })
	announce := &loopAnnouncer{receiver: receiver}
	bridge, err := handoff.NewBridge(announce)
	require.NoError(t, err)

	src := &memSource{blobs: map[string][]byte{}, opened: make(chan string, 8)}
	dec, err := decryptor.New(src, decryptor.Config{MaxAttempts: 1, StallTimeout: time.Minute})
	require.NoError(t, err)

	h := &harness{
		keys:     &fakeKeys{},
		announce: announce,
		exec:     &scriptedExec{script: script, receiver: receiver, gated: true},
		src:      src,
		reports:  newRecordingReporter(),
		metrics:  NewMetrics(prometheus.NewRegistry()),
		receiver: receiver,
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	cfg.Metrics = h.metrics
	h.mon, err = New(Deps{
		Keys:      h.keys,
		Decryptor: dec,
		Handoff:   bridge,
		Execution: h.exec,
		Reporter:  h.reports,
	}, cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.mon.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// job 构造描述，并为其准备密文 "G28\nG1 X10\n"。
func (h *harness) job(t *testing.T, id string, priority int) Descriptor {
	t.Helper()
	blob, err := payload.Seal([]byte("G28\nG1 X10\n"), testContentKey, id, payload.Options{ChunkSize: 8})
	require.NoError(t, err)
	h.src.mu.Lock()
	h.src.blobs[id] = blob
	h.src.mu.Unlock()
	return Descriptor{
		JobID:         id,
		CiphertextRef: id,
		Filename:      id + ".gcode",
		Priority:      priority,
		Cascade: keyunwrap.Cascade{
			Device: keyunwrap.Envelope{Level: keyunwrap.LevelDevice, KeyID: "dk-1", Blob: []byte("device")},
			Job:    keyunwrap.Envelope{Level: keyunwrap.LevelJob, Blob: []byte("job")},
		},
	}
}

func (h *harness) waitState(t *testing.T, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := h.mon.Query(id)
		return err == nil && st.State == want
	}, 5*time.Second, time.Millisecond, "job %s never reached %s", id, want)
}

func statesOf(history []Transition) []State {
	out := make([]State, 0, len(history))
	for _, tr := range history {
		out = append(out, tr.State)
	}
	return out
}

func TestMonitorCompletesJob(t *testing.T) {
	base := securebuf.Live()
	h := newHarness(t, Config{},
		active(""), active(""), active(""), terminal("", execchannel.StateComplete, ""))
	h.run(t)

	st, err := h.mon.Intake(h.job(t, "job-1", 0))
	require.NoError(t, err)
	require.Equal(t, StateReceived, st.State)

	out := h.reports.next(t)
	require.Equal(t, "job-1", out.JobID)
	require.Equal(t, report.StatusCompleted, out.Status)
	require.Empty(t, out.Reason)
	require.Empty(t, out.Error)
	require.NotNil(t, out.Stats)
	require.Equal(t, int64(3), out.Stats.Lines)

	st, err = h.mon.Query("job-1")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st.State)
	require.Equal(t, []State{
		StateReceived, StateKeyResolving, StateDecrypting,
		StateHandedOff, StateExecutionPending, StateCompleted,
	}, statesOf(st.History))

	h.exec.mu.Lock()
	require.Equal(t, []string{st.VirtualName}, h.exec.started)
	require.Equal(t, 4, h.exec.reads)
	h.exec.mu.Unlock()
	require.False(t, h.mon.Busy())
	require.Equal(t, base, securebuf.Live())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.results.WithLabelValues(string(StateCompleted), "")))
}

func TestSecondJobStaysReceivedWhileFirstIsActive(t *testing.T) {
	h := newHarness(t, Config{}, active(""), terminal("", execchannel.StateComplete, ""))
	h.run(t)

	first := h.job(t, "job-a", 0)
	first.CiphertextRef = "hold"
	_, err := h.mon.Intake(first)
	require.NoError(t, err)
	h.waitState(t, "job-a", StateDecrypting)

	_, err = h.mon.Intake(h.job(t, "job-b", 0))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	st, err := h.mon.Query("job-b")
	require.NoError(t, err)
	require.Equal(t, StateReceived, st.State)
	require.Equal(t, 1, st.QueuePosition)
	require.True(t, h.mon.Busy())

	snap := h.mon.Snapshot()
	require.NotNil(t, snap.Active)
	require.Equal(t, "job-a", snap.Active.JobID)
	require.Len(t, snap.Queued, 1)

	_, err = h.mon.Abort("job-a")
	require.NoError(t, err)
	require.Equal(t, "job-a", h.reports.next(t).JobID)
	out := h.reports.next(t)
	require.Equal(t, "job-b", out.JobID)
	require.Equal(t, report.StatusCompleted, out.Status)
}

func TestAbortInDecryptingReleasesBuffer(t *testing.T) {
	base := securebuf.Live()
	h := newHarness(t, Config{})
	h.run(t)

	desc := h.job(t, "job-abort", 0)
	desc.CiphertextRef = "hold"
	_, err := h.mon.Intake(desc)
	require.NoError(t, err)
	select {
	case ref := <-h.src.opened:
		require.Equal(t, "hold", ref)
	case <-time.After(5 * time.Second):
		t.Fatal("ciphertext never opened")
	}
	h.waitState(t, "job-abort", StateDecrypting)
	require.Greater(t, securebuf.Live(), base)

	st, err := h.mon.Abort("job-abort")
	require.NoError(t, err)
	require.Equal(t, StateDecrypting, st.State)

	out := h.reports.next(t)
	require.Equal(t, report.StatusFailed, out.Status)
	require.Equal(t, string(apierrors.ReasonAborted), out.Reason)
	require.Equal(t, base, securebuf.Live())
	_, cancels := h.exec.counts()
	require.Zero(t, cancels, "execution is untouched before handoff")

	st, err = h.mon.Query("job-abort")
	require.NoError(t, err)
	require.Equal(t, StateFailed, st.State)
	require.Equal(t, "aborted", st.Reason)
}

func TestAbortDuringExecutionCancelsPrint(t *testing.T) {
	h := newHarness(t, Config{}, active(""))
	h.run(t)

	_, err := h.mon.Intake(h.job(t, "job-run", 0))
	require.NoError(t, err)
	h.waitState(t, "job-run", StateExecutionPending)

	_, err = h.mon.Abort("job-run")
	require.NoError(t, err)
	out := h.reports.next(t)
	require.Equal(t, string(apierrors.ReasonAborted), out.Reason)
	st, err := h.mon.Query("job-run")
	require.NoError(t, err)
	h.exec.mu.Lock()
	require.Equal(t, []string{st.VirtualName}, h.exec.cancelled)
	h.exec.mu.Unlock()
}

func TestExecutionTimeoutCancelsPrint(t *testing.T) {
	h := newHarness(t, Config{MaxWait: 30 * time.Millisecond}, active(""))
	h.run(t)

	_, err := h.mon.Intake(h.job(t, "job-slow", 0))
	require.NoError(t, err)
	out := h.reports.next(t)
	require.Equal(t, report.StatusFailed, out.Status)
	require.Equal(t, string(apierrors.ReasonTimeout), out.Reason)
	_, cancels := h.exec.counts()
	require.Equal(t, 1, cancels)
}

func TestExecutionErrorIsReported(t *testing.T) {
	h := newHarness(t, Config{}, active(""), terminal("", execchannel.StateError, "heater fault"))
	h.run(t)

	_, err := h.mon.Intake(h.job(t, "job-err", 0))
	require.NoError(t, err)
	out := h.reports.next(t)
	require.Equal(t, string(apierrors.ReasonExecution), out.Reason)
	require.Contains(t, out.Error, "heater fault")
	_, cancels := h.exec.counts()
	require.Zero(t, cancels)
}

func TestKeyFailureStopsPipeline(t *testing.T) {
	h := newHarness(t, Config{})
	h.keys.err = apierrors.New(apierrors.CodeEnvelope, "job envelope authentication failed")
	h.run(t)

	_, err := h.mon.Intake(h.job(t, "job-tamper", 0))
	require.NoError(t, err)
	out := h.reports.next(t)
	require.Equal(t, string(apierrors.ReasonTamper), out.Reason)
	select {
	case ref := <-h.src.opened:
		t.Fatalf("ciphertext %s opened after key failure", ref)
	default:
	}
	st, err := h.mon.Query("job-tamper")
	require.NoError(t, err)
	require.Equal(t, []State{StateReceived, StateKeyResolving, StateFailed}, statesOf(st.History))
}

func TestStartPrintFailureCancelsAnnouncedBuffer(t *testing.T) {
	base := securebuf.Live()
	h := newHarness(t, Config{})
	h.exec.startErr = apierrors.New(apierrors.CodeUnavailable, "exec channel closed")
	h.run(t)

	st, err := h.mon.Intake(h.job(t, "job-start", 0))
	require.NoError(t, err)
	out := h.reports.next(t)
	require.Equal(t, string(apierrors.ReasonExecution), out.Reason)

	h.exec.mu.Lock()
	require.Equal(t, []string{st.VirtualName}, h.exec.cancelled)
	h.exec.mu.Unlock()
	require.Zero(t, h.receiver.Len())
	require.Equal(t, base, securebuf.Live())
}

func TestIntakeOrdersByPriorityAndDedupes(t *testing.T) {
	h := newHarness(t, Config{})
	a, err := h.mon.Intake(h.job(t, "job-a", 0))
	require.NoError(t, err)
	_, err = h.mon.Intake(h.job(t, "job-b", 0))
	require.NoError(t, err)
	_, err = h.mon.Intake(h.job(t, "job-c", 5))
	require.NoError(t, err)

	again, err := h.mon.Intake(h.job(t, "job-a", 9))
	require.NoError(t, err)
	require.Equal(t, a.VirtualName, again.VirtualName)
	require.Equal(t, 0, again.Priority)

	for id, want := range map[string]int{"job-c": 1, "job-a": 2, "job-b": 3} {
		st, err := h.mon.Query(id)
		require.NoError(t, err)
		require.Equal(t, want, st.QueuePosition, id)
	}
	snap := h.mon.Snapshot()
	require.Nil(t, snap.Active)
	ids := []string{}
	for _, st := range snap.Queued {
		ids = append(ids, st.JobID)
	}
	require.Equal(t, []string{"job-c", "job-a", "job-b"}, ids)
	require.Equal(t, 3.0, testutil.ToFloat64(h.metrics.queueDepth))
}

func TestIntakeRejectsWhenQueueFull(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 1})
	_, err := h.mon.Intake(h.job(t, "job-1", 0))
	require.NoError(t, err)
	_, err = h.mon.Intake(h.job(t, "job-2", 0))
	require.True(t, apierrors.HasCode(err, apierrors.CodeBusy))
	apiErr, ok := apierrors.FromError(err)
	require.True(t, ok)
	require.Equal(t, "5", apiErr.RetryAfterHint())
}

func TestIntakeValidates(t *testing.T) {
	h := newHarness(t, Config{})
	desc := h.job(t, "job-1", 0)
	desc.JobID = "../etc"
	_, err := h.mon.Intake(desc)
	require.True(t, apierrors.HasCode(err, apierrors.CodeInvalidArgument))

	desc = h.job(t, "job-2", 0)
	desc.Cascade.Job.Blob = nil
	_, err = h.mon.Intake(desc)
	require.True(t, apierrors.HasCode(err, apierrors.CodeInvalidArgument))
}

func TestAbortQueuedJob(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.mon.Intake(h.job(t, "job-q", 0))
	require.NoError(t, err)

	st, err := h.mon.Abort("job-q")
	require.NoError(t, err)
	require.Equal(t, StateFailed, st.State)
	require.Equal(t, "aborted", st.Reason)
	require.Equal(t, string(apierrors.ReasonAborted), h.reports.next(t).Reason)
	require.False(t, h.mon.Busy())

	again, err := h.mon.Abort("job-q")
	require.NoError(t, err)
	require.Equal(t, StateFailed, again.State)

	_, err = h.mon.Abort("missing")
	require.True(t, apierrors.HasCode(err, apierrors.CodeNotFound))
	_, err = h.mon.Query("missing")
	require.True(t, apierrors.HasCode(err, apierrors.CodeNotFound))
}

func TestRecentJobsAreBounded(t *testing.T) {
	h := newHarness(t, Config{RecentSize: 1})
	for _, id := range []string{"job-1", "job-2"} {
		_, err := h.mon.Intake(h.job(t, id, 0))
		require.NoError(t, err)
		_, err = h.mon.Abort(id)
		require.NoError(t, err)
	}
	_, err := h.mon.Query("job-1")
	require.True(t, apierrors.HasCode(err, apierrors.CodeNotFound))
	st, err := h.mon.Query("job-2")
	require.NoError(t, err)
	require.Equal(t, StateFailed, st.State)
	require.Len(t, h.mon.Snapshot().Recent, 1)
}

func TestFeedSkipsWhileBusy(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.mon.Intake(h.job(t, "job-queued", 0))
	require.NoError(t, err)

	fed := h.job(t, "job-fed", 0)
	var mu sync.Mutex
	pulls := 0
	src := JobSourceFunc(func(context.Context) (*Descriptor, error) {
		mu.Lock()
		defer mu.Unlock()
		pulls++
		if pulls == 1 {
			return &fed, nil
		}
		return nil, errors.New("source offline")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Feed(ctx, h.mon, src, time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Zero(t, pulls, "monitor is busy with a queued job")
	mu.Unlock()

	_, err = h.mon.Abort("job-queued")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := h.mon.Query("job-fed")
		return err == nil
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}

func TestPipelineFailuresReleaseBuffers(t *testing.T) {
	deadChannel := execchannel.NewClient(execchannel.ClientConfig{
		SocketPath: filepath.Join(t.TempDir(), "missing.sock"),
	})
	cases := []struct {
		name    string
		prepare func(h *harness, desc *Descriptor)
		reason  apierrors.Reason
	}{
		{
			name: "corrupted payload",
			prepare: func(h *harness, desc *Descriptor) {
				h.src.mu.Lock()
				blob := h.src.blobs[desc.CiphertextRef]
				blob[len(blob)-1] ^= 0xFF
				h.src.mu.Unlock()
			},
			reason: apierrors.ReasonIntegrity,
		},
		{
			name:    "ciphertext gone",
			prepare: func(_ *harness, desc *Descriptor) { desc.CiphertextRef = "gone" },
			reason:  apierrors.ReasonDownload,
		},
		{
			name: "execution channel down",
			prepare: func(h *harness, _ *Descriptor) {
				h.announce.mu.Lock()
				h.announce.via = deadChannel
				h.announce.mu.Unlock()
			},
			reason: apierrors.ReasonHandoff,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			base := securebuf.Live()
			h := newHarness(t, Config{})
			desc := h.job(t, "job-fail", 0)
			tc.prepare(h, &desc)
			h.run(t)

			_, err := h.mon.Intake(desc)
			require.NoError(t, err)
			out := h.reports.next(t)
			require.Equal(t, report.StatusFailed, out.Status)
			require.Equal(t, string(tc.reason), out.Reason, out.Error)
			require.Zero(t, h.receiver.Len())
			require.Equal(t, base, securebuf.Live())
			h.exec.mu.Lock()
			require.Empty(t, h.exec.started)
			h.exec.mu.Unlock()
		})
	}
}

func TestJobWaitsForIdleExecution(t *testing.T) {
	h := newHarness(t, Config{}, active(""), terminal("", execchannel.StateComplete, ""))
	h.exec.setIdle(execchannel.PrintStatus{State: execchannel.StatePrinting, Filename: "other.gcode"})
	h.run(t)

	_, err := h.mon.Intake(h.job(t, "job-wait", 0))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h.exec.mu.Lock()
		defer h.exec.mu.Unlock()
		return h.exec.idleReads >= 3
	}, 5*time.Second, time.Millisecond)

	st, err := h.mon.Query("job-wait")
	require.NoError(t, err)
	require.Equal(t, StateReceived, st.State)
	require.Equal(t, 1, st.QueuePosition)
	h.keys.mu.Lock()
	require.Zero(t, h.keys.calls)
	h.keys.mu.Unlock()

	h.exec.setIdle(execchannel.PrintStatus{State: execchannel.StateComplete, Filename: "other.gcode"})
	out := h.reports.next(t)
	require.Equal(t, "job-wait", out.JobID)
	require.Equal(t, report.StatusCompleted, out.Status)
}

func TestProgressUpdatesAreThrottled(t *testing.T) {
	progress := func(p float64) statusStep {
		step := active("")
		step.status.Progress = p
		step.status.Lines = int64(p * 100)
		return step
	}
	h := newHarness(t, Config{ProgressStep: 5, ProgressInterval: time.Hour},
		progress(0.01), progress(0.02), progress(0.04), progress(0.07), progress(0.08), progress(0.20),
		terminal("", execchannel.StateComplete, ""))
	h.run(t)

	_, err := h.mon.Intake(h.job(t, "job-progress", 0))
	require.NoError(t, err)
	require.Equal(t, report.StatusCompleted, h.reports.next(t).Status)

	updates := h.reports.updatesFor("job-progress")
	require.GreaterOrEqual(t, len(updates), 2)
	require.Equal(t, report.StatusProcessing, updates[0].Status)
	require.Nil(t, updates[0].Progress)
	require.Equal(t, report.StatusPrinting, updates[1].Status)
	require.Nil(t, updates[1].Progress)

	var percents []float64
	for _, o := range updates[2:] {
		require.Equal(t, report.StatusPrinting, o.Status)
		require.NotNil(t, o.Progress)
		percents = append(percents, o.Progress.Percent)
	}
	require.Len(t, percents, 3)
	require.InDelta(t, 1, percents[0], 1e-9)
	require.InDelta(t, 7, percents[1], 1e-9)
	require.InDelta(t, 20, percents[2], 1e-9)
}

func TestProgressGateHonoursInterval(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	gate := &progressGate{step: 5, interval: 2 * time.Minute, clock: clock}
	require.True(t, gate.allow(0), "first update always passes")
	require.False(t, gate.allow(3))
	clock.advance(2 * time.Minute)
	require.True(t, gate.allow(3))
	require.True(t, gate.allow(8))
	require.False(t, gate.allow(12.9))
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestExecutionStatusReadsChannel(t *testing.T) {
	h := newHarness(t, Config{})
	h.exec.setIdle(execchannel.PrintStatus{State: execchannel.StatePaused, Filename: "other.gcode"})
	st, err := h.mon.ExecutionStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, execchannel.StatePaused, st.State)
	require.Equal(t, "other.gcode", st.Filename)
}
