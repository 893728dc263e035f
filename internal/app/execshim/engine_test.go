package execshim

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lmnt-print/printhost/internal/app/handoff"
	"github.com/lmnt-print/printhost/internal/infra/execchannel"
	"github.com/lmnt-print/printhost/internal/infra/securebuf"
	"github.com/lmnt-print/printhost/pkg/apierrors"
)

func register(t *testing.T, r *handoff.Receiver, name, content string) {
	t.Helper()
	buf, err := securebuf.New(name)
	require.NoError(t, err)
	defer buf.Close()
	_, err = buf.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, buf.Seal())
	_, err = r.Register(name, os.Getpid(), buf.Fd())
	require.NoError(t, err)
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
	fail  string
}

func (s *recordingSink) Consume(_ context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != "" && line == s.fail {
		return errors.New("thermal runaway")
	}
	s.lines = append(s.lines, line)
	return nil
}

func newEngine(t *testing.T, cfg Config) (*Engine, *handoff.Receiver) {
	t.Helper()
	receiver, err := handoff.NewReceiver(handoff.Loopback{})
	require.NoError(t, err)
	t.Cleanup(func() { receiver.Close() })
	engine, err := New(receiver, cfg)
	require.NoError(t, err)
	return engine, receiver
}

func TestPrintCompletes(t *testing.T) {
	base := securebuf.Live()
	sink := &recordingSink{}
	engine, receiver := newEngine(t, Config{Sink: sink})
	program := "; header\nG28\nG1 X10 ; move\n\nM84"
	register(t, receiver, "job.gcode", program)

	st, err := engine.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, execchannel.StateStandby, st.State)

	require.NoError(t, engine.StartPrint(context.Background(), "job.gcode"))
	require.NoError(t, engine.Wait(context.Background()))

	st, err = engine.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, execchannel.StateComplete, st.State)
	require.Empty(t, st.Message)
	require.Equal(t, "job.gcode", st.Filename)
	require.Equal(t, int64(len(program)), st.Size)
	require.Equal(t, st.Size, st.Position)
	require.Equal(t, int64(5), st.Lines)
	require.Equal(t, 1.0, st.Progress)
	require.Equal(t, []string{"G28", "G1 X10", "M84"}, sink.lines)
	require.Equal(t, base, securebuf.Live())

	err = engine.StartPrint(context.Background(), "job.gcode")
	require.True(t, apierrors.HasCode(err, apierrors.CodeNotFound), "stream is consumed once")
}

func TestSinkErrorEndsInError(t *testing.T) {
	engine, receiver := newEngine(t, Config{Sink: &recordingSink{fail: "M104 S999"}})
	register(t, receiver, "job.gcode", "G28\nM104 S999\nG1 X1\n")
	require.NoError(t, engine.StartPrint(context.Background(), "job.gcode"))
	require.NoError(t, engine.Wait(context.Background()))

	st, _ := engine.Status(context.Background())
	require.Equal(t, execchannel.StateError, st.State)
	require.Equal(t, "thermal runaway", st.Message)
	require.Equal(t, int64(1), st.Lines)
}

func TestCancelAndBusy(t *testing.T) {
	engine, receiver := newEngine(t, Config{LineDelay: time.Hour})
	register(t, receiver, "a.gcode", "G28\nG1 X1\n")
	register(t, receiver, "b.gcode", "G28\n")

	require.NoError(t, engine.StartPrint(context.Background(), "a.gcode"))
	err := engine.StartPrint(context.Background(), "b.gcode")
	require.True(t, apierrors.HasCode(err, apierrors.CodeBusy))

	require.NoError(t, engine.CancelPrint(context.Background(), ""))
	st, _ := engine.Status(context.Background())
	require.Equal(t, execchannel.StateCancelled, st.State)
	require.True(t, st.State.Terminal())
	require.NoError(t, engine.CancelPrint(context.Background(), ""), "cancel without a print is a no-op")

	require.NoError(t, engine.StartPrint(context.Background(), "b.gcode"))
	require.NoError(t, engine.CancelPrint(context.Background(), "b.gcode"))
}

func TestCancelReleasesUnstartedBuffer(t *testing.T) {
	base := securebuf.Live()
	engine, receiver := newEngine(t, Config{LineDelay: time.Hour})
	register(t, receiver, "other.gcode", "G28\nG1 X1\n")
	register(t, receiver, "lmnt-job.gcode", "G28\n")
	require.Equal(t, 2, receiver.Len())

	require.NoError(t, engine.StartPrint(context.Background(), "other.gcode"))
	err := engine.StartPrint(context.Background(), "lmnt-job.gcode")
	require.True(t, apierrors.HasCode(err, apierrors.CodeBusy))
	require.Equal(t, 1, receiver.Len(), "rejected start leaves the buffer registered")

	require.NoError(t, engine.CancelPrint(context.Background(), "lmnt-job.gcode"))
	require.Zero(t, receiver.Len())
	st, _ := engine.Status(context.Background())
	require.Equal(t, execchannel.StatePrinting, st.State, "a print under another name keeps running")
	require.Equal(t, "other.gcode", st.Filename)

	require.NoError(t, engine.CancelPrint(context.Background(), "other.gcode"))
	require.NoError(t, engine.Wait(context.Background()))
	require.Equal(t, base, securebuf.Live())
}
