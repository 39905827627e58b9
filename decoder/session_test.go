package decoder

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"
	"weak"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/asyncdecoder"
	"github.com/xaionaro-go/asyncdecoder/source"
)

const waitTimeout = 5 * time.Second

func threeChunks() []source.Chunk {
	return []source.Chunk{
		{Data: make([]byte, 100), PTS: 0},
		{Data: make([]byte, 100), PTS: 33 * time.Millisecond},
		{Data: nil, PTS: 66 * time.Millisecond},
	}
}

func newTestSession(
	t *testing.T,
	engine asyncdecoder.Engine,
	cfg asyncdecoder.Config,
	chunks ...source.Chunk,
) *Session {
	src := source.NewAdapter(source.NewMemory(chunks...))
	s, err := NewSession(context.Background(), engine, src.Read, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancelFn := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancelFn)
	return ctx
}

func TestSessionCallbackModel(t *testing.T) {
	ctx := context.Background()
	fe := newFakeEngine()
	s := newTestSession(t, fe, asyncdecoder.Config{}, threeChunks()...)
	require.Equal(t, StateCreated, s.State())
	require.NoError(t, s.Start(ctx))
	require.ErrorIs(t, s.Start(ctx), asyncdecoder.ErrAlreadyStarted)
	cb := fe.getCallbacks()

	for idx := 0; idx < 3; idx++ {
		cb.OnInputAvailable(asyncdecoder.BufferIndex(idx))
	}
	require.Eventually(t, s.IsInputDone, waitTimeout, time.Millisecond)
	queued := fe.getQueued()
	require.Len(t, queued, 3)
	assert.Equal(t, queuedInput{Index: 0, Size: 100}, queued[0])
	assert.Equal(t, queuedInput{Index: 1, Size: 100, PTS: 33 * time.Millisecond}, queued[1])
	assert.Equal(t, queuedInput{Index: 2, Size: 0, PTS: 66 * time.Millisecond, Flags: asyncdecoder.BufferFlagEndOfStream}, queued[2])
	require.Equal(t, StateInputDraining, s.State())

	// the engine announces an input buffer after the end of input
	cb.OnInputAvailable(0)
	require.Eventually(t, func() bool { return s.ProtocolViolations.Load() == 1 }, waitTimeout, time.Millisecond)
	require.Len(t, fe.getQueued(), 3)

	cb.OnFormatChanged(fe.format)
	cb.OnOutputAvailable(0, asyncdecoder.BufferInfo{Size: 10})
	cb.OnOutputAvailable(1, asyncdecoder.BufferInfo{Size: 10})
	require.Eventually(t, func() bool { return len(fe.getReleased()) == 2 }, waitTimeout, time.Millisecond)
	require.False(t, s.IsOutputDone())

	cb.OnOutputAvailable(2, asyncdecoder.BufferInfo{Flags: asyncdecoder.BufferFlagEndOfStream})
	require.NoError(t, s.Wait(waitCtx(t)))
	require.True(t, s.IsDone())
	require.Equal(t, StateDone, s.State())
	require.Equal(t, []asyncdecoder.BufferIndex{0, 1, 2}, fe.getReleased())
	require.Equal(t, fe.format, *s.OutputFormat())

	stats := s.GetStats()
	assert.Equal(t, uint64(3), stats.Input.BuffersQueued)
	assert.Equal(t, uint64(200), stats.Input.Bytes)
	assert.Equal(t, uint64(3), stats.Output.BuffersReleased)
	assert.Equal(t, uint64(1), stats.Output.FormatChanges)
	assert.Zero(t, stats.TaskFailures)

	require.NoError(t, s.Close())
	started, stopped, closed := fe.counters()
	require.Equal(t, [3]int{1, 1, 1}, [3]int{started, stopped, closed})
	require.ErrorIs(t, s.Close(), asyncdecoder.ErrClosed)

	// nothing is processed after the session is closed
	cb.OnOutputAvailable(3, asyncdecoder.BufferInfo{})
	time.Sleep(10 * time.Millisecond)
	require.Len(t, fe.getReleased(), 3)
}

func TestSessionPollingModel(t *testing.T) {
	ctx := context.Background()
	fe := newFakeEngine()
	s := newTestSession(t, fe, asyncdecoder.Config{
		ConcurrencyModel: asyncdecoder.ConcurrencyModelPolling,
	}, threeChunks()...)

	for idx := 0; idx < 3; idx++ {
		fe.polledInputs <- asyncdecoder.BufferIndex(idx)
	}
	fe.polledOutputs <- polledOutput{Index: -1, Err: asyncdecoder.ErrOutputFormatChanged}
	fe.polledOutputs <- polledOutput{Index: 0, Info: asyncdecoder.BufferInfo{Size: 1}}
	fe.polledOutputs <- polledOutput{Index: -1, Err: asyncdecoder.EngineError{Code: -5, Action: asyncdecoder.EngineErrorActionTransient}}
	fe.polledOutputs <- polledOutput{Index: 1, Info: asyncdecoder.BufferInfo{Size: 1}}
	fe.polledOutputs <- polledOutput{Index: 2, Info: asyncdecoder.BufferInfo{Flags: asyncdecoder.BufferFlagEndOfStream}}

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Wait(waitCtx(t)))

	require.Len(t, fe.getQueued(), 3)
	require.Equal(t, []asyncdecoder.BufferIndex{0, 1, 2}, fe.getReleased())
	require.NotNil(t, s.OutputFormat())
	require.Equal(t, fe.format, *s.OutputFormat())
	require.NotNil(t, s.LastEngineError())
	require.Equal(t, asyncdecoder.EngineErrorCode(-5), s.LastEngineError().Code)
	require.Equal(t, uint64(1), s.EngineErrors.Load())
	require.Equal(t, uint64(1), s.Output.FormatChanges.Load())
}

func TestSessionEngineError(t *testing.T) {
	for _, abort := range []bool{false, true} {
		abort := abort
		t.Run(map[bool]string{false: "tolerate", true: "abort"}[abort], func(t *testing.T) {
			ctx := context.Background()
			fe := newFakeEngine()
			s := newTestSession(t, fe, asyncdecoder.Config{AbortOnEngineError: abort}, threeChunks()...)
			require.NoError(t, s.Start(ctx))

			fe.getCallbacks().OnError(asyncdecoder.EngineError{
				Code:   -22,
				Action: asyncdecoder.EngineErrorActionFatal,
				Detail: "hardware fault",
			})
			require.Eventually(t, func() bool { return s.LastEngineError() != nil }, waitTimeout, time.Millisecond)
			require.Equal(t, "hardware fault", s.LastEngineError().Detail)

			if !abort {
				require.NotEqual(t, StateAborted, s.State())
				return
			}

			err := s.Wait(waitCtx(t))
			require.ErrorIs(t, err, asyncdecoder.ErrAborted)
			var engineErr asyncdecoder.EngineError
			require.ErrorAs(t, err, &engineErr)
			require.Equal(t, asyncdecoder.EngineErrorCode(-22), engineErr.Code)
			require.Equal(t, StateAborted, s.State())
		})
	}
}

func TestSessionSurvivesTaskFailures(t *testing.T) {
	ctx := context.Background()
	fe := newFakeEngine()
	fe.getInputErr = errors.New("no memory")
	attempts := 0
	fe.queueInputErr = func(int) error {
		attempts++
		if attempts == 1 {
			panic("engine blew up")
		}
		return nil
	}
	s := newTestSession(t, fe, asyncdecoder.Config{},
		source.Chunk{Data: []byte("first")},
		source.Chunk{Data: []byte("second")},
		source.Chunk{Data: []byte("third")},
	)
	require.NoError(t, s.Start(ctx))
	cb := fe.getCallbacks()

	cb.OnInputAvailable(0)
	require.Eventually(t, func() bool { return s.TaskFailures.Load() == 1 }, waitTimeout, time.Millisecond)

	fe.locker.Lock()
	fe.getInputErr = nil
	fe.locker.Unlock()

	cb.OnInputAvailable(0)
	require.Eventually(t, func() bool { return s.TaskFailures.Load() == 2 }, waitTimeout, time.Millisecond)

	// the sample taken by the panicking attempt is not lost
	cb.OnInputAvailable(1)
	require.Eventually(t, func() bool { return len(fe.getQueued()) == 1 }, waitTimeout, time.Millisecond)
	require.Equal(t, queuedInput{Index: 1, Size: len("first")}, fe.getQueued()[0])

	cb.OnInputAvailable(2)
	require.Eventually(t, func() bool { return len(fe.getQueued()) == 2 }, waitTimeout, time.Millisecond)
	require.Equal(t, len("second"), fe.getQueued()[1].Size)
	require.Equal(t, uint64(4), s.TasksExecuted.Load())
	require.False(t, s.IsInputDone())
}

func TestSessionRetriesTerminalInput(t *testing.T) {
	ctx := context.Background()
	fe := newFakeEngine()
	attempts := 0
	fe.queueInputErr = func(int) error {
		attempts++
		if attempts == 1 {
			return errors.New("busy")
		}
		return nil
	}
	s := newTestSession(t, fe, asyncdecoder.Config{}, source.Chunk{Data: []byte("only"), PTS: time.Second})
	require.NoError(t, s.Start(ctx))
	cb := fe.getCallbacks()

	cb.OnInputAvailable(0)
	require.Eventually(t, func() bool { return s.TaskFailures.Load() == 1 }, waitTimeout, time.Millisecond)
	require.False(t, s.IsInputDone())

	cb.OnInputAvailable(1)
	require.Eventually(t, s.IsInputDone, waitTimeout, time.Millisecond)
	require.Equal(t, []queuedInput{{
		Index: 1,
		Size:  len("only"),
		PTS:   time.Second,
		Flags: asyncdecoder.BufferFlagEndOfStream,
	}}, fe.getQueued())
	require.Equal(t, uint64(len("only")), s.Input.Bytes.Load())
}

func TestSessionStaleInputAnnouncements(t *testing.T) {
	ctx := context.Background()
	fe := newFakeEngine()
	s := newTestSession(t, fe, asyncdecoder.Config{}, source.Chunk{Data: []byte("only")})
	cb := fe.getCallbacks()

	// both are announced before the terminal buffer gets queued
	cb.OnInputAvailable(0)
	cb.OnInputAvailable(1)
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return s.TasksExecuted.Load() == 2 }, waitTimeout, time.Millisecond)
	require.True(t, s.IsInputDone())
	require.Len(t, fe.getQueued(), 1)
	require.Zero(t, s.ProtocolViolations.Load())

	cb.OnInputAvailable(2)
	require.Eventually(t, func() bool { return s.ProtocolViolations.Load() == 1 }, waitTimeout, time.Millisecond)
	require.Len(t, fe.getQueued(), 1)

	cb.OnOutputAvailable(0, asyncdecoder.BufferInfo{Flags: asyncdecoder.BufferFlagEndOfStream})
	require.NoError(t, s.Wait(waitCtx(t)))
}

func TestSessionOutputEOSDespiteReleaseFailure(t *testing.T) {
	ctx := context.Background()
	fe := newFakeEngine()
	fe.releaseErr = errors.New("render failed")
	s := newTestSession(t, fe, asyncdecoder.Config{}, source.Chunk{})
	require.NoError(t, s.Start(ctx))
	cb := fe.getCallbacks()

	cb.OnInputAvailable(0)
	cb.OnOutputAvailable(0, asyncdecoder.BufferInfo{Flags: asyncdecoder.BufferFlagEndOfStream})
	require.NoError(t, s.Wait(waitCtx(t)))
	require.Zero(t, s.Output.BuffersReleased.Load())
	require.Equal(t, uint64(1), s.TaskFailures.Load())

	// done is monotonic: late events are violations and change nothing
	s.execute(ctx, event{Kind: eventKindOutputAvailable, Index: 1, Info: asyncdecoder.BufferInfo{}})
	s.execute(ctx, event{Kind: eventKindInputAvailable, Index: 1, AfterInputEOS: true})
	require.True(t, s.IsDone())
	require.Equal(t, uint64(2), s.ProtocolViolations.Load())
	require.Len(t, fe.getQueued(), 1)
}

func TestSessionReleasesLateOutputs(t *testing.T) {
	ctx := context.Background()
	fe := newFakeEngine()
	s := newTestSession(t, fe, asyncdecoder.Config{}, source.Chunk{})
	require.NoError(t, s.Start(ctx))
	cb := fe.getCallbacks()

	cb.OnInputAvailable(0)
	cb.OnOutputAvailable(0, asyncdecoder.BufferInfo{Flags: asyncdecoder.BufferFlagEndOfStream})
	require.NoError(t, s.Wait(waitCtx(t)))

	s.execute(ctx, event{Kind: eventKindOutputAvailable, Index: 3, Info: asyncdecoder.BufferInfo{Size: 10}})
	require.Equal(t, []asyncdecoder.BufferIndex{0, 3}, fe.getReleased())
	require.Equal(t, []bool{true, false}, fe.getRendered())
	require.Equal(t, uint64(1), s.ProtocolViolations.Load())
	require.Equal(t, uint64(1), s.Output.BuffersReleased.Load())
}

func TestSessionCancel(t *testing.T) {
	ctx := context.Background()
	fe := newFakeEngine()
	s := newTestSession(t, fe, asyncdecoder.Config{}, threeChunks()...)
	require.ErrorIs(t, s.Wait(ctx), asyncdecoder.ErrNotStarted)
	require.NoError(t, s.Start(ctx))

	reason := errors.New("user requested")
	s.Cancel(reason)
	s.Cancel(errors.New("ignored"))
	err := s.Wait(waitCtx(t))
	require.ErrorIs(t, err, asyncdecoder.ErrAborted)
	require.ErrorIs(t, err, reason)
	require.Equal(t, StateAborted, s.State())

	require.NoError(t, s.Close())
	_, stopped, closed := fe.counters()
	require.Equal(t, 1, stopped)
	require.Equal(t, 1, closed)
}

func TestSessionCancelBeforeStart(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, newFakeEngine(), asyncdecoder.Config{}, threeChunks()...)
	s.Cancel(nil)
	require.NoError(t, s.Start(ctx))
	err := s.Wait(waitCtx(t))
	require.ErrorIs(t, err, asyncdecoder.ErrAborted)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSessionCloseNotDone(t *testing.T) {
	ctx := context.Background()
	fe := newFakeEngine()
	s := newTestSession(t, fe, asyncdecoder.Config{}, threeChunks()...)
	require.NoError(t, s.Start(ctx))
	fe.getCallbacks().OnInputAvailable(0)

	require.NoError(t, s.Close())
	require.True(t, s.IsClosed())
	require.Equal(t, StateAborted, s.State())
	require.ErrorIs(t, s.Wait(ctx), asyncdecoder.ErrNotDone)
	require.ErrorIs(t, s.Start(ctx), asyncdecoder.ErrClosed)
}

func TestSessionCloseNotStarted(t *testing.T) {
	fe := newFakeEngine()
	s := newTestSession(t, fe, asyncdecoder.Config{}, threeChunks()...)
	require.NoError(t, s.Close())
	started, stopped, closed := fe.counters()
	require.Equal(t, [3]int{0, 0, 1}, [3]int{started, stopped, closed})
}

func TestSessionEngineOwnership(t *testing.T) {
	ctx := context.Background()
	fe := newFakeEngine()
	read := source.NewAdapter(source.NewMemory()).Read

	first, err := NewSession(ctx, fe, read, asyncdecoder.Config{})
	require.NoError(t, err)
	_, err = NewSession(ctx, fe, read, asyncdecoder.Config{})
	require.Error(t, err)

	require.NoError(t, first.Close())
	second, err := NewSession(ctx, fe, read, asyncdecoder.Config{})
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

// valueEngine is an engine passed by value whose type is not comparable.
type valueEngine struct {
	*fakeEngine
	tags []string
}

func TestSessionRejectsNonComparableEngine(t *testing.T) {
	ctx := context.Background()
	read := source.NewAdapter(source.NewMemory()).Read

	_, err := NewSession(ctx, valueEngine{fakeEngine: newFakeEngine(), tags: []string{"a"}}, read, asyncdecoder.Config{})
	require.Error(t, err)
}

func abandonSession(t *testing.T, engine asyncdecoder.Engine) weak.Pointer[Session] {
	s, err := NewSession(context.Background(), engine, source.NewAdapter(source.NewMemory()).Read, asyncdecoder.Config{})
	require.NoError(t, err)
	return weak.Make(s)
}

func TestSessionUnclosedIsCollectable(t *testing.T) {
	fe := newFakeEngine()
	abandoned := abandonSession(t, fe)

	require.Eventually(t, func() bool {
		runtime.GC()
		return abandoned.Value() == nil
	}, waitTimeout, 10*time.Millisecond)

	// the engine is free to be owned again
	s, err := NewSession(context.Background(), fe, source.NewAdapter(source.NewMemory()).Read, asyncdecoder.Config{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	abandonSession(t, fe)
	key, err := engineKeyOf(fe)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		runtime.GC()
		_, ok := engineOwners.Load(key)
		return !ok
	}, waitTimeout, 10*time.Millisecond)
}

func TestNewSessionValidation(t *testing.T) {
	ctx := context.Background()
	read := source.NewAdapter(source.NewMemory()).Read

	_, err := NewSession(ctx, nil, read, asyncdecoder.Config{})
	require.Error(t, err)
	_, err = NewSession(ctx, newFakeEngine(), nil, asyncdecoder.Config{})
	require.Error(t, err)
	_, err = NewSession(ctx, newFakeEngine(), read, asyncdecoder.Config{ConcurrencyModel: asyncdecoder.EndOfConcurrencyModel})
	require.Error(t, err)

	pollingOnly := struct{ asyncdecoder.PollingEngine }{newFakeEngine()}
	_, err = NewSession(ctx, pollingOnly, read, asyncdecoder.Config{ConcurrencyModel: asyncdecoder.ConcurrencyModelCallback})
	require.Error(t, err)

	callbackOnly := struct{ asyncdecoder.CallbackEngine }{newFakeEngine()}
	_, err = NewSession(ctx, callbackOnly, read, asyncdecoder.Config{ConcurrencyModel: asyncdecoder.ConcurrencyModelPolling})
	require.Error(t, err)
}
