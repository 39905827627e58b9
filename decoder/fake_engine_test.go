package decoder

import (
	"context"
	"sync"
	"time"

	"github.com/xaionaro-go/asyncdecoder"
)

type queuedInput struct {
	Index asyncdecoder.BufferIndex
	Size  int
	PTS   time.Duration
	Flags asyncdecoder.BufferFlags
}

type polledOutput struct {
	Index asyncdecoder.BufferIndex
	Info  asyncdecoder.BufferInfo
	Err   error
}

// fakeEngine never produces anything by itself: tests fire the callbacks
// (or feed the poll channels) explicitly.
type fakeEngine struct {
	locker    sync.Mutex
	callbacks *asyncdecoder.Callbacks
	buf       []byte
	format    asyncdecoder.Format

	getInputErr   error
	queueInputErr func(call int) error
	releaseErr    error

	queued   []queuedInput
	released []asyncdecoder.BufferIndex
	rendered []bool
	started  int
	stopped  int
	closed   int

	polledInputs  chan asyncdecoder.BufferIndex
	polledOutputs chan polledOutput
}

var (
	_ asyncdecoder.CallbackEngine = (*fakeEngine)(nil)
	_ asyncdecoder.PollingEngine  = (*fakeEngine)(nil)
)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		buf:           make([]byte, 1024),
		format:        asyncdecoder.Format{Codec: asyncdecoder.VideoCodecH264, Width: 64, Height: 48},
		polledInputs:  make(chan asyncdecoder.BufferIndex, 16),
		polledOutputs: make(chan polledOutput, 16),
	}
}

func (e *fakeEngine) Configure(context.Context, asyncdecoder.Format, asyncdecoder.Sink, asyncdecoder.ConfigureFlags) error {
	return nil
}

func (e *fakeEngine) SetCallbacks(_ context.Context, callbacks asyncdecoder.Callbacks) error {
	e.locker.Lock()
	defer e.locker.Unlock()
	e.callbacks = &callbacks
	return nil
}

func (e *fakeEngine) Start(context.Context) error {
	e.locker.Lock()
	defer e.locker.Unlock()
	e.started++
	return nil
}

func (e *fakeEngine) Stop(context.Context) error {
	e.locker.Lock()
	defer e.locker.Unlock()
	e.stopped++
	return nil
}

func (e *fakeEngine) Close() error {
	e.locker.Lock()
	defer e.locker.Unlock()
	e.closed++
	return nil
}

func (e *fakeEngine) GetInputBuffer(context.Context, asyncdecoder.BufferIndex) ([]byte, error) {
	e.locker.Lock()
	defer e.locker.Unlock()
	if e.getInputErr != nil {
		return nil, e.getInputErr
	}
	return e.buf, nil
}

func (e *fakeEngine) QueueInputBuffer(
	_ context.Context,
	index asyncdecoder.BufferIndex,
	_ int,
	size int,
	pts time.Duration,
	flags asyncdecoder.BufferFlags,
) error {
	e.locker.Lock()
	defer e.locker.Unlock()
	if e.queueInputErr != nil {
		if err := e.queueInputErr(len(e.queued)); err != nil {
			return err
		}
	}
	e.queued = append(e.queued, queuedInput{Index: index, Size: size, PTS: pts, Flags: flags})
	return nil
}

func (e *fakeEngine) ReleaseOutputBuffer(_ context.Context, index asyncdecoder.BufferIndex, render bool) error {
	e.locker.Lock()
	defer e.locker.Unlock()
	e.released = append(e.released, index)
	e.rendered = append(e.rendered, render)
	return e.releaseErr
}

func (e *fakeEngine) DequeueInputBuffer(ctx context.Context, timeout time.Duration) (asyncdecoder.BufferIndex, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case index := <-e.polledInputs:
		return index, nil
	case <-time.After(timeout):
		return -1, asyncdecoder.ErrTryAgainLater
	}
}

func (e *fakeEngine) DequeueOutputBuffer(ctx context.Context, timeout time.Duration) (asyncdecoder.BufferIndex, asyncdecoder.BufferInfo, error) {
	select {
	case <-ctx.Done():
		return -1, asyncdecoder.BufferInfo{}, ctx.Err()
	case out := <-e.polledOutputs:
		return out.Index, out.Info, out.Err
	case <-time.After(timeout):
		return -1, asyncdecoder.BufferInfo{}, asyncdecoder.ErrTryAgainLater
	}
}

func (e *fakeEngine) OutputFormat(context.Context) asyncdecoder.Format {
	return e.format
}

func (e *fakeEngine) getCallbacks() asyncdecoder.Callbacks {
	e.locker.Lock()
	defer e.locker.Unlock()
	return *e.callbacks
}

func (e *fakeEngine) getQueued() []queuedInput {
	e.locker.Lock()
	defer e.locker.Unlock()
	return append([]queuedInput(nil), e.queued...)
}

func (e *fakeEngine) getReleased() []asyncdecoder.BufferIndex {
	e.locker.Lock()
	defer e.locker.Unlock()
	return append([]asyncdecoder.BufferIndex(nil), e.released...)
}

func (e *fakeEngine) getRendered() []bool {
	e.locker.Lock()
	defer e.locker.Unlock()
	return append([]bool(nil), e.rendered...)
}

func (e *fakeEngine) counters() (started, stopped, closed int) {
	e.locker.Lock()
	defer e.locker.Unlock()
	return e.started, e.stopped, e.closed
}
