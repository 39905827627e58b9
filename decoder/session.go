package decoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/asyncdecoder"
	"github.com/xaionaro-go/asyncdecoder/internal"
	"github.com/xaionaro-go/asyncdecoder/source"
	"github.com/xaionaro-go/asyncdecoder/taskqueue"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xcontext"
)

// Session coordinates a decode engine, a sample source and (through the
// engine's sink) an image consumer until both directions reached end of stream.
//
// All session state is mutated on a single worker goroutine; engine
// callbacks only enqueue events.
type Session struct {
	CommonsSessionStatistics

	ctx             context.Context
	config          asyncdecoder.Config
	engine          asyncdecoder.Engine
	pollingEngine   asyncdecoder.PollingEngine
	read            source.ReadFunc
	pendingInput    *pendingSample
	queue           *taskqueue.Queue[event]
	inputEOS        *atomic.Bool
	outputEOS       atomic.Bool
	isStarted       atomic.Bool
	isAborted       atomic.Bool
	isClosed        atomic.Bool
	abortReason     atomic.Pointer[error]
	lastEngineError atomic.Pointer[asyncdecoder.EngineError]
	outputFormat    atomic.Pointer[asyncdecoder.Format]
	cancelLocker    sync.Mutex
	cancelFn        context.CancelFunc
	workerDone      chan struct{}
	workerErr       error
}

// NewSession takes the ownership of the (already configured) engine.
//
// read is called only from the session worker.
func NewSession(
	ctx context.Context,
	engine asyncdecoder.Engine,
	read source.ReadFunc,
	cfg asyncdecoder.Config,
) (_ret *Session, _err error) {
	logger.Debugf(ctx, "NewSession(%T, %#+v)", engine, cfg)
	defer func() { logger.Debugf(ctx, "/NewSession: %v", _err) }()

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if engine == nil {
		return nil, fmt.Errorf("no engine provided")
	}
	if read == nil {
		return nil, fmt.Errorf("no sample reader provided")
	}

	s := &Session{
		ctx:        ctx,
		config:     cfg,
		engine:     engine,
		read:       read,
		queue:      taskqueue.New[event](),
		inputEOS:   &atomic.Bool{},
		workerDone: make(chan struct{}),
	}

	if err := claimEngine(engine, s); err != nil {
		return nil, err
	}
	defer func() {
		if _err != nil {
			releaseEngine(engine, s)
		}
	}()

	switch cfg.ConcurrencyModel {
	case asyncdecoder.ConcurrencyModelCallback:
		callbackEngine, ok := engine.(asyncdecoder.CallbackEngine)
		if !ok {
			return nil, fmt.Errorf("engine %T does not support callbacks", engine)
		}
		if err := callbackEngine.SetCallbacks(ctx, s.callbacks()); err != nil {
			return nil, fmt.Errorf("unable to set the engine callbacks: %w", err)
		}
	case asyncdecoder.ConcurrencyModelPolling:
		pollingEngine, ok := engine.(asyncdecoder.PollingEngine)
		if !ok {
			return nil, fmt.Errorf("engine %T does not support polling", engine)
		}
		s.pollingEngine = pollingEngine
	}

	internal.SetFinalizerCheckClosed(ctx, s)
	forgetEngineOnCollect(engine, s)
	return s, nil
}

// callbacks only capture the arguments and hand them over to the worker.
//
// They do not reference the Session itself: the engine keeps them, and the
// Session must stay collectable while only the engine refers to it.
func (s *Session) callbacks() asyncdecoder.Callbacks {
	queue, inputEOS := s.queue, s.inputEOS
	return asyncdecoder.Callbacks{
		OnInputAvailable: func(index asyncdecoder.BufferIndex) {
			queue.Push(event{Kind: eventKindInputAvailable, Index: index, AfterInputEOS: inputEOS.Load()})
		},
		OnOutputAvailable: func(index asyncdecoder.BufferIndex, info asyncdecoder.BufferInfo) {
			queue.Push(event{Kind: eventKindOutputAvailable, Index: index, Info: info})
		},
		OnFormatChanged: func(format asyncdecoder.Format) {
			queue.Push(event{Kind: eventKindFormatChanged, Format: format})
		},
		OnError: func(err asyncdecoder.EngineError) {
			queue.Push(event{Kind: eventKindError, Error: err})
		},
	}
}

// Start starts the engine and then the worker.
func (s *Session) Start(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Start")
	defer func() { logger.Debugf(ctx, "/Start: %v", _err) }()

	if s.isClosed.Load() {
		return asyncdecoder.ErrClosed
	}
	if !s.isStarted.CompareAndSwap(false, true) {
		return asyncdecoder.ErrAlreadyStarted
	}

	if err := s.engine.Start(ctx); err != nil {
		s.isStarted.Store(false)
		return fmt.Errorf("unable to start the engine: %w", err)
	}

	ctx, cancelFn := context.WithCancel(ctx)
	s.cancelLocker.Lock()
	s.cancelFn = cancelFn
	aborted := s.isAborted.Load()
	s.cancelLocker.Unlock()
	if aborted {
		cancelFn()
	}

	observability.Go(ctx, func(ctx context.Context) {
		defer close(s.workerDone)
		s.workerErr = s.runWorker(ctx)
	})
	return nil
}

// Wait blocks until the worker finished. It returns nil if the session is
// done, or an error wrapping ErrAborted if it was cancelled.
func (s *Session) Wait(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Wait")
	defer func() { logger.Debugf(ctx, "/Wait: %v", _err) }()

	if !s.isStarted.Load() {
		return asyncdecoder.ErrNotStarted
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.workerDone:
		return s.workerErr
	}
}

// Cancel makes the worker leave its loop without waiting for the end of stream.
func (s *Session) Cancel(reason error) {
	if reason == nil {
		reason = context.Canceled
	}
	if !s.isAborted.CompareAndSwap(false, true) {
		return
	}
	s.abortReason.Store(&reason)
	logger.Debugf(s.ctx, "Cancel: %v", reason)

	s.cancelLocker.Lock()
	defer s.cancelLocker.Unlock()
	if s.cancelFn != nil {
		s.cancelFn()
	}
}

func (s *Session) abortError() error {
	reason := context.Canceled
	if r := s.abortReason.Load(); r != nil {
		reason = *r
	}
	return fmt.Errorf("%w: %w", asyncdecoder.ErrAborted, reason)
}

func (s *Session) IsInputDone() bool {
	return s.inputEOS.Load()
}

func (s *Session) IsOutputDone() bool {
	return s.outputEOS.Load()
}

func (s *Session) IsDone() bool {
	return s.IsInputDone() && s.IsOutputDone()
}

func (s *Session) IsClosed() bool {
	return s.isClosed.Load()
}

func (s *Session) State() State {
	inputEOS, outputEOS := s.inputEOS.Load(), s.outputEOS.Load()
	switch {
	case inputEOS && outputEOS:
		return StateDone
	case s.isAborted.Load():
		return StateAborted
	case !s.isStarted.Load():
		return StateCreated
	case inputEOS:
		return StateInputDraining
	case outputEOS:
		return StateOutputDraining
	}
	return StateStarted
}

func (s *Session) Config() asyncdecoder.Config {
	return s.config
}

// LastEngineError returns the latest asynchronous error reported by the engine.
func (s *Session) LastEngineError() *asyncdecoder.EngineError {
	return s.lastEngineError.Load()
}

func (s *Session) OutputFormat() *asyncdecoder.Format {
	return s.outputFormat.Load()
}

// Close stops the engine, joins the worker and releases the engine.
// Closing a session that is not done aborts it first.
func (s *Session) Close() (_err error) {
	ctx := xcontext.DetachDone(s.ctx)
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %v", _err) }()

	if !s.isClosed.CompareAndSwap(false, true) {
		return asyncdecoder.ErrClosed
	}
	defer releaseEngine(s.engine, s)

	if !s.IsDone() {
		logger.Warnf(ctx, "closing a session that has not reached the end of stream (state: %s)", s.State())
		s.Cancel(asyncdecoder.ErrNotDone)
	}

	var result *multierror.Error
	if s.isStarted.Load() {
		if err := s.engine.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to stop the engine: %w", err))
		}
		<-s.workerDone
	}
	if err := s.engine.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("unable to close the engine: %w", err))
	}
	if n := s.queue.Len(); n > 0 {
		logger.Debugf(ctx, "discarding %d unprocessed events", n)
	}
	return result.ErrorOrNil()
}

func isTryAgain(err error) bool {
	return errors.Is(err, asyncdecoder.ErrTryAgainLater)
}
