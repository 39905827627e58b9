package software

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/asyncdecoder"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"
)

const (
	ErrCodeInvalidData = asyncdecoder.EngineErrorCode(-1010)
	ErrCodeInternal    = asyncdecoder.EngineErrorCode(-1011)
)

type engineState int

const (
	engineStateCreated = engineState(iota)
	engineStateConfigured
	engineStateStarted
	engineStateStopped
	engineStateClosed
)

type inputWork struct {
	Index asyncdecoder.BufferIndex
	Data  []byte
	PTS   time.Duration
	Flags asyncdecoder.BufferFlags
}

type outputEvent struct {
	Index         asyncdecoder.BufferIndex
	Info          asyncdecoder.BufferInfo
	FormatChanged bool
	Format        asyncdecoder.Format
}

type outputSlot struct {
	Data   []byte
	Info   asyncdecoder.BufferInfo
	Width  int
	Height int
}

type Engine struct {
	locker      xsync.Mutex
	config      BuffersConfig
	decoder     Decoder
	isOpen      bool
	state       engineState
	format      asyncdecoder.Format
	sink        asyncdecoder.Sink
	callbacks   *asyncdecoder.Callbacks
	inputs      [][]byte
	outputs     []outputSlot
	inputOwned  []bool
	outputOwned []bool

	freeInputs    chan asyncdecoder.BufferIndex
	pendingInputs chan inputWork
	freeOutputs   chan asyncdecoder.BufferIndex
	readyOutputs  chan outputEvent
	engineErrors  chan asyncdecoder.EngineError

	inputEOSQueued atomic.Bool
	imageSequence  atomic.Uint64
	cancelFn       context.CancelFunc
	waitGroup      sync.WaitGroup
}

var (
	_ asyncdecoder.CallbackEngine = (*Engine)(nil)
	_ asyncdecoder.PollingEngine  = (*Engine)(nil)
)

func New(cfg BuffersConfig, decoder Decoder) *Engine {
	return &Engine{
		config:  cfg.withDefaults(),
		decoder: decoder,
	}
}

func (e *Engine) BuffersConfig() BuffersConfig {
	return e.config
}

func (e *Engine) Decoder() Decoder {
	return e.decoder
}

func (e *Engine) Configure(
	ctx context.Context,
	format asyncdecoder.Format,
	sink asyncdecoder.Sink,
	_ asyncdecoder.ConfigureFlags,
) (_err error) {
	logger.Debugf(ctx, "Configure(%s)", format)
	defer func() { logger.Debugf(ctx, "/Configure(%s): %v", format, _err) }()

	if format.Codec == asyncdecoder.VideoCodecUndefined || format.Codec >= asyncdecoder.EndOfVideoCodec {
		return fmt.Errorf("unsupported codec: %s", format.Codec)
	}
	if format.Width < 0 || format.Height < 0 {
		return fmt.Errorf("invalid resolution %dx%d", format.Width, format.Height)
	}
	if sink == nil {
		return fmt.Errorf("no sink provided")
	}
	if e.decoder == nil {
		return fmt.Errorf("no decoder provided")
	}

	return xsync.DoR1(ctx, &e.locker, func() error {
		switch e.state {
		case engineStateCreated, engineStateConfigured, engineStateStopped:
		default:
			return fmt.Errorf("unable to configure the engine in state %d", e.state)
		}

		if e.isOpen {
			if err := e.decoder.Close(); err != nil {
				logger.Warnf(ctx, "unable to close the previous decoder instance: %v", err)
			}
			e.isOpen = false
		}
		if err := e.decoder.Open(ctx, format); err != nil {
			return fmt.Errorf("unable to open the decoder: %w", err)
		}
		e.isOpen = true

		inputSize := e.config.InputBufferSize
		if inputSize <= 0 {
			inputSize = format.MaxInputSize
		}
		if inputSize <= 0 {
			inputSize = DefaultInputBufferSize
		}

		e.format = format
		e.sink = sink
		e.inputs = make([][]byte, e.config.InputBuffers)
		for idx := range e.inputs {
			e.inputs[idx] = make([]byte, inputSize)
		}
		e.outputs = make([]outputSlot, e.config.OutputBuffers)
		for idx := range e.outputs {
			e.outputs[idx].Data = make([]byte, 0, inputSize)
		}
		e.state = engineStateConfigured
		return nil
	})
}

// SetCallbacks switches the engine into the callback mode; it must be
// called before Start.
func (e *Engine) SetCallbacks(
	ctx context.Context,
	callbacks asyncdecoder.Callbacks,
) error {
	return xsync.DoR1(ctx, &e.locker, func() error {
		if e.state == engineStateStarted {
			return fmt.Errorf("unable to set callbacks on a started engine")
		}
		e.callbacks = &callbacks
		return nil
	})
}

func (e *Engine) Start(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Start")
	defer func() { logger.Debugf(ctx, "/Start: %v", _err) }()

	return xsync.DoR1(ctx, &e.locker, func() error {
		switch e.state {
		case engineStateConfigured, engineStateStopped:
		case engineStateStarted:
			return asyncdecoder.ErrAlreadyStarted
		default:
			return fmt.Errorf("the engine is not configured")
		}

		numIn, numOut := len(e.inputs), len(e.outputs)
		e.freeInputs = make(chan asyncdecoder.BufferIndex, numIn)
		e.pendingInputs = make(chan inputWork, numIn)
		e.freeOutputs = make(chan asyncdecoder.BufferIndex, numOut)
		e.readyOutputs = make(chan outputEvent, numOut+1)
		e.engineErrors = make(chan asyncdecoder.EngineError, numIn)
		e.inputOwned = make([]bool, numIn)
		e.outputOwned = make([]bool, numOut)
		e.inputEOSQueued.Store(false)
		for idx := 0; idx < numIn; idx++ {
			e.freeInputs <- asyncdecoder.BufferIndex(idx)
		}
		for idx := 0; idx < numOut; idx++ {
			e.freeOutputs <- asyncdecoder.BufferIndex(idx)
		}

		ctx, cancelFn := context.WithCancel(ctx)
		e.cancelFn = cancelFn
		e.goroutine(ctx, e.decodeLoop)
		if e.callbacks != nil {
			e.goroutine(ctx, e.inputDispatcher)
			e.goroutine(ctx, e.outputDispatcher)
		}
		e.state = engineStateStarted
		return nil
	})
}

func (e *Engine) goroutine(ctx context.Context, fn func(context.Context)) {
	e.waitGroup.Add(1)
	observability.Go(ctx, func(ctx context.Context) {
		defer e.waitGroup.Done()
		fn(ctx)
	})
}

// Stop returns only after every engine goroutine exited, so no callback
// fires after it. It must not be called from within a callback.
func (e *Engine) Stop(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Stop")
	defer func() { logger.Debugf(ctx, "/Stop: %v", _err) }()

	cancelFn := xsync.DoR1(ctx, &e.locker, func() context.CancelFunc {
		if e.state != engineStateStarted {
			return nil
		}
		e.state = engineStateStopped
		return e.cancelFn
	})
	if cancelFn == nil {
		return asyncdecoder.ErrNotStarted
	}
	cancelFn()
	e.waitGroup.Wait()
	return nil
}

func (e *Engine) Close() error {
	ctx := context.TODO()
	state := xsync.DoR1(ctx, &e.locker, func() engineState {
		return e.state
	})
	switch state {
	case engineStateClosed:
		return asyncdecoder.ErrClosed
	case engineStateStarted:
		if err := e.Stop(ctx); err != nil {
			return fmt.Errorf("unable to stop the engine: %w", err)
		}
	}
	return xsync.DoR1(ctx, &e.locker, func() error {
		e.state = engineStateClosed
		e.inputs = nil
		e.outputs = nil
		e.sink = nil
		if !e.isOpen {
			return nil
		}
		e.isOpen = false
		if err := e.decoder.Close(); err != nil {
			return fmt.Errorf("unable to close the decoder: %w", err)
		}
		return nil
	})
}

func (e *Engine) IsStarted() bool {
	return xsync.DoR1(context.TODO(), &e.locker, func() bool {
		return e.state == engineStateStarted
	})
}
