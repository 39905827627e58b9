package asyncdecoder

import (
	"context"
	"io"
	"time"
)

// Engine is a decode engine driven by an index-based buffer-exchange protocol.
//
// Buffer indexes handed out by an Engine are borrowed: they are valid only until
// they are given back via QueueInputBuffer or ReleaseOutputBuffer.
type Engine interface {
	io.Closer

	Configure(ctx context.Context, format Format, sink Sink, flags ConfigureFlags) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// GetInputBuffer returns the memory region behind the input buffer index;
	// its capacity is len() of the returned slice.
	GetInputBuffer(ctx context.Context, index BufferIndex) ([]byte, error)
	QueueInputBuffer(
		ctx context.Context,
		index BufferIndex,
		offset int,
		size int,
		pts time.Duration,
		flags BufferFlags,
	) error
	ReleaseOutputBuffer(ctx context.Context, index BufferIndex, render bool) error
}

// Callbacks are invoked by a CallbackEngine on engine-owned goroutines.
// They must return promptly and must not call back into the Engine.
type Callbacks struct {
	OnInputAvailable  func(index BufferIndex)
	OnOutputAvailable func(index BufferIndex, info BufferInfo)
	OnFormatChanged   func(format Format)
	OnError           func(err EngineError)
}

type CallbackEngine interface {
	Engine
	SetCallbacks(ctx context.Context, callbacks Callbacks) error
}

// PollingEngine is an Engine that only offers a synchronous dequeue API.
//
// Both dequeue functions return ErrTryAgainLater if nothing became available
// within the timeout. DequeueOutputBuffer returns ErrOutputFormatChanged
// (and no buffer) when the output format changed; the new format is then
// available via OutputFormat.
type PollingEngine interface {
	Engine
	DequeueInputBuffer(ctx context.Context, timeout time.Duration) (BufferIndex, error)
	DequeueOutputBuffer(ctx context.Context, timeout time.Duration) (BufferIndex, BufferInfo, error)
	OutputFormat(ctx context.Context) Format
}

// Sink is the frame-presentation target an Engine renders into.
type Sink interface {
	Render(ctx context.Context, img *Image) error
}

// SampleSource is a pull-based source of compressed samples.
//
// ReadNext copies the current sample into buf and advances. hasMore reports
// whether another sample follows the one just returned. A negative n signals
// that no sample could be read.
type SampleSource interface {
	io.Closer
	ReadNext(ctx context.Context, buf []byte) (n int, pts time.Duration, hasMore bool, err error)
}

// ImageConsumer receives decoded frames. The image is valid only until
// ConsumeImage returns; implementations must not retain it.
type ImageConsumer interface {
	ConsumeImage(ctx context.Context, img *Image) error
}

type ImageConsumerFunc func(ctx context.Context, img *Image) error

func (fn ImageConsumerFunc) ConsumeImage(ctx context.Context, img *Image) error {
	return fn(ctx, img)
}

type EngineFactory interface {
	NewEngine(ctx context.Context, cfg Config) (Engine, error)
}
