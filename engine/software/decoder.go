// Package software implements the index-based buffer-exchange protocol of
// hardware decode engines on top of an in-process Decoder. It supports both
// the callback and the polling flavour of the protocol.
package software

import (
	"context"
	"time"

	"github.com/xaionaro-go/asyncdecoder"
)

type Sample struct {
	Data  []byte
	PTS   time.Duration
	Flags asyncdecoder.BufferFlags
}

// Frame is a decoded picture. Data is copied before emit returns.
type Frame struct {
	Data   []byte
	PTS    time.Duration
	Flags  asyncdecoder.BufferFlags
	Width  int
	Height int
}

type EmitFunc func(Frame) error

// Decoder is driven from a single engine goroutine.
type Decoder interface {
	Open(ctx context.Context, format asyncdecoder.Format) error

	// Decode may emit any amount of frames, including none. An error is
	// reported to the client as an asynchronous engine error, it does not
	// stop the engine.
	Decode(ctx context.Context, sample Sample, emit EmitFunc) error

	// Drain emits the frames still buffered inside the decoder; it is
	// called once the end-of-stream sample was decoded.
	Drain(ctx context.Context, emit EmitFunc) error

	Close() error
}
