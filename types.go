package asyncdecoder

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type BufferIndex int

type BufferFlags uint32

const (
	BufferFlagKeyFrame    = BufferFlags(1 << 0)
	BufferFlagCodecConfig = BufferFlags(1 << 1)
	BufferFlagEndOfStream = BufferFlags(1 << 2)
)

func (f BufferFlags) Has(flag BufferFlags) bool {
	return f&flag == flag
}

func (f BufferFlags) String() string {
	var parts []string
	if f.Has(BufferFlagKeyFrame) {
		parts = append(parts, "key")
	}
	if f.Has(BufferFlagCodecConfig) {
		parts = append(parts, "config")
	}
	if f.Has(BufferFlagEndOfStream) {
		parts = append(parts, "eos")
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// BufferInfo describes a decoded output buffer. It is only meaningful
// while the corresponding output buffer index is held.
type BufferInfo struct {
	Offset int
	Size   int
	PTS    time.Duration
	Flags  BufferFlags
}

func (info BufferInfo) IsEndOfStream() bool {
	return info.Flags.Has(BufferFlagEndOfStream)
}

type ConfigureFlags uint32

type Format struct {
	Codec         VideoCodec
	Width         int
	Height        int
	FrameRate     float64
	MaxInputSize  int
	CodecSpecific [][]byte
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dx%d@%g", f.Codec.String(), f.Width, f.Height, f.FrameRate)
}

type EngineErrorCode int

type EngineErrorAction int

const (
	EngineErrorActionUndefined = EngineErrorAction(iota)
	EngineErrorActionRecoverable
	EngineErrorActionTransient
	EngineErrorActionFatal
)

func (a EngineErrorAction) String() string {
	switch a {
	case EngineErrorActionUndefined:
		return "undefined"
	case EngineErrorActionRecoverable:
		return "recoverable"
	case EngineErrorActionTransient:
		return "transient"
	case EngineErrorActionFatal:
		return "fatal"
	}
	return fmt.Sprintf("unexpected_action_%d", int(a))
}

// EngineError is an asynchronous runtime error reported by an Engine.
type EngineError struct {
	Code   EngineErrorCode
	Action EngineErrorAction
	Detail string
}

func (e EngineError) Error() string {
	return fmt.Sprintf("engine error %d (%s): %s", e.Code, e.Action, e.Detail)
}

// Image is a decoded frame handed from a Sink to an ImageConsumer.
type Image struct {
	Sequence  uint64
	PTS       time.Duration
	Width     int
	Height    int
	Data      []byte
	isClosed  atomic.Bool
	onRelease func(*Image)
}

func NewImage(
	seq uint64,
	pts time.Duration,
	width, height int,
	data []byte,
	onRelease func(*Image),
) *Image {
	return &Image{
		Sequence:  seq,
		PTS:       pts,
		Width:     width,
		Height:    height,
		Data:      data,
		onRelease: onRelease,
	}
}

// Release gives the image back to its owner. Calling it more than once is a no-op.
func (img *Image) Release() {
	if !img.isClosed.CompareAndSwap(false, true) {
		return
	}
	img.Data = nil
	if img.onRelease != nil {
		img.onRelease(img)
	}
}

func (img *Image) IsReleased() bool {
	return img.isClosed.Load()
}
