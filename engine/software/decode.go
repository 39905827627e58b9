package software

import (
	"context"
	"errors"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/asyncdecoder"
	"github.com/xaionaro-go/xsync"
)

func (e *Engine) decodeLoop(ctx context.Context) {
	logger.Debugf(ctx, "decodeLoop")
	defer func() { logger.Debugf(ctx, "/decodeLoop") }()

	out := &frameEmitter{Engine: e, ctx: ctx}
	for {
		var work inputWork
		select {
		case <-ctx.Done():
			return
		case work = <-e.pendingInputs:
		}

		isEOS := work.Flags.Has(asyncdecoder.BufferFlagEndOfStream)
		if len(work.Data) > 0 {
			err := e.decoder.Decode(ctx, Sample{
				Data:  work.Data,
				PTS:   work.PTS,
				Flags: work.Flags &^ asyncdecoder.BufferFlagEndOfStream,
			}, out.emit)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				e.reportError(ctx, toEngineError(err, ErrCodeInvalidData, fmt.Sprintf("unable to decode the sample at %v", work.PTS)))
			}
		}

		if !isEOS {
			e.freeInputs <- work.Index
			continue
		}

		if err := e.decoder.Drain(ctx, out.emit); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.reportError(ctx, toEngineError(err, ErrCodeInternal, "unable to drain the decoder"))
		}
		if err := out.emit(Frame{PTS: work.PTS, Flags: asyncdecoder.BufferFlagEndOfStream}); err != nil {
			return
		}
		logger.Debugf(ctx, "reached the end of the stream")
	}
}

func toEngineError(err error, code asyncdecoder.EngineErrorCode, detail string) asyncdecoder.EngineError {
	var engineErr asyncdecoder.EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return asyncdecoder.EngineError{
		Code:   code,
		Action: asyncdecoder.EngineErrorActionRecoverable,
		Detail: fmt.Sprintf("%s: %v", detail, err),
	}
}

// frameEmitter puts decoded frames into output buffers; it is used only by
// decodeLoop.
type frameEmitter struct {
	*Engine
	ctx             context.Context
	formatAnnounced bool
}

func (out *frameEmitter) emit(frame Frame) error {
	ctx := out.ctx
	var index asyncdecoder.BufferIndex
	select {
	case <-ctx.Done():
		return ctx.Err()
	case index = <-out.freeOutputs:
	}

	if frame.Width == 0 && frame.Height == 0 {
		frame.Width, frame.Height = out.formatSize(ctx)
	}
	format, changed := out.updateFormat(ctx, frame.Width, frame.Height)
	if changed || !out.formatAnnounced {
		out.formatAnnounced = true
		if err := out.sendOutput(ctx, outputEvent{FormatChanged: true, Format: format}); err != nil {
			return err
		}
	}

	slot := &out.outputs[index]
	slot.Data = append(slot.Data[:0], frame.Data...)
	slot.Width, slot.Height = frame.Width, frame.Height
	slot.Info = asyncdecoder.BufferInfo{
		Size:  len(frame.Data),
		PTS:   frame.PTS,
		Flags: frame.Flags &^ asyncdecoder.BufferFlagCodecConfig,
	}
	return out.sendOutput(ctx, outputEvent{Index: index, Info: slot.Info})
}

func (out *frameEmitter) sendOutput(ctx context.Context, ev outputEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out.readyOutputs <- ev:
		return nil
	}
}

func (e *Engine) formatSize(ctx context.Context) (int, int) {
	format := e.OutputFormat(ctx)
	return format.Width, format.Height
}

// updateFormat reports whether the output resolution changed.
func (e *Engine) updateFormat(ctx context.Context, width, height int) (asyncdecoder.Format, bool) {
	var changed bool
	format := xsync.DoR1(ctx, &e.locker, func() asyncdecoder.Format {
		if e.format.Width != width || e.format.Height != height {
			logger.Debugf(ctx, "output resolution changed: %dx%d -> %dx%d", e.format.Width, e.format.Height, width, height)
			e.format.Width, e.format.Height = width, height
			changed = true
		}
		return e.format
	})
	return format, changed
}

func (e *Engine) inputDispatcher(ctx context.Context) {
	logger.Debugf(ctx, "inputDispatcher")
	defer func() { logger.Debugf(ctx, "/inputDispatcher") }()

	for {
		var index asyncdecoder.BufferIndex
		select {
		case <-ctx.Done():
			return
		case index = <-e.freeInputs:
		}
		if e.inputEOSQueued.Load() {
			continue
		}
		e.locker.Do(ctx, func() {
			e.inputOwned[index] = true
		})
		e.callbacks.OnInputAvailable(index)
	}
}

func (e *Engine) outputDispatcher(ctx context.Context) {
	logger.Debugf(ctx, "outputDispatcher")
	defer func() { logger.Debugf(ctx, "/outputDispatcher") }()

	for {
		var ev outputEvent
		select {
		case <-ctx.Done():
			return
		case ev = <-e.readyOutputs:
		}
		if ev.FormatChanged {
			e.callbacks.OnFormatChanged(ev.Format)
			continue
		}
		e.locker.Do(ctx, func() {
			e.outputOwned[ev.Index] = true
		})
		e.callbacks.OnOutputAvailable(ev.Index, ev.Info)
	}
}
