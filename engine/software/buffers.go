package software

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/asyncdecoder"
	"github.com/xaionaro-go/xsync"
)

func (e *Engine) GetInputBuffer(
	ctx context.Context,
	index asyncdecoder.BufferIndex,
) ([]byte, error) {
	return xsync.DoR2(ctx, &e.locker, func() ([]byte, error) {
		if err := e.checkInputIndexNoLock(index); err != nil {
			return nil, err
		}
		return e.inputs[index], nil
	})
}

func (e *Engine) checkInputIndexNoLock(index asyncdecoder.BufferIndex) error {
	if e.state != engineStateStarted {
		return asyncdecoder.ErrNotStarted
	}
	if index < 0 || int(index) >= len(e.inputs) {
		return fmt.Errorf("input buffer index %d is out of range [0, %d)", index, len(e.inputs))
	}
	if !e.inputOwned[index] {
		return fmt.Errorf("input buffer #%d is not held by the client", index)
	}
	return nil
}

func (e *Engine) QueueInputBuffer(
	ctx context.Context,
	index asyncdecoder.BufferIndex,
	offset int,
	size int,
	pts time.Duration,
	flags asyncdecoder.BufferFlags,
) error {
	var pendingInputs chan inputWork
	work, err := xsync.DoR2(ctx, &e.locker, func() (inputWork, error) {
		if err := e.checkInputIndexNoLock(index); err != nil {
			return inputWork{}, err
		}
		buf := e.inputs[index]
		if offset < 0 || size < 0 || offset+size > len(buf) {
			return inputWork{}, fmt.Errorf("region [%d:%d] does not fit into input buffer #%d of %d bytes", offset, offset+size, index, len(buf))
		}
		if e.inputEOSQueued.Load() {
			return inputWork{}, fmt.Errorf("the end of the input stream was already queued")
		}
		e.inputOwned[index] = false
		pendingInputs = e.pendingInputs
		if flags.Has(asyncdecoder.BufferFlagEndOfStream) {
			e.inputEOSQueued.Store(true)
		}
		return inputWork{
			Index: index,
			Data:  buf[offset : offset+size],
			PTS:   pts,
			Flags: flags,
		}, nil
	})
	if err != nil {
		return err
	}

	// never blocks: there are no more pending inputs than input buffers
	pendingInputs <- work
	return nil
}

func (e *Engine) ReleaseOutputBuffer(
	ctx context.Context,
	index asyncdecoder.BufferIndex,
	render bool,
) error {
	type releasedOutput struct {
		Image     *asyncdecoder.Image
		Sink      asyncdecoder.Sink
		FreeQueue chan asyncdecoder.BufferIndex
	}
	released, err := xsync.DoR2(ctx, &e.locker, func() (releasedOutput, error) {
		if e.state != engineStateStarted {
			return releasedOutput{}, asyncdecoder.ErrNotStarted
		}
		if index < 0 || int(index) >= len(e.outputs) {
			return releasedOutput{}, fmt.Errorf("output buffer index %d is out of range [0, %d)", index, len(e.outputs))
		}
		if !e.outputOwned[index] {
			return releasedOutput{}, fmt.Errorf("output buffer #%d is not held by the client", index)
		}
		e.outputOwned[index] = false

		r := releasedOutput{
			Sink:      e.sink,
			FreeQueue: e.freeOutputs,
		}
		slot := &e.outputs[index]
		if render && slot.Info.Size > 0 {
			r.Image = asyncdecoder.NewImage(
				e.imageSequence.Add(1)-1,
				slot.Info.PTS,
				slot.Width,
				slot.Height,
				append([]byte(nil), slot.Data[:slot.Info.Size]...),
				nil,
			)
		}
		return r, nil
	})
	if err != nil {
		return err
	}
	released.FreeQueue <- index

	if released.Image == nil {
		return nil
	}
	if err := released.Sink.Render(ctx, released.Image); err != nil {
		released.Image.Release()
		return fmt.Errorf("unable to render image #%d: %w", released.Image.Sequence, err)
	}
	return nil
}

func (e *Engine) DequeueInputBuffer(
	ctx context.Context,
	timeout time.Duration,
) (asyncdecoder.BufferIndex, error) {
	freeInputs, err := startedChannelOf(e, ctx, func() chan asyncdecoder.BufferIndex { return e.freeInputs })
	if err != nil {
		return -1, err
	}
	if e.inputEOSQueued.Load() {
		return -1, asyncdecoder.ErrTryAgainLater
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-timer.C:
		return -1, asyncdecoder.ErrTryAgainLater
	case index := <-freeInputs:
		e.locker.Do(ctx, func() {
			e.inputOwned[index] = true
		})
		return index, nil
	}
}

func (e *Engine) DequeueOutputBuffer(
	ctx context.Context,
	timeout time.Duration,
) (asyncdecoder.BufferIndex, asyncdecoder.BufferInfo, error) {
	readyOutputs, err := startedChannelOf(e, ctx, func() chan outputEvent { return e.readyOutputs })
	if err != nil {
		return -1, asyncdecoder.BufferInfo{}, err
	}

	select {
	case engineErr := <-e.engineErrors:
		return -1, asyncdecoder.BufferInfo{}, engineErr
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return -1, asyncdecoder.BufferInfo{}, ctx.Err()
	case <-timer.C:
		return -1, asyncdecoder.BufferInfo{}, asyncdecoder.ErrTryAgainLater
	case ev := <-readyOutputs:
		if ev.FormatChanged {
			return -1, asyncdecoder.BufferInfo{}, asyncdecoder.ErrOutputFormatChanged
		}
		e.locker.Do(ctx, func() {
			e.outputOwned[ev.Index] = true
		})
		return ev.Index, ev.Info, nil
	}
}

func startedChannelOf[T any](e *Engine, ctx context.Context, get func() chan T) (chan T, error) {
	return xsync.DoR2(ctx, &e.locker, func() (chan T, error) {
		if e.state != engineStateStarted {
			return nil, asyncdecoder.ErrNotStarted
		}
		return get(), nil
	})
}

func (e *Engine) OutputFormat(ctx context.Context) asyncdecoder.Format {
	return xsync.DoR1(ctx, &e.locker, func() asyncdecoder.Format {
		return e.format
	})
}

func (e *Engine) reportError(ctx context.Context, engineErr asyncdecoder.EngineError) {
	logger.Debugf(ctx, "reportError: %v", engineErr)
	if e.callbacks != nil {
		e.callbacks.OnError(engineErr)
		return
	}
	select {
	case e.engineErrors <- engineErr:
	default:
		logger.Errorf(ctx, "the error queue is full, dropping: %v", engineErr)
	}
}
