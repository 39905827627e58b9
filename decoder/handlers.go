package decoder

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/asyncdecoder"
	"github.com/xaionaro-go/asyncdecoder/internal"
)

// execute runs a single task. A failing (or panicking) task is logged and
// counted, but never stops the worker.
func (s *Session) execute(ctx context.Context, ev event) {
	logger.Tracef(ctx, "execute: %s", ev)
	s.TasksExecuted.Add(1)

	err := s.handleEvent(ctx, ev)
	if err == nil {
		return
	}

	s.TaskFailures.Add(1)
	err = fmt.Errorf("unable to handle %s: %w", ev, err)
	logger.Errorf(ctx, "%v", err)
	errmon.ObserveErrorCtx(ctx, err)
}

func (s *Session) handleEvent(ctx context.Context, ev event) (_err error) {
	defer func() {
		if r := recover(); r != nil {
			_err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	switch ev.Kind {
	case eventKindInputAvailable:
		return s.onInputAvailable(ctx, ev.Index, ev.AfterInputEOS)
	case eventKindOutputAvailable:
		return s.onOutputAvailable(ctx, ev.Index, ev.Info)
	case eventKindFormatChanged:
		s.onFormatChanged(ctx, ev.Format)
		return nil
	case eventKindError:
		s.onError(ctx, ev.Error)
		return nil
	}
	return fmt.Errorf("unexpected event kind: %s", ev.Kind)
}

// pendingSample is a sample already taken from the source, but not accepted
// by the engine yet.
type pendingSample struct {
	Data     []byte
	PTS      time.Duration
	MoreData bool
}

func (s *Session) onInputAvailable(
	ctx context.Context,
	index asyncdecoder.BufferIndex,
	afterInputEOS bool,
) (_err error) {
	if s.inputEOS.Load() {
		if !afterInputEOS {
			// announced before the terminal buffer was queued
			logger.Debugf(ctx, "input buffer #%d is not needed anymore; ignoring", index)
			return nil
		}
		s.ProtocolViolations.Add(1)
		logger.Warnf(ctx, "input buffer #%d became available after the end of the input stream; ignoring", index)
		return nil
	}

	buf, err := s.engine.GetInputBuffer(ctx, index)
	if err != nil {
		return fmt.Errorf("unable to get input buffer #%d: %w", index, err)
	}
	if buf == nil {
		return fmt.Errorf("the engine returned no memory for input buffer #%d", index)
	}

	var (
		moreData bool
		n        int
		pts      time.Duration
	)
	if pending := s.pendingInput; pending != nil {
		if len(pending.Data) > len(buf) {
			return fmt.Errorf("the pending sample (%d bytes) does not fit into input buffer #%d (%d bytes)", len(pending.Data), index, len(buf))
		}
		moreData, n, pts = pending.MoreData, copy(buf, pending.Data), pending.PTS
		logger.Debugf(ctx, "retrying the pending sample (size:%d, pts:%v) with input buffer #%d", n, pts, index)
	} else {
		moreData, n, pts = s.read(ctx, buf)
	}
	logger.Tracef(ctx, "input #%d: bytesRead:%d pts:%v moreData:%t", index, n, pts, moreData)

	// the sample must survive a failed (or panicking) queue attempt
	defer func() {
		if _err == nil {
			s.pendingInput = nil
			return
		}
		s.pendingInput = &pendingSample{
			Data:     bytes.Clone(buf[:n]),
			PTS:      pts,
			MoreData: moreData,
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			_err = fmt.Errorf("panic while queueing input buffer #%d: %v", index, r)
		}
	}()

	var flags asyncdecoder.BufferFlags
	if !moreData {
		flags |= asyncdecoder.BufferFlagEndOfStream
	}
	if err := s.engine.QueueInputBuffer(ctx, index, 0, n, pts, flags); err != nil {
		return fmt.Errorf("unable to queue input buffer #%d (size:%d, pts:%v, flags:%s): %w", index, n, pts, flags, err)
	}
	s.Input.BuffersQueued.Add(1)
	s.Input.Bytes.Add(uint64(n))

	if !moreData {
		internal.Assert(ctx, s.inputEOS.CompareAndSwap(false, true), "the input end of stream was set twice")
		logger.Debugf(ctx, "reached the end of the input stream at buffer #%d", index)
	}
	return nil
}

func (s *Session) onOutputAvailable(
	ctx context.Context,
	index asyncdecoder.BufferIndex,
	info asyncdecoder.BufferInfo,
) error {
	if s.outputEOS.Load() {
		s.ProtocolViolations.Add(1)
		logger.Warnf(ctx, "output buffer #%d became available after the end of the output stream; dropping it", index)
		if err := s.engine.ReleaseOutputBuffer(ctx, index, false); err != nil {
			return fmt.Errorf("unable to drop output buffer #%d: %w", index, err)
		}
		return nil
	}

	err := s.engine.ReleaseOutputBuffer(ctx, index, true)
	if err == nil {
		s.Output.BuffersReleased.Add(1)
	}
	logger.Tracef(ctx, "output #%d: pts:%v size:%d flags:%s", index, info.PTS, info.Size, info.Flags)

	// the engine will not produce anything else even if rendering this one failed
	if info.IsEndOfStream() {
		s.outputEOS.Store(true)
		logger.Debugf(ctx, "reached the end of the output stream at buffer #%d", index)
	}

	if err != nil {
		return fmt.Errorf("unable to release output buffer #%d: %w", index, err)
	}
	return nil
}

func (s *Session) onFormatChanged(
	ctx context.Context,
	format asyncdecoder.Format,
) {
	s.Output.FormatChanges.Add(1)
	s.outputFormat.Store(&format)
	logger.Infof(ctx, "the output format changed: %s", format)
	logger.Tracef(ctx, "the new output format: %s", spew.Sdump(format))
}

func (s *Session) onError(
	ctx context.Context,
	engineErr asyncdecoder.EngineError,
) {
	s.EngineErrors.Add(1)
	s.lastEngineError.Store(&engineErr)
	logger.Errorf(ctx, "the engine reported an error: %v", engineErr)
	errmon.ObserveErrorCtx(ctx, engineErr)

	if s.config.AbortOnEngineError {
		s.Cancel(engineErr)
	}
}
