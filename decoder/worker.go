package decoder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/asyncdecoder"
)

func (s *Session) runWorker(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "runWorker(%s)", s.config.ConcurrencyModel)
	defer func() { logger.Debugf(ctx, "/runWorker(%s): %v", s.config.ConcurrencyModel, _err) }()

	switch s.config.ConcurrencyModel {
	case asyncdecoder.ConcurrencyModelPolling:
		return s.pollingLoop(ctx)
	default:
		return s.callbackLoop(ctx)
	}
}

func (s *Session) callbackLoop(ctx context.Context) error {
	for !s.IsDone() {
		if s.isAborted.Load() {
			return s.abortError()
		}

		ev, err := s.queue.Pop(ctx)
		if err != nil {
			s.Cancel(err)
			return s.abortError()
		}
		s.execute(ctx, ev)
	}
	return nil
}

func (s *Session) pollingLoop(ctx context.Context) error {
	timeout := s.config.PollTimeout
	for !s.IsDone() {
		if s.isAborted.Load() {
			return s.abortError()
		}
		if err := ctx.Err(); err != nil {
			s.Cancel(err)
			return s.abortError()
		}

		var failed bool
		if !s.inputEOS.Load() {
			if err := s.pollInput(ctx, timeout); err != nil {
				failed = true
				s.reportPollFailure(ctx, err)
			}
		}
		if !s.outputEOS.Load() {
			if err := s.pollOutput(ctx, timeout); err != nil {
				failed = true
				s.reportPollFailure(ctx, err)
			}
		}

		if failed {
			// do not spin on an engine that fails right away
			select {
			case <-ctx.Done():
			case <-time.After(timeout):
			}
		}
	}
	return nil
}

func (s *Session) pollInput(ctx context.Context, timeout time.Duration) error {
	index, err := s.pollingEngine.DequeueInputBuffer(ctx, timeout)
	switch {
	case err == nil:
		s.execute(ctx, event{Kind: eventKindInputAvailable, Index: index})
		return nil
	case isTryAgain(err):
		return nil
	}
	return fmt.Errorf("unable to dequeue an input buffer: %w", err)
}

func (s *Session) pollOutput(ctx context.Context, timeout time.Duration) error {
	index, info, err := s.pollingEngine.DequeueOutputBuffer(ctx, timeout)
	switch {
	case err == nil:
		s.execute(ctx, event{Kind: eventKindOutputAvailable, Index: index, Info: info})
		return nil
	case errors.Is(err, asyncdecoder.ErrOutputFormatChanged):
		s.execute(ctx, event{Kind: eventKindFormatChanged, Format: s.pollingEngine.OutputFormat(ctx)})
		return nil
	case isTryAgain(err):
		return nil
	}
	return fmt.Errorf("unable to dequeue an output buffer: %w", err)
}

func (s *Session) reportPollFailure(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	var engineErr asyncdecoder.EngineError
	if errors.As(err, &engineErr) {
		s.execute(ctx, event{Kind: eventKindError, Error: engineErr})
		return
	}
	s.TaskFailures.Add(1)
	logger.Errorf(ctx, "%v", err)
}
