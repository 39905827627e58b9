// Package source adapts an asyncdecoder.SampleSource into the read function
// used by a decode session.
package source

import (
	"context"
	"math"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/asyncdecoder"
)

// ReadFunc fills buf with the next sample.
type ReadFunc func(ctx context.Context, buf []byte) (moreData bool, n int, pts time.Duration)

// Adapter wraps a SampleSource. Once the source reports exhaustion (or fails)
// the Adapter stops querying it and keeps reporting no more data.
//
// An Adapter is used by a single session worker and is not safe for
// concurrent use.
type Adapter struct {
	Source      asyncdecoder.SampleSource
	isExhausted bool
	lastErr     error
}

func NewAdapter(src asyncdecoder.SampleSource) *Adapter {
	return &Adapter{
		Source: src,
	}
}

func (a *Adapter) Read(
	ctx context.Context,
	buf []byte,
) (_moreData bool, _n int, _pts time.Duration) {
	logger.Tracef(ctx, "Read(cap:%d)", len(buf))
	defer func() { logger.Tracef(ctx, "/Read: more:%t n:%d pts:%v", _moreData, _n, _pts) }()

	if a.isExhausted {
		return false, 0, 0
	}

	n, pts, hasMore, err := a.Source.ReadNext(ctx, buf)
	if err != nil {
		logger.Errorf(ctx, "unable to read a sample, treating as end of stream: %v", err)
		a.lastErr = err
		a.isExhausted = true
		return false, 0, 0
	}

	if n < 0 {
		hasMore = false
		n = 0
	}
	if n > len(buf) {
		logger.Warnf(ctx, "the source claims to have written %d bytes into a buffer of %d bytes", n, len(buf))
		n = len(buf)
	}
	switch {
	case pts == math.MinInt64:
		pts = math.MaxInt64
	case pts < 0:
		pts = -pts
	}

	if !hasMore {
		a.isExhausted = true
	}
	return hasMore, n, pts
}

func (a *Adapter) ReadFunc() ReadFunc {
	return a.Read
}

func (a *Adapter) IsExhausted() bool {
	return a.isExhausted
}

// Err returns the read failure that caused the early end of stream, if any.
func (a *Adapter) Err() error {
	return a.lastErr
}

func (a *Adapter) Close() error {
	return a.Source.Close()
}
