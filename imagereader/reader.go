// Package imagereader implements a bounded frame sink that forwards decoded
// images to an asyncdecoder.ImageConsumer on its own goroutine.
package imagereader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/asyncdecoder"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"
)

type Statistics struct {
	Rendered       atomic.Uint64
	Delivered      atomic.Uint64
	Dropped        atomic.Uint64
	Rejected       atomic.Uint64
	ConsumerErrors atomic.Uint64
}

// Reader holds at most MaxImages images: the ones waiting for delivery plus
// the one being consumed.
//
// With ImagePolicyAcquireAll every image is delivered in order and Render
// fails with ErrMaxImagesAcquired when the consumer falls behind. With
// ImagePolicyAcquireLatest older undelivered images are dropped so that the
// consumer always receives the most recent one.
type Reader struct {
	Statistics

	locker    xsync.Mutex
	policy    asyncdecoder.ImagePolicy
	maxImages int
	consumer  asyncdecoder.ImageConsumer
	queue     []*asyncdecoder.Image
	acquired  int
	isClosed  bool
	changed   chan struct{}
	wakeup    chan struct{}
	cancelFn  context.CancelFunc
	waitGroup sync.WaitGroup
}

var _ asyncdecoder.Sink = (*Reader)(nil)

func New(
	ctx context.Context,
	policy asyncdecoder.ImagePolicy,
	maxImages int,
	consumer asyncdecoder.ImageConsumer,
) (*Reader, error) {
	switch policy {
	case asyncdecoder.ImagePolicyUndefined:
		policy = asyncdecoder.ImagePolicyAcquireAll
	case asyncdecoder.ImagePolicyAcquireAll, asyncdecoder.ImagePolicyAcquireLatest:
	default:
		return nil, fmt.Errorf("unknown image policy: %s", policy)
	}
	if maxImages <= 0 {
		maxImages = asyncdecoder.DefaultMaxImages
	}
	if consumer == nil {
		return nil, fmt.Errorf("no image consumer provided")
	}

	ctx, cancelFn := context.WithCancel(ctx)
	r := &Reader{
		policy:    policy,
		maxImages: maxImages,
		consumer:  consumer,
		changed:   make(chan struct{}),
		wakeup:    make(chan struct{}, 1),
		cancelFn:  cancelFn,
	}
	r.waitGroup.Add(1)
	observability.Go(ctx, func(ctx context.Context) {
		defer r.waitGroup.Done()
		r.deliveryLoop(ctx)
	})
	return r, nil
}

func (r *Reader) Policy() asyncdecoder.ImagePolicy {
	return r.policy
}

func (r *Reader) MaxImages() int {
	return r.maxImages
}

// Render never blocks on the consumer.
func (r *Reader) Render(
	ctx context.Context,
	img *asyncdecoder.Image,
) error {
	ctx = xsync.WithNoLogging(ctx, true)
	err := xsync.DoR1(ctx, &r.locker, func() error {
		if r.isClosed {
			return asyncdecoder.ErrClosed
		}

		if len(r.queue)+r.acquired >= r.maxImages {
			if r.policy != asyncdecoder.ImagePolicyAcquireLatest {
				r.Rejected.Add(1)
				return fmt.Errorf("unable to accept image #%d: %w", img.Sequence, asyncdecoder.ErrMaxImagesAcquired)
			}
			if len(r.queue) == 0 {
				r.Dropped.Add(1)
				img.Release()
				return nil
			}
			oldest := r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
			oldest.Release()
			r.Dropped.Add(1)
		}

		r.queue = append(r.queue, img)
		r.Rendered.Add(1)
		r.notifyChangedNoLock()
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case r.wakeup <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the amount of held images (waiting and being consumed).
func (r *Reader) Pending(ctx context.Context) int {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &r.locker, func() int {
		return len(r.queue) + r.acquired
	})
}

// Flush blocks until every accepted image was delivered (or dropped).
func (r *Reader) Flush(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Flush")
	defer func() { logger.Debugf(ctx, "/Flush: %v", _err) }()
	for {
		var changed chan struct{}
		isIdle := xsync.DoR1(xsync.WithNoLogging(ctx, true), &r.locker, func() bool {
			changed = r.changed
			return r.isClosed || len(r.queue)+r.acquired == 0
		})
		if isIdle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (r *Reader) Close() error {
	ctx := xsync.WithNoLogging(context.Background(), true)
	alreadyClosed := xsync.DoR1(ctx, &r.locker, func() bool {
		if r.isClosed {
			return true
		}
		r.isClosed = true
		r.notifyChangedNoLock()
		return false
	})
	if alreadyClosed {
		return asyncdecoder.ErrClosed
	}

	r.cancelFn()
	r.waitGroup.Wait()

	r.locker.Do(ctx, func() {
		for _, img := range r.queue {
			img.Release()
			r.Dropped.Add(1)
		}
		r.queue = nil
	})
	return nil
}

func (r *Reader) notifyChangedNoLock() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Reader) acquireNext(ctx context.Context) *asyncdecoder.Image {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &r.locker, func() *asyncdecoder.Image {
		if r.isClosed || len(r.queue) == 0 {
			return nil
		}

		var img *asyncdecoder.Image
		switch r.policy {
		case asyncdecoder.ImagePolicyAcquireLatest:
			last := len(r.queue) - 1
			for _, older := range r.queue[:last] {
				older.Release()
				r.Dropped.Add(1)
			}
			img = r.queue[last]
			clear(r.queue)
			r.queue = r.queue[:0]
		default:
			img = r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
		}
		r.acquired++
		return img
	})
}

func (r *Reader) releaseAcquired(ctx context.Context, img *asyncdecoder.Image) {
	img.Release()
	r.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		r.acquired--
		r.notifyChangedNoLock()
	})
}

func (r *Reader) deliveryLoop(ctx context.Context) {
	logger.Debugf(ctx, "deliveryLoop")
	defer func() { logger.Debugf(ctx, "/deliveryLoop") }()

	for {
		img := r.acquireNext(ctx)
		if img == nil {
			select {
			case <-ctx.Done():
				return
			case <-r.wakeup:
				continue
			}
		}

		err := r.deliver(ctx, img)
		if err != nil {
			r.ConsumerErrors.Add(1)
			errmon.ObserveErrorCtx(ctx, fmt.Errorf("the image consumer failed on image #%d: %w", img.Sequence, err))
		} else {
			r.Delivered.Add(1)
		}
		r.releaseAcquired(ctx, img)
	}
}

func (r *Reader) deliver(ctx context.Context, img *asyncdecoder.Image) (_err error) {
	defer func() {
		if rec := recover(); rec != nil {
			_err = fmt.Errorf("panic: %v", rec)
		}
	}()
	logger.Tracef(ctx, "delivering image #%d pts:%v", img.Sequence, img.PTS)
	return r.consumer.ConsumeImage(ctx, img)
}
