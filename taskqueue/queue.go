// Package taskqueue provides an unbounded multi-producer single-consumer FIFO
// with a blocking pop.
package taskqueue

import (
	"context"
	"sync"
)

// Queue never blocks producers: a stalled consumer makes it grow instead.
type Queue[T any] struct {
	locker   sync.Mutex
	items    []T
	head     int
	notEmpty chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		notEmpty: make(chan struct{}, 1),
	}
}

// Push is safe to call from any goroutine.
func (q *Queue[T]) Push(item T) {
	q.locker.Lock()
	wasEmpty := q.lenNoLock() == 0
	q.items = append(q.items, item)
	q.locker.Unlock()

	if wasEmpty {
		q.signal()
	}
}

// Pop blocks until an item is available or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		item, ok := q.TryPop()
		if ok {
			return item, nil
		}

		select {
		case <-ctx.Done():
			var zeroValue T
			return zeroValue, ctx.Err()
		case <-q.notEmpty:
		}
	}
}

// TryPop returns the oldest item if there is one.
func (q *Queue[T]) TryPop() (T, bool) {
	q.locker.Lock()
	if q.lenNoLock() == 0 {
		q.locker.Unlock()
		var zeroValue T
		return zeroValue, false
	}

	var zeroValue T
	item := q.items[q.head]
	q.items[q.head] = zeroValue
	q.head++
	remaining := q.lenNoLock()
	if remaining == 0 {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > len(q.items)/2 {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	q.locker.Unlock()

	// another consumer may be waiting for the items left behind
	if remaining > 0 {
		q.signal()
	}
	return item, true
}

func (q *Queue[T]) Len() int {
	q.locker.Lock()
	defer q.locker.Unlock()
	return q.lenNoLock()
}

func (q *Queue[T]) lenNoLock() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}
