// Package pipeline implements the ingestion-to-reconciliation pipeline: an
// unbounded queue fabric connecting the scheduler, resolver, and reconciler
// worker stages, plus the supervisor that keeps them healthy.
package pipeline

import (
	"context"
	"time"

	"github.com/eapache/channels"
)

// Queue is an unbounded multi-producer multi-consumer work queue. Push never
// blocks; depth is policed by the supervisor's compaction pass instead of by
// backpressure.
type Queue[T any] struct {
	name string
	ch   *channels.InfiniteChannel
}

// NewQueue returns an empty queue. The name shows up in telemetry.
func NewQueue[T any](name string) *Queue[T] {
	return &Queue[T]{name: name, ch: channels.NewInfiniteChannel()}
}

// Name returns the queue's telemetry name.
func (q *Queue[T]) Name() string { return q.name }

// Push enqueues an item without blocking.
func (q *Queue[T]) Push(v T) {
	q.ch.In() <- v
}

// Pop blocks until an item arrives or ctx is cancelled. The second return
// is false only when no item was obtained.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, false
	case v, ok := <-q.ch.Out():
		if !ok {
			return zero, false
		}
		return v.(T), true
	}
}

// TryPop returns immediately with ok=false when the queue is empty.
func (q *Queue[T]) TryPop() (T, bool) {
	var zero T
	select {
	case v, ok := <-q.ch.Out():
		if !ok {
			return zero, false
		}
		return v.(T), true
	default:
		return zero, false
	}
}

// drainGrace rides out the underlying channel's internal staging: a
// buffered item needs a moment to surface on the output side, so a pure
// non-blocking read can miss items the queue actually holds.
const drainGrace = 20 * time.Millisecond

// PopWait waits up to d for an item, returning ok=false on timeout.
func (q *Queue[T]) PopWait(d time.Duration) (T, bool) {
	var zero T
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case v, ok := <-q.ch.Out():
		if !ok {
			return zero, false
		}
		return v.(T), true
	case <-timer.C:
		return zero, false
	}
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	return q.ch.Len()
}

// Drain empties the queue and returns everything it held, oldest first.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		v, ok := q.PopWait(drainGrace)
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Close releases the queue's internal buffering. Push after Close panics;
// callers stop producers first.
func (q *Queue[T]) Close() {
	q.ch.Close()
}
