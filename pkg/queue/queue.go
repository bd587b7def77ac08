// Package queue provides the bounded buffer between sources and sinks.
// A full queue blocks producers (backpressure); it never drops items.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrTimeout is returned by Pop when nothing arrived within the timeout.
	// It is a liveness signal, not a failure.
	ErrTimeout = errors.New("queue: pop timeout")

	// ErrClosed is returned by Push after Close, and by Pop once the queue
	// is closed and drained.
	ErrClosed = errors.New("queue: closed")
)

// Prometheus metrics for the queue.
var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_queue_depth",
		Help: "Number of batches waiting in the queue",
	})

	queueBlockedSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_queue_push_blocked_seconds",
		Help:    "Time producers spent blocked on a full queue",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	})
)

// Queue is a bounded FIFO safe for concurrent producers and consumers.
type Queue[T any] struct {
	items     chan T
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a queue holding at most capacity items. Capacity below 1 is
// raised to 1.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:  make(chan T, capacity),
		closed: make(chan struct{}),
	}
}

// Push appends v, blocking while the queue is full.
// Returns ctx.Err() on cancellation and ErrClosed after Close.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	// Fast path.
	select {
	case q.items <- v:
		queueDepth.Set(float64(len(q.items)))
		return nil
	default:
	}

	start := time.Now()
	defer func() {
		queueBlockedSeconds.Observe(time.Since(start).Seconds())
	}()

	select {
	case q.items <- v:
		queueDepth.Set(float64(len(q.items)))
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop removes the oldest item, waiting at most timeout.
// Returns ErrTimeout if nothing arrived, ErrClosed once the queue is closed
// and empty, and ctx.Err() on cancellation.
func (q *Queue[T]) Pop(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	select {
	case v := <-q.items:
		queueDepth.Set(float64(len(q.items)))
		return v, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-q.items:
		queueDepth.Set(float64(len(q.items)))
		return v, nil
	case <-q.closed:
		// Drain what was queued before Close.
		select {
		case v := <-q.items:
			queueDepth.Set(float64(len(q.items)))
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, ErrTimeout
	}
}

// Close stops accepting items. Items already queued can still be popped.
// Safe to call more than once.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}
