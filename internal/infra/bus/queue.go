package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/NasaVasa/shardalerts/internal/domain"
)

var (
	ErrQueueFull   = errors.New("message queue full")
	ErrQueueClosed = errors.New("message queue closed")
)

type envelope struct {
	msg      domain.Message
	attempts int
}

// queue is a bounded, non-blocking message queue shared by the competing
// consumers of one group.
type queue struct {
	mu     sync.RWMutex
	ch     chan envelope
	closed bool
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue{ch: make(chan envelope, capacity)}
}

// TryPublish enqueues without blocking.
func (q *queue) TryPublish(e envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the queue from accepting new messages. Consumers drain what is
// already buffered.
func (q *queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Run consumes messages until the context is done or the queue is closed and
// drained.
func (q *queue) Run(ctx context.Context, handler func(envelope)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}
