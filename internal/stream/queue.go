package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/smallnest/chanx"
)

var ErrQueueClosed = errors.New("stream: queue closed")

// Queue is an unbounded multi-producer multi-consumer queue of PendingStreams.
//
// Every pushed item is delivered to exactly one Receive call. Ordering is FIFO
// per producer but not across producers once several receivers race.
//
// Concurrency: safe for concurrent use.
// Memory: unbounded; items accumulate while nobody receives.
type Queue struct {
	ch *chanx.UnboundedChan[PendingStream]

	// mu guards sends on ch.In against Close closing it.
	mu     sync.RWMutex
	closed bool

	parent    context.Context
	stop      func() bool
	closeOnce sync.Once
}

// NewQueue returns an open queue. It is closed by Close or when ctx ends.
func NewQueue(ctx context.Context) *Queue {
	q := &Queue{
		// The pump stops once In is closed, after handing every buffered item
		// to Out.
		ch:     chanx.NewUnboundedChan[PendingStream](context.Background(), 16),
		parent: ctx,
	}
	q.stop = context.AfterFunc(ctx, q.Close)
	return q
}

// Push enqueues s. It only blocks for as long as the queue's internal pump
// takes to pick the item up; capacity is unbounded.
//
// On error the caller still owns s.
func (q *Queue) Push(ctx context.Context, s PendingStream) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch.In <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until an item is available, the queue is closed or ctx is
// done.
func (q *Queue) Receive(ctx context.Context) (PendingStream, error) {
	select {
	case s, ok := <-q.ch.Out:
		if !ok {
			return nil, ErrQueueClosed
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return q.ch.Len()
}

// Close stops the queue. Every item still buffered has its connection closed,
// unless a concurrent Receive takes it first. Close is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.stop()
		q.mu.Lock()
		q.closed = true
		close(q.ch.In)
		q.mu.Unlock()

		for s := range q.ch.Out {
			_ = s.NetConn().Close()
		}
	})
}

// Closed reports whether Close was called or the parent context ended.
func (q *Queue) Closed() bool {
	if q.parent.Err() != nil {
		return true
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
