package poolid

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Queue is an unbounded, multi-producer single-consumer queue of block
// hashes: Push never blocks, matching the spec's requirement that
// pollers never stall on pool-id backpressure. PopBatch is the only
// blocking operation, and only blocks the consumer.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []chainhash.Hash
	closed bool
}

// NewQueue returns an empty, open Queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends hash to the queue. Never blocks.
func (q *Queue) Push(hash chainhash.Hash) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, hash)
	q.cond.Signal()
}

// PopBatch blocks until at least one item is available, ctx is
// cancelled, or the queue is closed, then returns up to max items. ok
// is false only when the queue is closed and drained or ctx is done.
func (q *Queue) PopBatch(ctx context.Context, max int) (batch []chainhash.Hash, ok bool) {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		// Broadcast under q.mu so the wakeup cannot fall between the
		// consumer's ctx check and its cond.Wait.
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		select {
		case <-ctx.Done():
			return nil, false
		default:
		}
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}

	n := max
	if n > len(q.items) {
		n = len(q.items)
	}
	batch = append(batch, q.items[:n]...)
	q.items = q.items[n:]
	return batch, true
}

// Close marks the queue closed and wakes any blocked consumer; no
// further Push calls are accepted.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
