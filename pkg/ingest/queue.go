package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// Op is a lightweight in-memory representation of a send-message
// operation destined for the persistence pipeline. Payload carries the
// message body and may be backed by a pooled ByteBuffer; consumers must
// call Item.Done() when finished.
type Op struct {
	Key    string
	Sender string
	// Payload holds the raw message body bytes.
	Payload []byte
	// TS is the authoritative server timestamp assigned at receipt (ns).
	TS int64
	// EnqSeq is a monotonic enqueue sequence assigned when the op is
	// accepted into the in-memory queue.
	EnqSeq uint64
	// Reply, when non-nil, receives the outcome of applying the op.
	Reply chan Result
}

var (
	// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
	ErrQueueFull = errors.New("ingest queue full")
	// ErrQueueClosed is returned when enqueueing after shutdown began.
	ErrQueueClosed = errors.New("ingest queue closed")
)

// Item wraps an Op and owns a pooled ByteBuffer if one was used.
// Consumers MUST call Done() exactly once after processing the item to
// return pooled resources.
type Item struct {
	Op *Op

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// Done releases internal pooled resources (buffer + op) back to the pool.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			// avoid retaining huge buffers in the pool
			if cap(it.buf.B) > maxPooledBuffer {
				it.buf = nil
			} else {
				bytebufferpool.Put(it.buf)
				it.buf = nil
			}
		}
		if it.Op != nil {
			it.Op.Payload = nil
			it.Op.Reply = nil
			opPool.Put(it.Op)
			it.Op = nil
		}
		itemPool.Put(it)
	})
}

// Queue is a bounded in-memory queue feeding one pipeline worker. It is
// safe for concurrent producers. Consumers should range over Out() to
// receive items.
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64
	closed   atomic.Bool

	// mu serializes Close against in-flight enqueues: producers hold the
	// read side across the channel send, Close takes the write side before
	// closing the channel.
	mu sync.RWMutex
}

var opPool = sync.Pool{New: func() any { return &Op{} }}
var itemPool = sync.Pool{New: func() any { return &Item{} }}

// maxPooledBuffer controls the largest buffer size that will be returned
// to the pooled ByteBuffer. Buffers larger than this are dropped to avoid
// unbounded resident memory.
var maxPooledBuffer = 256 * 1024 // 256 KiB

var enqSeq uint64

// NewQueue creates a new bounded Queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// Out returns a read-only channel that consumers can range over to
// receive queued items. Do not close it from callers.
func (q *Queue) Out() <-chan *Item { return q.ch }

func (q *Queue) newItem(op *Op) *Item {
	newOp := opPool.Get().(*Op)
	*newOp = *op
	newOp.EnqSeq = atomic.AddUint64(&enqSeq, 1)

	var bb *bytebufferpool.ByteBuffer
	if len(op.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], op.Payload...)
		newOp.Payload = bb.B[:len(op.Payload)]
	}
	it := itemPool.Get().(*Item)
	*it = Item{Op: newOp, buf: bb}
	return it
}

func (q *Queue) release(it *Item) {
	atomic.AddUint64(&q.dropped, 1)
	it.Done()
}

// TryEnqueue attempts to enqueue an Op by copying its payload into a
// pooled buffer. If the queue is full ErrQueueFull is returned.
func (q *Queue) TryEnqueue(op *Op) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return ErrQueueClosed
	}
	it := q.newItem(op)
	select {
	case q.ch <- it:
		return nil
	default:
		q.release(it)
		return ErrQueueFull
	}
}

// Enqueue attempts to enqueue op, blocking until space is available or
// the provided context is done. Returns ctx.Err() if the context expires.
func (q *Queue) Enqueue(ctx context.Context, op *Op) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return ErrQueueClosed
	}
	it := q.newItem(op)
	select {
	case q.ch <- it:
		return nil
	case <-ctx.Done():
		q.release(it)
		return ctx.Err()
	}
}

// Close stops accepting new ops and closes the channel. Items already
// queued are left for workers to drain. Close waits for enqueues that
// already passed the closed check before closing the channel.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed.CompareAndSwap(false, true) {
		return
	}
	close(q.ch)
}

// CloseAndDrain closes the queue channel and drains remaining items
// without applying them, ensuring resources are released and waiters
// are unblocked.
func (q *Queue) CloseAndDrain() {
	q.Close()
	for it := range q.ch {
		if it.Op != nil && it.Op.Reply != nil {
			it.Op.Reply <- Result{Err: ErrQueueClosed}
		}
		it.Done()
	}
}

// RunWorker runs a worker loop that invokes handler for each dequeued Op
// and releases the item afterwards. The worker exits when stop is closed
// or when the queue is closed and drained.
func (q *Queue) RunWorker(stop <-chan struct{}, handler func(*Op)) {
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return
			}
			handler(it.Op)
			it.Done()
		case <-stop:
			return
		}
	}
}

// Len returns the current number of items in the queue.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity of the queue.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns the number of operations rejected due to a full queue
// or context cancellation during enqueue.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
