package buffer

// SendQueue is a FIFO of pooled buffers holding bytes pending
// transmission on one connection. The protocol layer fills it through
// Enqueue; the event loop drains it on writable readiness.
//
// Invariants: tail is nil iff head is nil, and every non-tail node is
// full. Enqueue always tops up the tail before taking a fresh buffer,
// so small responses share buffers instead of each burning one.
type SendQueue struct {
	head *PooledBuffer
	tail *PooledBuffer
	size int
}

// Empty reports whether nothing is pending.
func (q *SendQueue) Empty() bool { return q.head == nil }

// Len reports the number of queued buffers.
func (q *SendQueue) Len() int { return q.size }

// Head returns the oldest queued buffer, or nil.
func (q *SendQueue) Head() *PooledBuffer { return q.head }

// Enqueue appends p to the queue, filling the tail's spare capacity
// first and taking new buffers from the pool as needed. A single call
// may span several buffers. On pool exhaustion the bytes appended so
// far stay queued and ErrPoolExhausted is returned.
func (q *SendQueue) Enqueue(pool *Pool, p []byte) error {
	for len(p) > 0 {
		if q.tail == nil || q.tail.Free() == 0 {
			b, err := pool.Take()
			if err != nil {
				return err
			}
			if q.tail == nil {
				q.head = b
			} else {
				q.tail.next = b
			}
			q.tail = b
			q.size++
		}
		n := q.tail.Append(p)
		p = p[n:]
	}
	return nil
}

// Pop releases the head buffer back to the pool and advances the
// queue. Called by the drain path once the head is fully transmitted.
func (q *SendQueue) Pop(pool *Pool) {
	b := q.head
	q.head = b.next
	if q.head == nil {
		q.tail = nil
	}
	q.size--
	pool.Release(b)
}

// ReleaseAll drains the queue back into the pool without transmitting.
// Used when a connection is reaped with output still pending.
func (q *SendQueue) ReleaseAll(pool *Pool) {
	for q.head != nil {
		q.Pop(pool)
	}
}
