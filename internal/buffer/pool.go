package buffer

import "errors"

// Wire protocol sizes. BufCap bounds both the per-connection input
// buffer and every pooled output buffer.
const (
	// TsLen is the width of the "[HH:MM:SS]" timestamp prefix on
	// history lines.
	TsLen = 10

	// MaxNick is the maximum nickname length in bytes.
	MaxNick = 20

	// MaxMsg is the maximum broadcast message body length in bytes.
	MaxMsg = 140

	// BufCap is the capacity of every buffer handled by the pool and
	// of each connection's input accumulation buffer.
	BufCap = TsLen + MaxNick + MaxMsg + 3

	// PoolSize is the number of buffers owned by the pool. All
	// outbound bytes in the process live in these buffers; there is no
	// fallback allocation.
	PoolSize = 16
)

// ErrPoolExhausted is returned by Take when the free list is empty.
// Callers treat it as fatal: the pool is sized against the connection
// table and the steady-state send depth, so running dry means the
// process is outside its design envelope.
var ErrPoolExhausted = errors.New("memory limit exceeded")

// PooledBuffer is a fixed-capacity byte container. The link field is
// used exclusively while the buffer sits on the pool's free list or on
// one connection's send queue; a buffer is always on exactly one of
// the two.
type PooledBuffer struct {
	data [BufCap]byte
	used int
	off  int
	next *PooledBuffer
}

// Append copies as much of p as fits and returns the number of bytes
// consumed.
func (b *PooledBuffer) Append(p []byte) int {
	n := copy(b.data[b.used:], p)
	b.used += n
	return n
}

// Free reports the unused capacity.
func (b *PooledBuffer) Free() int { return BufCap - b.used }

// Len reports the number of buffered bytes, including any already
// transmitted.
func (b *PooledBuffer) Len() int { return b.used }

// Bytes returns the unsent portion of the buffer.
func (b *PooledBuffer) Bytes() []byte { return b.data[b.off:b.used] }

// Advance records n bytes as transmitted. Short writes advance the
// offset so a resumed drain never resends from the start.
func (b *PooledBuffer) Advance(n int) { b.off += n }

// Done reports whether every buffered byte has been transmitted.
func (b *PooledBuffer) Done() bool { return b.off == b.used }

func (b *PooledBuffer) reset() {
	b.used = 0
	b.off = 0
	b.next = nil
}

// Pool is a fixed free list of PoolSize buffers. The backing storage
// is allocated once here; nothing on the data path allocates after
// startup.
type Pool struct {
	storage [PoolSize]PooledBuffer
	free    *PooledBuffer
	taken   int
}

// NewPool builds the pool with every buffer on the free list.
func NewPool() *Pool {
	p := &Pool{}
	for i := range p.storage {
		p.storage[i].next = p.free
		p.free = &p.storage[i]
	}
	return p
}

// Take removes the head of the free list and returns it empty.
func (p *Pool) Take() (*PooledBuffer, error) {
	if p.free == nil {
		return nil, ErrPoolExhausted
	}
	b := p.free
	p.free = b.next
	b.reset()
	p.taken++
	return b, nil
}

// Release returns b to the free list. b must not be linked into any
// send queue.
func (p *Pool) Release(b *PooledBuffer) {
	b.reset()
	b.next = p.free
	p.free = b
	p.taken--
}

// InUse reports how many buffers are currently off the free list.
func (p *Pool) InUse() int { return p.taken }
