// Package bufpool implements fixed-size, reference-counted packet buffers
// drawn from a bounded free list that grows on demand (C1 of the relay
// runtime). It is grounded on hoycutils/common/mempool.c's free-list pool,
// adapted to a goroutine-safe Go pool of reference-counted slices in the
// spirit of the teacher's catrate.categoryDataPool (a sync.Pool of reusable
// structs, reference counted rather than GC-reclaimed).
package bufpool

import (
	"sync"
	"sync/atomic"

	"github.com/turnrelay/turnrelay/internal/rerr"
)

// Buffer is a contiguous byte region owned by a Pool, reference counted from
// 1 at allocation. Every fan-out that retains a Buffer must call Get; every
// holder must call Release exactly once when done. The Buffer is returned to
// its pool when the reference count reaches zero.
//
// A Buffer must be written to only while its refcount is 1 (i.e. before it
// is shared via Get); after Get is called by any other goroutine the bytes
// must be treated as frozen. This single-writer-until-shared rule replaces
// the source's explicit mutation-after-share convention with an API-level
// discipline.
type Buffer struct {
	data []byte // data[:cap(data)] is the full element; len(data) is the logical length
	pool *Pool
	refs atomic.Int32
}

// Bytes returns the logical (length-bounded) contents of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// SetLen sets the logical length. Must only be called while refcount is 1.
func (b *Buffer) SetLen(n int) {
	b.data = b.data[:n]
}

// Cap returns the buffer's full element capacity.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Get increments the reference count and returns the same Buffer, for
// callers fanning out a shared reference (e.g. the turn task forwarding one
// datagram to several participants).
func (b *Buffer) Get() *Buffer {
	b.refs.Add(1)
	return b
}

// Release decrements the reference count, returning the Buffer to its pool
// when it reaches zero. Calling Release more times than a Buffer has been
// retained is a caller bug; the resulting refcount underflow is a Fatal
// condition in the source and is reported here as a panic, since recovering
// from it would mask data corruption.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n == 0:
		if b.pool != nil {
			b.pool.put(b)
		}
	default:
		panic("bufpool: refcount underflow")
	}
}

// Wrap constructs a standalone, refcount-1 Buffer around data, for one-off
// sends (e.g. control-channel RPCs) that do not come from a fixed-size Pool.
// Release on a wrapped Buffer simply drops it; there is no pool to return
// it to.
func Wrap(data []byte) *Buffer {
	b := &Buffer{data: data}
	b.refs.Store(1)
	return b
}

// Pool is a bounded, thread-safe free list of fixed-size Buffers. Element
// size includes the protocol header prefix so senders can emit header and
// payload as one buffer.
type Pool struct {
	elemSize int
	limit    int // 0 means unlimited
	mu       sync.Mutex
	free     []*Buffer
	count    int // total buffers ever allocated, for the limited-mode check
}

// New creates a Pool of elements sized elemSize, pre-populated with init
// free buffers. If limit > 0, Alloc fails with rerr.ResourceExhausted once
// limit buffers have been created and none are free; limit <= 0 means
// allocation grows without bound on a miss.
func New(elemSize, init, limit int) *Pool {
	p := &Pool{elemSize: elemSize, limit: limit}
	for i := 0; i < init; i++ {
		p.free = append(p.free, p.newBuffer())
	}
	return p
}

func (p *Pool) newBuffer() *Buffer {
	p.count++
	return &Buffer{data: make([]byte, p.elemSize), pool: p}
}

// Alloc returns a fresh Buffer with refcount 1 and logical length equal to
// the pool's element size (callers should SetLen to the actual payload
// size). On exhaustion in limited mode, returns rerr.ErrResourceExhausted.
func (p *Pool) Alloc() (*Buffer, error) {
	p.mu.Lock()
	var b *Buffer
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
	} else if p.limit <= 0 || p.count < p.limit {
		b = p.newBuffer()
	}
	p.mu.Unlock()

	if b == nil {
		return nil, rerr.New(rerr.ResourceExhausted, "bufpool.Alloc", nil)
	}
	b.refs.Store(1)
	b.data = b.data[:p.elemSize]
	return b, nil
}

func (p *Pool) put(b *Buffer) {
	p.mu.Lock()
	p.free = append(p.free, b)
	p.mu.Unlock()
}

// ElemSize returns the fixed element size of buffers allocated by this pool.
func (p *Pool) ElemSize() int {
	return p.elemSize
}
