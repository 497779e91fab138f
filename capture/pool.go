// Package capture simulates an external buffer producer: reference counted, pooled RGBA
// buffers, and a Source that fills and feeds them at a fixed rate.
//
// The pool tracks every acquire and release, so tests can verify that a consumer released
// each buffer exactly once.
package capture

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
)

// ErrExhausted is returned by Pool.Get when every buffer is in use.
var ErrExhausted = errors.New("capture: buffer pool exhausted")

// Pool is a bounded pool of equally sized RGBA buffers. It is safe for concurrent use.
type Pool struct {
	width    int
	height   int
	capacity int

	mu        sync.Mutex
	free      []*Buffer
	allocated int

	acquired   atomic.Uint64
	released   atomic.Uint64
	violations atomic.Uint64
}

// PoolStats is a snapshot of a Pool's accounting.
type PoolStats struct {
	Acquired    uint64 `json:"acquired"`
	Released    uint64 `json:"released"`
	Outstanding int64  `json:"outstanding"`
	Allocated   int    `json:"allocated"`
	// Violations counts releases of a buffer that had no outstanding reference.
	Violations uint64 `json:"violations"`
}

// NewPool returns a pool of at most capacity buffers, allocated lazily.
func NewPool(width, height, capacity int) (*Pool, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("capture: invalid buffer size %dx%d", width, height)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capture: invalid pool capacity %d", capacity)
	}
	return &Pool{
		width:    width,
		height:   height,
		capacity: capacity,
	}, nil
}

// Get acquires a buffer, holding a single reference.
func (p *Pool) Get() (*Buffer, error) {
	p.mu.Lock()
	var b *Buffer
	if n := len(p.free); n != 0 {
		b = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else if p.allocated < p.capacity {
		p.allocated++
		b = &Buffer{
			pool: p,
			img:  image.NewRGBA(image.Rect(0, 0, p.width, p.height)),
		}
	}
	p.mu.Unlock()

	if b == nil {
		return nil, ErrExhausted
	}

	b.refs.Store(1)
	p.acquired.Add(1)
	return b, nil
}

// Size returns the dimensions of the pool's buffers.
func (p *Pool) Size() (width, height int) {
	return p.width, p.height
}

// Stats returns a snapshot of the pool's accounting.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	allocated := p.allocated
	p.mu.Unlock()
	acquired, released := p.acquired.Load(), p.released.Load()
	return PoolStats{
		Acquired:    acquired,
		Released:    released,
		Outstanding: int64(acquired) - int64(released),
		Allocated:   allocated,
		Violations:  p.violations.Load(),
	}
}

func (p *Pool) put(b *Buffer) {
	p.released.Add(1)
	p.mu.Lock()
	p.free = append(p.free, b)
	p.mu.Unlock()
}

// Buffer is a pooled RGBA image, returned to its pool when its last reference is released.
// It implements framepipe.Buffer.
type Buffer struct {
	pool *Pool
	img  *image.RGBA
	refs atomic.Int32
}

// Image returns the buffer's pixels. Only valid while a reference is held.
func (b *Buffer) Image() image.Image {
	return b.img
}

// RGBA returns the buffer's pixels, for writing. Only valid while a reference is held.
func (b *Buffer) RGBA() *image.RGBA {
	return b.img
}

// Retain adds a reference.
func (b *Buffer) Retain() {
	b.refs.Add(1)
}

// Release drops a reference, returning the buffer to its pool once none remain. Releasing a
// buffer with no references is counted as a violation, and otherwise ignored.
func (b *Buffer) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		b.pool.put(b)
	case n < 0:
		b.refs.Add(1)
		b.pool.violations.Add(1)
	}
}
