package framepipe

import (
	"fmt"
	"sync"
)

// Buffer is an externally owned, externally reference counted image buffer. The pipeline
// never copies pixel data. Every Buffer accepted by [Pipeline.Feed] is released exactly once,
// and the producer must keep it valid until then.
type Buffer interface {
	Release()
}

// Metadata describes how a buffer's pixels are to be presented.
type Metadata struct {
	Width  int
	Height int
	// RotationDegrees is the clockwise rotation to apply, a multiple of 90.
	RotationDegrees int
	// Mirrored flips the image horizontally, after rotation.
	Mirrored bool
}

// normalized validates the metadata, returning a copy with rotation in [0, 360).
func (m Metadata) normalized() (Metadata, error) {
	if m.Width <= 0 || m.Height <= 0 {
		return m, fmt.Errorf("%w: size %dx%d", ErrInvalidMetadata, m.Width, m.Height)
	}
	r := m.RotationDegrees % 360
	if r < 0 {
		r += 360
	}
	if r%90 != 0 {
		return m, fmt.Errorf("%w: rotation %d", ErrInvalidMetadata, m.RotationDegrees)
	}
	m.RotationDegrees = r
	return m, nil
}

// Frame is one fed buffer plus its metadata.
type Frame struct {
	Buffer   Buffer
	Metadata Metadata
	// Seq is assigned by Feed, starting at 1, and increases monotonically per pipeline.
	Seq uint64
}

// ReleaseReason identifies which path released a buffer.
type ReleaseReason int

const (
	// ReleaseConsumed means the frame was handed to the backend's Upload.
	ReleaseConsumed ReleaseReason = iota
	// ReleaseOverwritten means a newer frame evicted it, per the pipeline's Policy.
	ReleaseOverwritten
	// ReleaseDetached means it was pending while no surface was attached.
	ReleaseDetached
	// ReleaseShutdown means it was pending when the pipeline closed.
	ReleaseShutdown
	// ReleaseRejected means Feed refused it (closed or failed pipeline, or invalid metadata).
	ReleaseRejected
)

// String returns a human-readable representation of the reason.
func (r ReleaseReason) String() string {
	switch r {
	case ReleaseConsumed:
		return "consumed"
	case ReleaseOverwritten:
		return "overwritten"
	case ReleaseDetached:
		return "detached"
	case ReleaseShutdown:
		return "shutdown"
	case ReleaseRejected:
		return "rejected"
	default:
		return fmt.Sprintf("ReleaseReason(%d)", int(r))
	}
}

// Policy controls how many unconsumed frames are retained, and which is dropped on overflow.
type Policy struct {
	depth int
}

// LatestWins retains only the most recently fed frame. A new frame replaces, and releases, any
// unconsumed previous one. Use it when staleness is worse than loss, e.g. live preview.
func LatestWins() Policy {
	return Policy{depth: 1}
}

// BoundedFIFO retains up to depth frames, in order. Feeding beyond depth releases the oldest.
// A depth less than one is rejected by [WithPolicy].
func BoundedFIFO(depth int) Policy {
	return Policy{depth: depth}
}

// Depth returns the maximum number of retained frames.
func (p Policy) Depth() int {
	return p.depth
}

// String returns a human-readable representation of the policy.
func (p Policy) String() string {
	if p.depth == 1 {
		return "latest-wins"
	}
	return fmt.Sprintf("bounded-fifo(%d)", p.depth)
}

// frameQueue is the pending frame slot shared by producers and the worker: a fixed capacity
// ring, guarded by a mutex. Releases are performed by callers, outside the lock.
type frameQueue struct {
	mu     sync.Mutex
	ring   []Frame
	head   int
	size   int
	seq    uint64
	closed bool
}

func newFrameQueue(policy Policy) *frameQueue {
	return &frameQueue{ring: make([]Frame, policy.depth)}
}

// push appends a frame, evicting the oldest if full. Fails with ErrPipelineClosed once closed,
// in which case the caller still owns the buffer.
func (q *frameQueue) push(buf Buffer, meta Metadata) (frame Frame, evicted Frame, dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Frame{}, Frame{}, false, ErrPipelineClosed
	}

	q.seq++
	frame = Frame{Buffer: buf, Metadata: meta, Seq: q.seq}

	if q.size == len(q.ring) {
		evicted = q.ring[q.head]
		dropped = true
		q.ring[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.ring)
		q.size--
	}

	q.ring[(q.head+q.size)%len(q.ring)] = frame
	q.size++

	return frame, evicted, dropped, nil
}

// pop removes the oldest frame.
func (q *frameQueue) pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Frame{}, false
	}
	frame := q.ring[q.head]
	q.ring[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	return frame, true
}

// len returns the number of pending frames.
func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// drain removes every pending frame, oldest first.
func (q *frameQueue) drain() []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

// close marks the queue closed, so later pushes fail, and drains it.
func (q *frameQueue) close() []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return q.drainLocked()
}

func (q *frameQueue) drainLocked() []Frame {
	if q.size == 0 {
		return nil
	}
	frames := make([]Frame, 0, q.size)
	for q.size != 0 {
		frames = append(frames, q.ring[q.head])
		q.ring[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.ring)
		q.size--
	}
	return frames
}
