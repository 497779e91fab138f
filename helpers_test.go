package framepipe

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// mockContext is the Context created by mockBackend.
type mockContext struct {
	id      int
	surface SurfaceHandle
	live    bool
}

// mockBackend records every call. It also records a violation for any call made off the
// worker goroutine, or against a destroyed context.
type mockBackend struct {
	isWorker func() bool

	mu         sync.Mutex
	calls      []string
	contexts   []*mockContext
	resizes    [][2]int
	uploads    []Frame
	draws      int
	violations []string

	createErr error
	resizeErr error
	uploadErr error
	drawErr   error
	// onUpload, if set, runs within Upload (on the worker), e.g. to block it
	onUpload func(Frame)
}

func newMockBackend() *mockBackend {
	return &mockBackend{}
}

func (b *mockBackend) record(call string, ctx Context) *mockContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
	if b.isWorker != nil && !b.isWorker() {
		b.violations = append(b.violations, call+" called off the worker")
	}
	if ctx == nil {
		return nil
	}
	c, ok := ctx.(*mockContext)
	if !ok {
		b.violations = append(b.violations, fmt.Sprintf("%s with foreign context %T", call, ctx))
		return nil
	}
	if !c.live {
		b.violations = append(b.violations, fmt.Sprintf("%s with destroyed context %d", call, c.id))
	}
	return c
}

func (b *mockBackend) CreateContext(surface SurfaceHandle) (Context, error) {
	b.record("create", nil)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	c := &mockContext{id: len(b.contexts) + 1, surface: surface, live: true}
	b.contexts = append(b.contexts, c)
	return c, nil
}

func (b *mockBackend) DestroyContext(ctx Context) {
	c := b.record("destroy", ctx)
	b.mu.Lock()
	defer b.mu.Unlock()
	if c != nil {
		c.live = false
	}
}

func (b *mockBackend) Resize(ctx Context, width, height int) error {
	b.record("resize", ctx)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resizeErr != nil {
		return b.resizeErr
	}
	b.resizes = append(b.resizes, [2]int{width, height})
	return nil
}

func (b *mockBackend) Upload(ctx Context, frame Frame) (Texture, error) {
	b.record("upload", ctx)
	b.mu.Lock()
	onUpload, err := b.onUpload, b.uploadErr
	b.mu.Unlock()
	if onUpload != nil {
		onUpload(frame)
	}
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, frame)
	return frame.Seq, nil
}

func (b *mockBackend) Draw(ctx Context) error {
	b.record("draw", ctx)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drawErr != nil {
		return b.drawErr
	}
	b.draws++
	return nil
}

func (b *mockBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *mockBackend) Count(call string) (n int) {
	for _, v := range b.Calls() {
		if v == call {
			n++
		}
	}
	return n
}

func (b *mockBackend) Resizes() [][2]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][2]int(nil), b.resizes...)
}

func (b *mockBackend) Uploads() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Frame(nil), b.uploads...)
}

func (b *mockBackend) Violations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.violations...)
}

func (b *mockBackend) LiveContexts() (n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.contexts {
		if c.live {
			n++
		}
	}
	return n
}

func (b *mockBackend) set(fn func(b *mockBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

// clearingBackend adds Clearer to mockBackend.
type clearingBackend struct {
	*mockBackend
	clears atomic.Int32
}

func (b *clearingBackend) Clear(ctx Context) error {
	b.record("clear", ctx)
	b.clears.Add(1)
	return nil
}

// testBuffer counts its releases.
type testBuffer struct {
	id       int
	releases atomic.Int32
}

func (b *testBuffer) Release() {
	b.releases.Add(1)
}

// bufferTracker hands out testBuffers, and checks each was released exactly once.
type bufferTracker struct {
	mu   sync.Mutex
	bufs []*testBuffer
}

func (x *bufferTracker) New() *testBuffer {
	x.mu.Lock()
	defer x.mu.Unlock()
	b := &testBuffer{id: len(x.bufs) + 1}
	x.bufs = append(x.bufs, b)
	return b
}

func (x *bufferTracker) Acquired() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.bufs)
}

func (x *bufferTracker) Released() (n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, b := range x.bufs {
		n += int(b.releases.Load())
	}
	return n
}

func (x *bufferTracker) RequireAllReleasedOnce(t *testing.T) {
	t.Helper()
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, b := range x.bufs {
		if n := b.releases.Load(); n != 1 {
			t.Errorf("buffer %d released %d times", b.id, n)
		}
	}
}

// fakePacer records calls, and lets tests deliver ticks by hand.
type fakePacer struct {
	mu         sync.Mutex
	tick       func(immediate bool)
	starts     int
	stops      int
	immediates int
	startErr   error
}

func (p *fakePacer) Start(tick func(immediate bool)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.tick = tick
	p.starts++
	return nil
}

func (p *fakePacer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tick = nil
	p.stops++
}

func (p *fakePacer) RequestImmediate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.immediates++
}

// Tick delivers a tick, reporting whether the pacer was running.
func (p *fakePacer) Tick(immediate bool) bool {
	p.mu.Lock()
	tick := p.tick
	p.mu.Unlock()
	if tick == nil {
		return false
	}
	tick(immediate)
	return true
}

func (p *fakePacer) Counts() (starts, stops, immediates int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops, p.immediates
}

// blockWorker submits a task that blocks the worker until the returned function is called.
func blockWorker(t *testing.T, x *Executor) (unblock func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	require.NoError(t, x.Submit(func() error {
		close(started)
		<-gate
		return nil
	}))
	<-started
	var once sync.Once
	unblock = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(unblock)
	return unblock
}

// newTestPipeline starts a pipeline over a mockBackend, closed on cleanup.
func newTestPipeline(t *testing.T, backend Backend, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(backend, opts...)
	require.NoError(t, err)
	switch b := backend.(type) {
	case *mockBackend:
		b.set(func(b *mockBackend) { b.isWorker = p.exec.IsWorker })
	case *clearingBackend:
		b.set(func(b *mockBackend) { b.isWorker = p.exec.IsWorker })
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// newBufferLogger returns a logger writing JSON lines to a buffer.
func newBufferLogger(level logiface.Level) (*logiface.Logger[logiface.Event], *syncBuffer) {
	var buf syncBuffer
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(level),
	).Logger(), &buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

var errTest = errors.New("test error")
