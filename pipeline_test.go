package framepipe

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMeta = Metadata{Width: 4, Height: 3}

func TestPipeline_feedDriveScenario(t *testing.T) {
	backend := newMockBackend()
	var bufs bufferTracker
	p := newTestPipeline(t, backend)

	require.NoError(t, p.Attach("surface", 1920, 1080))

	bufA := bufs.New()
	require.NoError(t, p.Feed(bufA, testMeta))
	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())

	assert.Equal(t, 1, backend.Count("upload"))
	assert.Equal(t, 1, backend.Count("draw"))
	uploads := backend.Uploads()
	require.Len(t, uploads, 1)
	assert.Same(t, bufA, uploads[0].Buffer)
	assert.Equal(t, int32(1), bufA.releases.Load())
	assert.Empty(t, backend.Violations())

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Fed)
	assert.Equal(t, uint64(1), stats.Released)
	assert.Equal(t, uint64(1), stats.ReleasedBy["consumed"])
}

func TestPipeline_latestWins(t *testing.T) {
	backend := newMockBackend()
	var bufs bufferTracker
	var hooked []ReleaseReason
	var mu sync.Mutex
	p := newTestPipeline(t, backend, WithReleaseHook(func(f Frame, r ReleaseReason) {
		mu.Lock()
		hooked = append(hooked, r)
		mu.Unlock()
	}))
	require.NoError(t, p.Attach("surface", 100, 100))

	f1, f2, f3 := bufs.New(), bufs.New(), bufs.New()
	require.NoError(t, p.Feed(f1, testMeta))
	require.NoError(t, p.Feed(f2, testMeta))
	require.NoError(t, p.Feed(f3, testMeta))

	// released unrendered, immediately
	assert.Equal(t, int32(1), f1.releases.Load())
	assert.Equal(t, int32(1), f2.releases.Load())
	assert.Equal(t, int32(0), f3.releases.Load())

	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())
	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())

	uploads := backend.Uploads()
	require.Len(t, uploads, 1)
	assert.Same(t, f3, uploads[0].Buffer)
	assert.Equal(t, uint64(3), uploads[0].Seq)
	assert.Equal(t, 1, backend.Count("draw"))
	bufs.RequireAllReleasedOnce(t)

	mu.Lock()
	assert.Equal(t, []ReleaseReason{ReleaseOverwritten, ReleaseOverwritten, ReleaseConsumed}, hooked)
	mu.Unlock()
}

func TestPipeline_boundedFIFO(t *testing.T) {
	backend := newMockBackend()
	var bufs bufferTracker
	p := newTestPipeline(t, backend, WithPolicy(BoundedFIFO(2)))
	require.NoError(t, p.Attach("surface", 100, 100))

	f1, f2, f3 := bufs.New(), bufs.New(), bufs.New()
	require.NoError(t, p.Feed(f1, testMeta))
	require.NoError(t, p.Feed(f2, testMeta))
	require.NoError(t, p.Feed(f3, testMeta))

	assert.Equal(t, int32(1), f1.releases.Load())
	assert.Equal(t, int32(0), f2.releases.Load())
	assert.Equal(t, int32(0), f3.releases.Load())
	assert.Equal(t, 2, p.Stats().PendingFrames)

	// one drive consumes F2, and schedules a catch-up drive for F3
	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())
	require.NoError(t, p.Sync())

	uploads := backend.Uploads()
	require.Len(t, uploads, 2)
	assert.Same(t, f2, uploads[0].Buffer)
	assert.Same(t, f3, uploads[1].Buffer)
	bufs.RequireAllReleasedOnce(t)
	assert.Equal(t, uint64(1), p.Stats().CatchUps)
}

func TestPipeline_catchUpBounded(t *testing.T) {
	backend := newMockBackend()
	var bufs bufferTracker
	p := newTestPipeline(t, backend, WithPolicy(BoundedFIFO(5)), WithMaxCatchUp(2))
	require.NoError(t, p.Attach("surface", 100, 100))

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Feed(bufs.New(), testMeta))
	}

	require.NoError(t, p.Drive())
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Sync())
	}

	// the driven frame, plus two catch-ups
	assert.Len(t, backend.Uploads(), 3)
	assert.Equal(t, 2, p.Stats().PendingFrames)
	assert.Equal(t, uint64(2), p.Stats().CatchUps)

	// the next drive resets the budget
	require.NoError(t, p.Drive())
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Sync())
	}
	assert.Len(t, backend.Uploads(), 5)
	assert.Equal(t, 0, p.Stats().PendingFrames)
	bufs.RequireAllReleasedOnce(t)
}

func TestPipeline_catchUpDisabled(t *testing.T) {
	backend := newMockBackend()
	var bufs bufferTracker
	p := newTestPipeline(t, backend, WithPolicy(BoundedFIFO(3)), WithMaxCatchUp(0))
	require.NoError(t, p.Attach("surface", 100, 100))

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Feed(bufs.New(), testMeta))
	}
	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())
	require.NoError(t, p.Sync())

	assert.Len(t, backend.Uploads(), 1)
	assert.Equal(t, 2, p.Stats().PendingFrames)
}

func TestPipeline_pacedCatchUpRequestsImmediate(t *testing.T) {
	backend := newMockBackend()
	pacer := new(fakePacer)
	var bufs bufferTracker
	p := newTestPipeline(t, backend, WithPolicy(BoundedFIFO(3)), WithPacer(pacer))
	require.NoError(t, p.Attach("surface", 100, 100))

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Feed(bufs.New(), testMeta))
	}

	require.True(t, pacer.Tick(false))
	require.NoError(t, p.Sync())
	_, _, immediates := pacer.Counts()
	assert.Equal(t, 1, immediates)
	assert.Len(t, backend.Uploads(), 1)

	// immediate ticks do not reset the budget
	require.True(t, pacer.Tick(true))
	require.NoError(t, p.Sync())
	require.True(t, pacer.Tick(true))
	require.NoError(t, p.Sync())
	_, _, immediates = pacer.Counts()
	assert.Equal(t, 2, immediates)
	assert.Len(t, backend.Uploads(), 3)
	bufs.RequireAllReleasedOnce(t)
}

func TestPipeline_driveWhileDetached(t *testing.T) {
	backend := newMockBackend()
	var bufs bufferTracker
	p := newTestPipeline(t, backend, WithPolicy(BoundedFIFO(4)))

	unblock := blockWorker(t, p.Executor())
	f1, f2 := bufs.New(), bufs.New()
	require.NoError(t, p.Feed(f1, testMeta))
	require.NoError(t, p.Feed(f2, testMeta))
	require.NoError(t, p.Drive())
	unblock()
	require.NoError(t, p.Sync())

	assert.Empty(t, backend.Calls())
	bufs.RequireAllReleasedOnce(t)
	assert.Equal(t, uint64(2), p.Stats().ReleasedBy["detached"])
}

func TestPipeline_staleFramesReleasedOnAttach(t *testing.T) {
	backend := newMockBackend()
	var bufs bufferTracker
	p := newTestPipeline(t, backend)

	unblock := blockWorker(t, p.Executor())
	attached := make(chan error, 1)
	go func() { attached <- p.Attach("surface", 10, 10) }()
	require.Eventually(t, func() bool { return p.Executor().Stats().QueueDepth == 1 }, time.Second, time.Millisecond)

	// queued behind the attach, but fed before the surface was ready
	require.NoError(t, p.Feed(bufs.New(), testMeta))
	unblock()
	require.NoError(t, <-attached)

	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())
	assert.Equal(t, 0, backend.Count("upload"))
	bufs.RequireAllReleasedOnce(t)
	assert.Equal(t, uint64(1), p.Stats().ReleasedBy["detached"])
}

func TestPipeline_firstFrameClear(t *testing.T) {
	backend := &clearingBackend{mockBackend: newMockBackend()}
	var bufs bufferTracker
	p := newTestPipeline(t, backend)
	require.NoError(t, p.Attach("surface", 100, 100))

	// no frame yet, one clear cycle, and never a draw
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Drive())
		require.NoError(t, p.Sync())
	}
	assert.Equal(t, int32(1), backend.clears.Load())
	assert.Equal(t, 0, backend.Count("draw"))
	assert.Equal(t, 0, backend.Count("upload"))

	require.NoError(t, p.Feed(bufs.New(), testMeta))
	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())
	assert.Equal(t, 1, backend.Count("draw"))
	assert.Equal(t, int32(1), backend.clears.Load())

	// a new surface starts over
	require.NoError(t, p.Detach())
	require.NoError(t, p.Attach("surface", 100, 100))
	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())
	assert.Equal(t, int32(2), backend.clears.Load())
	assert.Equal(t, 1, backend.Count("draw"))
	assert.Empty(t, backend.Violations())
}

func TestPipeline_firstFrameNoClearer(t *testing.T) {
	backend := newMockBackend()
	p := newTestPipeline(t, backend)
	require.NoError(t, p.Attach("surface", 100, 100))

	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())
	assert.Equal(t, []string{"create", "resize"}, backend.Calls())
}

func TestPipeline_redrawOnResize(t *testing.T) {
	backend := newMockBackend()
	var bufs bufferTracker
	p := newTestPipeline(t, backend)
	require.NoError(t, p.Attach("surface", 100, 100))

	require.NoError(t, p.Feed(bufs.New(), testMeta))
	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())
	require.Equal(t, 1, backend.Count("draw"))

	// nothing new, nothing drawn
	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())
	require.Equal(t, 1, backend.Count("draw"))

	unblock := blockWorker(t, p.Executor())
	p.Resize(200, 200)
	require.NoError(t, p.Drive())
	unblock()
	require.NoError(t, p.Sync())
	assert.Equal(t, 2, backend.Count("draw"))
}

func TestPipeline_uploadFailureReleases(t *testing.T) {
	backend := newMockBackend()
	backend.uploadErr = errTest
	var bufs bufferTracker
	p := newTestPipeline(t, backend)
	require.NoError(t, p.Attach("surface", 100, 100))

	require.NoError(t, p.Feed(bufs.New(), testMeta))
	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())

	bufs.RequireAllReleasedOnce(t)
	assert.Equal(t, 0, backend.Count("draw"))
	assert.Equal(t, uint64(1), p.Stats().UploadErrors)
}

func TestPipeline_releasedAfterUpload(t *testing.T) {
	backend := newMockBackend()
	var bufs bufferTracker
	var releasedDuringUpload atomic.Int32
	backend.onUpload = func(f Frame) {
		releasedDuringUpload.Add(f.Buffer.(*testBuffer).releases.Load())
	}
	p := newTestPipeline(t, backend)
	require.NoError(t, p.Attach("surface", 100, 100))

	buf := bufs.New()
	require.NoError(t, p.Feed(buf, testMeta))
	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())

	assert.Equal(t, int32(0), releasedDuringUpload.Load())
	assert.Equal(t, int32(1), buf.releases.Load())
}

func TestPipeline_feedValidation(t *testing.T) {
	backend := newMockBackend()
	var bufs bufferTracker
	p := newTestPipeline(t, backend)
	require.NoError(t, p.Attach("surface", 100, 100))

	require.ErrorIs(t, p.Feed(nil, testMeta), ErrNilBuffer)

	bad := bufs.New()
	require.ErrorIs(t, p.Feed(bad, Metadata{Width: 4, Height: 3, RotationDegrees: 45}), ErrInvalidMetadata)
	assert.Equal(t, int32(1), bad.releases.Load())

	bad = bufs.New()
	require.ErrorIs(t, p.Feed(bad, Metadata{Width: 0, Height: 3}), ErrInvalidMetadata)
	assert.Equal(t, int32(1), bad.releases.Load())

	good := bufs.New()
	require.NoError(t, p.Feed(good, Metadata{Width: 4, Height: 3, RotationDegrees: -90, Mirrored: true}))
	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())

	uploads := backend.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, Metadata{Width: 4, Height: 3, RotationDegrees: 270, Mirrored: true}, uploads[0].Metadata)
	assert.Equal(t, uint64(2), p.Stats().ReleasedBy["rejected"])
}

func TestPipeline_close(t *testing.T) {
	backend := newMockBackend()
	pacer := new(fakePacer)
	var bufs bufferTracker
	p, err := New(backend, WithPolicy(BoundedFIFO(3)), WithPacer(pacer))
	require.NoError(t, err)
	require.NoError(t, p.Attach("surface", 100, 100))

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Feed(bufs.New(), testMeta))
	}

	require.NoError(t, p.Close())
	assert.Equal(t, 0, backend.LiveContexts())
	_, stops, _ := pacer.Counts()
	assert.Equal(t, 1, stops)

	late := bufs.New()
	require.ErrorIs(t, p.Feed(late, testMeta), ErrPipelineClosed)
	require.ErrorIs(t, p.Attach("surface", 100, 100), ErrExecutorTerminated)

	bufs.RequireAllReleasedOnce(t)
	stats := p.Stats()
	assert.Equal(t, stats.Fed, stats.Released)
	assert.Equal(t, uint64(4), stats.Fed)

	require.NoError(t, p.Close())
}

func TestPipeline_closeRejectsQueuedAttach(t *testing.T) {
	backend := newMockBackend()
	p, err := New(backend)
	require.NoError(t, err)

	unblock := blockWorker(t, p.Executor())
	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()

	// let Close enqueue its shutdown first
	require.Eventually(t, func() bool { return p.Executor().Stats().QueueDepth == 1 }, time.Second, time.Millisecond)

	attached := make(chan error, 1)
	go func() { attached <- p.Attach("surface", 10, 10) }()
	require.Eventually(t, func() bool { return p.Executor().Stats().QueueDepth >= 2 }, time.Second, time.Millisecond)
	unblock()

	require.NoError(t, <-closed)
	require.ErrorIs(t, <-attached, ErrPipelineClosed)
	assert.Equal(t, 0, backend.LiveContexts())
}

func TestPipeline_wakeFailureFailsPipeline(t *testing.T) {
	backend := newMockBackend()
	var bufs bufferTracker
	waker := newFailingWaker()
	p := newTestPipeline(t, backend, WithWaker(waker))

	require.NoError(t, p.Attach("surface", 10, 10))
	require.NoError(t, p.Feed(bufs.New(), testMeta))
	require.NoError(t, p.Drive())
	require.NoError(t, p.Sync())
	require.Equal(t, 1, backend.Count("upload"))

	waker.fail.Store(true)
	// queued before the wake failed, so accepted
	require.NoError(t, p.Feed(bufs.New(), testMeta))
	requireDone(t, p.Executor())

	var werr *WakeError
	require.ErrorAs(t, p.Feed(bufs.New(), testMeta), &werr)
	require.ErrorAs(t, p.Attach("surface", 10, 10), &werr)
	require.ErrorAs(t, p.Close(), &werr)

	// the worker tore down the surface on its way out
	assert.Equal(t, 0, backend.LiveContexts())
	assert.Empty(t, backend.Violations())

	assert.Equal(t, 3, bufs.Acquired())
	bufs.RequireAllReleasedOnce(t)
	stats := p.Stats()
	assert.Equal(t, stats.Fed, stats.Released)
	assert.Equal(t, uint64(1), stats.ReleasedBy["detached"])
	assert.Equal(t, uint64(1), stats.ReleasedBy["rejected"])
	assert.Equal(t, uint64(1), stats.Detaches)
}

// Any interleaving of producers, pacing, and attach / detach cycles must release every buffer
// exactly once, and never touch a destroyed context.
func TestPipeline_ownershipUnderChurn(t *testing.T) {
	for _, policy := range []Policy{LatestWins(), BoundedFIFO(3)} {
		t.Run(policy.String(), func(t *testing.T) {
			backend := newMockBackend()
			var bufs bufferTracker
			p, err := New(backend, WithPolicy(policy))
			require.NoError(t, err)
			backend.set(func(b *mockBackend) { b.isWorker = p.exec.IsWorker })

			stop := make(chan struct{})
			var wg sync.WaitGroup

			for g := 0; g < 3; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 5000; i++ {
						select {
						case <-stop:
							return
						default:
						}
						_ = p.Feed(bufs.New(), testMeta)
						if i%16 == 0 {
							time.Sleep(time.Microsecond)
						}
					}
				}()
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					_ = p.Drive()
					time.Sleep(50 * time.Microsecond)
				}
			}()

			rng := rand.New(rand.NewSource(1))
			for i := 0; i < 50; i++ {
				require.NoError(t, p.Attach("surface", 100+rng.Intn(100), 100+rng.Intn(100)))
				if rng.Intn(2) == 0 {
					p.Resize(50+rng.Intn(50), 50+rng.Intn(50))
				}
				time.Sleep(time.Duration(rng.Intn(200)) * time.Microsecond)
				require.NoError(t, p.Detach())

				// nothing reaches the backend once Detach has returned
				calls := len(backend.Calls())
				require.NoError(t, p.Sync())
				require.Equal(t, calls, len(backend.Calls()))
			}

			close(stop)
			wg.Wait()
			require.NoError(t, p.Close())

			assert.Empty(t, backend.Violations())
			assert.Equal(t, 0, backend.LiveContexts())
			bufs.RequireAllReleasedOnce(t)
			assert.Equal(t, bufs.Acquired(), bufs.Released())

			stats := p.Stats()
			assert.Equal(t, stats.Fed, stats.Released)
		})
	}
}
