package framepipe

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// lifecycleHooks are invoked on the worker goroutine, around surface transitions.
type lifecycleHooks struct {
	// onAttached runs after the context is created and sized, before the state becomes
	// Attached. An error fails the attach, which destroys the context.
	onAttached func(ctx Context) error
	// onDetaching runs after the state becomes Detaching, before the context is destroyed.
	onDetaching func()
	// onDetached runs after the context is destroyed, before the state becomes Detached.
	onDetached func()
	// onResized runs after the backend accepts a new size.
	onResized func()
}

// Lifecycle is the surface attachment state machine. Attach and Detach are synchronous
// handshakes with the worker goroutine, Resize is fire-and-forget. All transitions, and all
// backend calls, happen on the worker goroutine.
type Lifecycle struct {
	exec    *Executor
	backend Backend
	log     *eventLogger
	hooks   lifecycleHooks

	// resizeMu guards the pending resize request, which is last-submitted-wins
	resizeMu        sync.Mutex
	resizeWidth     int
	resizeHeight    int
	resizeRequested bool
	resizeScheduled atomic.Bool

	// worker-owned
	state   surfaceState
	ctx     Context
	surface SurfaceHandle
	width   int
	height  int
	closed  bool

	attaches atomic.Uint64
	failures atomic.Uint64
	detaches atomic.Uint64
	resizes  atomic.Uint64
}

func newLifecycle(exec *Executor, backend Backend, log *eventLogger, hooks lifecycleHooks) *Lifecycle {
	return &Lifecycle{
		exec:    exec,
		backend: backend,
		log:     log,
		hooks:   hooks,
	}
}

// Attach binds a surface, creating and sizing a GPU context on the worker, blocking until
// that completes. It returns with the surface either Attached (nil error) or Detached.
//
// A backend failure is reported as a *SetupError, and Attach may be retried. Calling Attach
// while not Detached fails with ErrInvalidTransition.
func (x *Lifecycle) Attach(surface SurfaceHandle, width, height int) error {
	if width <= 0 || height <= 0 {
		return &SetupError{
			Cause:  fmt.Errorf("%w: surface size %dx%d", ErrInvalidMetadata, width, height),
			Width:  width,
			Height: height,
		}
	}
	return x.exec.SubmitAndWait(func() error {
		return x.attach(surface, width, height)
	})
}

// Resize requests a new surface size, without blocking. Requests made before the worker
// gets to them are coalesced, and only the last takes effect. Non-positive sizes, and
// requests while not Attached, are ignored.
func (x *Lifecycle) Resize(width, height int) {
	if width <= 0 || height <= 0 {
		x.log.Warning().
			Int("width", width).
			Int("height", height).
			Log("ignoring resize to non-positive size")
		return
	}

	x.resizeMu.Lock()
	x.resizeWidth, x.resizeHeight, x.resizeRequested = width, height, true
	x.resizeMu.Unlock()

	if !x.resizeScheduled.CompareAndSwap(false, true) {
		return
	}
	if err := x.exec.Submit(func() error {
		x.applyResize()
		return nil
	}); err != nil {
		x.resizeScheduled.Store(false)
		x.log.Debug().Err(err).Log("resize not scheduled")
	}
}

// Detach tears down the GPU context on the worker, blocking until that completes. The
// surface must not be touched by this package once Detach returns, and no frame is
// handed to the backend afterwards. Calling Detach while not Attached fails with
// ErrInvalidTransition.
func (x *Lifecycle) Detach() error {
	return x.exec.SubmitAndWait(x.detach)
}

// State returns the current surface state, as observed on the worker.
func (x *Lifecycle) State() (SurfaceState, error) {
	if x.exec.IsWorker() {
		return x.state.current, nil
	}
	return SubmitAndWaitValue(x.exec, func() (SurfaceState, error) {
		return x.state.current, nil
	})
}

// Size returns the surface size most recently applied to the backend, as observed on the
// worker. Both are zero while Detached.
func (x *Lifecycle) Size() (width, height int, err error) {
	type size struct{ w, h int }
	var s size
	if x.exec.IsWorker() {
		s = size{x.width, x.height}
	} else {
		s, err = SubmitAndWaitValue(x.exec, func() (size, error) {
			return size{x.width, x.height}, nil
		})
	}
	return s.w, s.h, err
}

func (x *Lifecycle) attach(surface SurfaceHandle, width, height int) error {
	if x.closed {
		return ErrPipelineClosed
	}
	// queued work still drains after a wake failure, but must not bind a surface
	if err := x.exec.Err(); err != nil {
		return err
	}
	if x.state.current != StateDetached {
		return transitionError("attach", x.state.current)
	}

	x.state.transition(StateAttaching)
	x.log.Debug().
		Int("width", width).
		Int("height", height).
		Log("surface attaching")

	var ctx Context
	created := false
	err := safeExecute(func() (err error) {
		ctx, err = x.backend.CreateContext(surface)
		if err != nil {
			return err
		}
		created = true
		if err = x.backend.Resize(ctx, width, height); err != nil {
			return err
		}
		if x.hooks.onAttached != nil {
			return x.hooks.onAttached(ctx)
		}
		return nil
	})
	if err != nil {
		if created {
			x.destroy(ctx)
		}
		x.state.transition(StateDetached)
		x.failures.Add(1)
		serr := &SetupError{Cause: err, Width: width, Height: height}
		x.log.Err().Err(serr).Log("surface attach failed")
		return serr
	}

	x.ctx = ctx
	x.surface = surface
	x.width, x.height = width, height
	x.state.transition(StateAttached)
	x.attaches.Add(1)
	x.log.Info().
		Int("width", width).
		Int("height", height).
		Log("surface attached")
	return nil
}

func (x *Lifecycle) detach() error {
	if x.state.current != StateAttached {
		return transitionError("detach", x.state.current)
	}

	x.state.transition(StateDetaching)
	x.log.Debug().Log("surface detaching")

	if x.hooks.onDetaching != nil {
		if err := safeExecute(func() error { x.hooks.onDetaching(); return nil }); err != nil {
			x.log.Err().Err(err).Log("detaching hook failed")
		}
	}

	x.destroy(x.ctx)
	x.ctx = nil
	x.surface = nil
	x.width, x.height = 0, 0

	if x.hooks.onDetached != nil {
		if err := safeExecute(func() error { x.hooks.onDetached(); return nil }); err != nil {
			x.log.Err().Err(err).Log("detached hook failed")
		}
	}

	x.state.transition(StateDetached)
	x.detaches.Add(1)
	x.log.Info().Log("surface detached")
	return nil
}

// destroy calls the backend's DestroyContext, which must not prevent the state machine from
// reaching Detached, even if it panics.
func (x *Lifecycle) destroy(ctx Context) {
	if err := safeExecute(func() error { x.backend.DestroyContext(ctx); return nil }); err != nil {
		x.log.Err().Err(err).Log("destroy context failed")
	}
}

// applyResize applies the pending resize request, if any, reporting whether the backend was
// resized. Runs on the worker.
func (x *Lifecycle) applyResize() bool {
	// cleared before taking the request, so a concurrent Resize schedules another task
	x.resizeScheduled.Store(false)

	x.resizeMu.Lock()
	width, height, ok := x.resizeWidth, x.resizeHeight, x.resizeRequested
	x.resizeRequested = false
	x.resizeMu.Unlock()

	if !ok {
		return false
	}

	if x.state.current != StateAttached {
		x.log.limited(categoryResize, x.log.Warning()).
			Int("width", width).
			Int("height", height).
			Stringer("state", x.state.current).
			Log("ignoring resize while not attached")
		return false
	}

	if width == x.width && height == x.height {
		return false
	}

	if err := safeExecute(func() error { return x.backend.Resize(x.ctx, width, height) }); err != nil {
		x.log.Err().
			Err(err).
			Int("width", width).
			Int("height", height).
			Log("surface resize failed")
		return false
	}

	x.width, x.height = width, height
	x.resizes.Add(1)
	if x.hooks.onResized != nil {
		x.hooks.onResized()
	}
	x.log.Debug().
		Int("width", width).
		Int("height", height).
		Log("surface resized")
	return true
}

// attachedContext returns the context, if Attached. Runs on the worker.
func (x *Lifecycle) attachedContext() (Context, bool) {
	if x.state.current != StateAttached {
		return nil, false
	}
	return x.ctx, true
}

// shutdown detaches, if attached, then refuses any later attach. Runs on the worker.
func (x *Lifecycle) shutdown() error {
	x.closed = true
	if x.state.current == StateAttached {
		return x.detach()
	}
	return nil
}
