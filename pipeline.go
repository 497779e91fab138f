package framepipe

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Pipeline hands externally produced buffers to a GPU backend, at the cadence of a pacing
// source, while a surface is attached, detached and resized at arbitrary times.
//
// All surface and backend state is owned by a single worker goroutine (see [Executor]).
// Producers call [Pipeline.Feed] from any goroutine, frames are retained per the [Policy], and
// each [Pipeline.Drive] uploads and draws at most one of them. Every fed buffer is released
// exactly once.
type Pipeline struct {
	*Lifecycle

	exec        *Executor
	backend     Backend
	pacer       Pacer
	log         *eventLogger
	id          string
	policy      Policy
	maxCatchUp  int
	releaseHook func(Frame, ReleaseReason)
	frames      *frameQueue

	availablePending atomic.Bool
	drivePending     atomic.Bool
	periodic         atomic.Bool
	closeOnce        sync.Once
	closeErr         error

	// worker-owned
	hasFrame bool
	cleared  bool
	resized  bool
	catchUp  int

	fed            atomic.Uint64
	released       [ReleaseRejected + 1]atomic.Uint64
	drives         atomic.Uint64
	uploads        atomic.Uint64
	uploadFailures atomic.Uint64
	draws          atomic.Uint64
	drawFailures   atomic.Uint64
	clears         atomic.Uint64
	catchUps       atomic.Uint64
}

// New starts a pipeline for the given backend, initially Detached.
func New(backend Backend, opts ...Option) (*Pipeline, error) {
	if backend == nil {
		return nil, errors.New("framepipe: nil backend")
	}

	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}

	log := newEventLogger(cfg.logger, cfg.id, cfg.dropLogRates)

	p := &Pipeline{
		backend:     backend,
		pacer:       cfg.pacer,
		log:         log,
		id:          cfg.id,
		policy:      cfg.policy,
		maxCatchUp:  cfg.maxCatchUp,
		releaseHook: cfg.releaseHook,
		frames:      newFrameQueue(cfg.policy),
	}
	p.Lifecycle = newLifecycle(nil, backend, log, lifecycleHooks{
		onAttached:  p.onAttached,
		onDetaching: p.onDetaching,
		onDetached:  p.onDetached,
		onResized:   p.onResized,
	})

	exec, err := newExecutor(cfg, log, p.onExecutorExit)
	if err != nil {
		return nil, err
	}
	p.exec = exec
	p.Lifecycle.exec = exec

	log.Debug().
		Stringer("policy", cfg.policy).
		Int("max_catch_up", cfg.maxCatchUp).
		Bool("paced", cfg.pacer != nil).
		Log("pipeline started")

	return p, nil
}

// ID returns the pipeline's identifier, as used in logs.
func (p *Pipeline) ID() string {
	return p.id
}

// Policy returns the pending frame policy.
func (p *Pipeline) Policy() Policy {
	return p.policy
}

// Executor returns the pipeline's executor, e.g. to run additional tasks against the backend.
func (p *Pipeline) Executor() *Executor {
	return p.exec
}

// Feed takes ownership of buf, storing it as the latest pending frame, and schedules a frame
// available task. It never blocks on the worker.
//
// On error, buf has already been released: ErrNilBuffer aside, the pipeline always owns the
// buffer once Feed is called. Once the executor has failed, Feed returns its *WakeError.
func (p *Pipeline) Feed(buf Buffer, meta Metadata) error {
	if buf == nil {
		return ErrNilBuffer
	}
	p.fed.Add(1)

	if err := p.exec.Err(); err != nil {
		p.release(Frame{Buffer: buf, Metadata: meta}, ReleaseRejected)
		return err
	}

	meta, err := meta.normalized()
	if err != nil {
		p.release(Frame{Buffer: buf, Metadata: meta}, ReleaseRejected)
		return err
	}

	frame, evicted, dropped, err := p.frames.push(buf, meta)
	if err != nil {
		p.release(Frame{Buffer: buf, Metadata: meta}, ReleaseRejected)
		return err
	}

	if dropped {
		p.release(evicted, ReleaseOverwritten)
		p.log.limited(categoryFrameDropped, p.log.Warning()).
			Uint64("seq", evicted.Seq).
			Uint64("replaced_by", frame.Seq).
			Stringer("policy", p.policy).
			Log("dropped unconsumed frame")
	}

	if err := p.frameAvailable(); err != nil {
		// nothing will consume the queue
		p.releasePending(ReleaseRejected)
		return err
	}
	return nil
}

// Drive requests one output cycle, resetting the catch-up budget. On the worker goroutine it
// runs inline, otherwise it is scheduled, coalesced with any drive already scheduled.
//
// Without a pacer (see [WithPacer]), Drive must be called explicitly, e.g. per display refresh.
func (p *Pipeline) Drive() error {
	p.periodic.Store(true)
	if p.exec.IsWorker() {
		return p.drive()
	}
	return p.scheduleDrive()
}

// Sync blocks until every task submitted before it has run, e.g. to observe the effects of
// prior Feed, Drive and Resize calls.
func (p *Pipeline) Sync() error {
	return p.exec.SubmitAndWait(func() error { return nil })
}

// Close detaches the surface (if attached), releases every pending frame, and stops the
// executor, once all tasks accepted before Close have run. Feed fails with ErrPipelineClosed
// afterwards. Close is idempotent.
//
// If the executor failed, Close still waits for the worker to drain and exit, then returns
// the *WakeError.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		var err error
		if p.exec.IsWorker() {
			err = p.Lifecycle.shutdown()
		} else {
			err = p.exec.SubmitAndWait(p.Lifecycle.shutdown)
			// the exit hook detached, or will detach, the surface
			if errors.Is(err, ErrExecutorTerminated) || (err != nil && err == p.exec.Err()) {
				err = nil
			}
		}

		for _, frame := range p.frames.close() {
			p.release(frame, ReleaseShutdown)
		}

		p.closeErr = errors.Join(err, p.exec.Close())

		p.log.Info().
			Uint64("fed", p.fed.Load()).
			Uint64("released", p.releasedTotal()).
			Log("pipeline closed")
	})
	return p.closeErr
}

// tick is the pacer callback.
func (p *Pipeline) tick(immediate bool) {
	if !immediate {
		p.periodic.Store(true)
	}
	if err := p.scheduleDrive(); err != nil {
		p.log.Debug().Err(err).Log("paced drive not scheduled")
	}
}

func (p *Pipeline) frameAvailable() error {
	if !p.availablePending.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.exec.Submit(p.onFrameAvailable); err != nil {
		p.availablePending.Store(false)
		return err
	}
	return nil
}

func (p *Pipeline) onFrameAvailable() error {
	p.availablePending.Store(false)
	if _, ok := p.attachedContext(); !ok {
		p.releasePending(ReleaseDetached)
	}
	// while attached, the next drive picks it up
	return nil
}

func (p *Pipeline) scheduleDrive() error {
	if !p.drivePending.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.exec.Submit(p.driveTask); err != nil {
		p.drivePending.Store(false)
		return err
	}
	return nil
}

func (p *Pipeline) driveTask() error {
	p.drivePending.Store(false)
	return p.drive()
}

// drive performs one output cycle. Runs on the worker.
func (p *Pipeline) drive() error {
	if p.periodic.Swap(false) {
		p.catchUp = 0
	}
	p.drives.Add(1)

	// a resize may also have been applied by its own task, since the last drive
	p.applyResize()
	resized := p.resized
	p.resized = false

	ctx, ok := p.attachedContext()
	if !ok {
		p.releasePending(ReleaseDetached)
		return nil
	}

	uploaded := false
	if frame, ok := p.frames.pop(); ok {
		err := safeExecute(func() error {
			_, err := p.backend.Upload(ctx, frame)
			return err
		})
		p.release(frame, ReleaseConsumed)
		if err != nil {
			p.uploadFailures.Add(1)
			p.log.limited(categoryUpload, p.log.Err()).
				Err(err).
				Uint64("seq", frame.Seq).
				Log("frame upload failed")
		} else {
			p.uploads.Add(1)
			p.hasFrame = true
			uploaded = true
		}
	}

	switch {
	case uploaded || (resized && p.hasFrame):
		if err := safeExecute(func() error { return p.backend.Draw(ctx) }); err != nil {
			p.drawFailures.Add(1)
			p.log.limited(categoryDraw, p.log.Err()).
				Err(err).
				Log("draw failed")
		} else {
			p.draws.Add(1)
		}

	case !p.hasFrame && (!p.cleared || resized):
		// no frame since attach, present a defined output instead
		if clearer, ok := p.backend.(Clearer); ok {
			if err := safeExecute(func() error { return clearer.Clear(ctx) }); err != nil {
				p.log.limited(categoryDraw, p.log.Err()).
					Err(err).
					Log("clear failed")
			} else {
				p.clears.Add(1)
			}
		}
		p.cleared = true
	}

	if p.frames.len() != 0 && p.catchUp < p.maxCatchUp {
		p.catchUp++
		p.catchUps.Add(1)
		if p.pacer != nil {
			p.pacer.RequestImmediate()
		} else if err := p.scheduleDrive(); err != nil {
			p.log.Debug().Err(err).Log("catch-up drive not scheduled")
		}
	}

	return nil
}

func (p *Pipeline) onAttached(Context) error {
	// frames left over from before the surface existed are stale
	p.releasePending(ReleaseDetached)
	p.hasFrame = false
	p.cleared = false
	p.resized = false
	p.catchUp = 0
	if p.pacer != nil {
		return p.pacer.Start(p.tick)
	}
	return nil
}

func (p *Pipeline) onDetaching() {
	if p.pacer != nil {
		p.pacer.Stop()
	}
}

func (p *Pipeline) onDetached() {
	p.releasePending(ReleaseDetached)
	p.hasFrame = false
	p.cleared = false
	p.resized = false
}

// onExecutorExit runs on the worker, after its final drain. Only a failed executor exits
// with a surface still attached.
func (p *Pipeline) onExecutorExit() {
	if err := p.Lifecycle.shutdown(); err != nil {
		p.log.Err().Err(err).Log("surface teardown on exit failed")
	}
}

func (p *Pipeline) onResized() {
	p.resized = true
}

func (p *Pipeline) releasePending(reason ReleaseReason) {
	for _, frame := range p.frames.drain() {
		p.release(frame, reason)
	}
}

// release is the single point at which buffers are released.
func (p *Pipeline) release(frame Frame, reason ReleaseReason) {
	frame.Buffer.Release()
	p.released[reason].Add(1)
	if p.releaseHook != nil {
		p.releaseHook(frame, reason)
	}
}

func (p *Pipeline) releasedTotal() (n uint64) {
	for i := range p.released {
		n += p.released[i].Load()
	}
	return n
}
