package framepipe

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Task is a single unit of work, executed exactly once on the worker goroutine. A returned
// error (or a panic) is reported and counted, and never stops the worker.
type Task func() error

// Executor runs tasks, in FIFO order, on a single dedicated worker goroutine that is locked to
// its OS thread. Every method is safe to call from any goroutine.
//
// Submissions are appended to a mutex guarded queue, and the worker is woken through a
// [Waker]. Wake-ups are coalesced: only the first submission after the worker last woke will
// signal the waker. On wake, the worker swaps the entire queue for an empty one, then runs that
// batch, so tasks submitted while a batch runs are deferred to the next batch.
type Executor struct {
	waker Waker
	log   *eventLogger

	// queue holds pending tasks, spare is the previously drained batch, reused to avoid
	// allocating on every swap
	mu    sync.Mutex
	queue []Task
	spare []Task

	done     chan struct{}
	abort    chan struct{}
	err      atomic.Pointer[WakeError]
	failOnce sync.Once
	exitHook func()
	state    atomicExecutorState
	stopOnce sync.Once
	stopErr  error

	// inflight counts submitters between their state check and their enqueue
	inflight    atomic.Int64
	wakePending atomic.Bool
	workerID    atomic.Uint64

	// worker-owned
	seq      uint64
	stopping bool

	submitted atomic.Uint64
	rejected  atomic.Uint64
	executed  atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	batches   atomic.Uint64
	wakes     atomic.Uint64
}

// NewExecutor allocates the wake primitive, and starts the worker goroutine. If the wake
// primitive cannot be allocated, a *WakeError is returned and nothing is started.
func NewExecutor(opts ...Option) (*Executor, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	return newExecutor(cfg, newEventLogger(cfg.logger, cfg.id, cfg.dropLogRates), nil)
}

// newExecutor starts the worker. If non-nil, exitHook runs on the worker after the final
// drain, however the worker exits.
func newExecutor(cfg *options, log *eventLogger, exitHook func()) (*Executor, error) {
	waker, err := cfg.newWaker()
	if err != nil {
		werr := &WakeError{Op: "create", Cause: err}
		log.Crit().Err(werr).Log("failed to allocate wake primitive")
		return nil, werr
	}
	x := &Executor{
		waker:    waker,
		log:      log,
		done:     make(chan struct{}),
		abort:    make(chan struct{}),
		exitHook: exitHook,
	}
	started := make(chan struct{})
	go x.run(started)
	<-started
	return x, nil
}

// Submit enqueues a task, and signals the worker. It never blocks on the worker, and may be
// called from the worker itself.
//
// A nil error means the task will run. If signalling the worker fails, the executor fails,
// but the task is already queued, so Submit still returns nil: the worker drains every queued
// task before it exits, and the *WakeError is returned by Err, and by every later Submit.
//
// Returns ErrNilTask, ErrExecutorTerminated once the executor has stopped, or the *WakeError
// that failed the executor.
func (x *Executor) Submit(task Task) error {
	if task == nil {
		return ErrNilTask
	}

	// the worker waits for this to reach zero, after it stops accepting work, which guarantees
	// that every accepted task is drained
	x.inflight.Add(1)
	defer x.inflight.Add(-1)

	switch state := x.state.Load(); {
	case state == executorFailed:
		x.rejected.Add(1)
		return x.Err()
	case !state.acceptsWork():
		x.rejected.Add(1)
		return ErrExecutorTerminated
	}

	x.mu.Lock()
	x.queue = append(x.queue, task)
	x.mu.Unlock()
	x.submitted.Add(1)

	x.wake()
	return nil
}

// SubmitAndWait runs fn on the worker, blocking until it completes, and returns its error.
// A panic within fn is returned as a PanicError. Returns ErrReentrantWait if called from the
// worker goroutine, as waiting would deadlock.
func (x *Executor) SubmitAndWait(fn func() error) error {
	if fn == nil {
		return ErrNilTask
	}
	_, err := SubmitAndWaitValue(x, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// SubmitAndWaitValue is like [Executor.SubmitAndWait], but also returns a value computed on the
// worker, which is the only way other goroutines should observe worker-owned state.
func SubmitAndWaitValue[R any](x *Executor, fn func() (R, error)) (R, error) {
	var zero R
	if fn == nil {
		return zero, ErrNilTask
	}
	if x.IsWorker() {
		return zero, ErrReentrantWait
	}

	type result struct {
		value R
		err   error
	}
	ch := make(chan result, 1)

	if err := x.Submit(func() error {
		var res result
		res.err = safeExecute(func() (err error) {
			res.value, err = fn()
			return
		})
		ch <- res
		return nil
	}); err != nil {
		return zero, err
	}

	res := <-ch
	return res.value, res.err
}

// Stop enqueues the terminal task (only the first call has any effect), then waits for the
// worker to exit, or the context to be done. Every task accepted before the worker observes
// the terminal task is run. Later submissions are rejected with ErrExecutorTerminated.
//
// If the executor failed, Stop still waits for the worker to drain and exit, then returns the
// *WakeError. When called from the worker goroutine, Stop does not wait.
func (x *Executor) Stop(ctx context.Context) error {
	x.stopOnce.Do(func() {
		if !x.state.TryTransition(executorRunning, executorTerminating) {
			return
		}
		x.log.Debug().Log("executor stopping")
		x.stopErr = x.Submit(func() error {
			x.stopping = true
			return nil
		})
	})

	if x.IsWorker() {
		return x.stopErr
	}

	select {
	case <-x.done:
		return x.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the executor, waiting for the worker to exit.
func (x *Executor) Close() error {
	return x.Stop(context.Background())
}

// Done is closed after the worker has exited.
func (x *Executor) Done() <-chan struct{} {
	return x.done
}

// Err returns the *WakeError that failed the executor, if any.
func (x *Executor) Err() error {
	if err := x.err.Load(); err != nil {
		return err
	}
	return nil
}

// IsWorker reports whether the caller is running on the worker goroutine.
func (x *Executor) IsWorker() bool {
	id := x.workerID.Load()
	if id == 0 {
		return false
	}
	return getGoroutineID() == id
}

// Stats returns a snapshot of the executor's counters.
func (x *Executor) Stats() ExecutorStats {
	x.mu.Lock()
	depth := len(x.queue)
	x.mu.Unlock()
	return ExecutorStats{
		State:      x.state.Load().String(),
		QueueDepth: depth,
		Submitted:  x.submitted.Load(),
		Rejected:   x.rejected.Load(),
		Executed:   x.executed.Load(),
		Failed:     x.failed.Load(),
		Panicked:   x.panicked.Load(),
		Batches:    x.batches.Load(),
		Wakes:      x.wakes.Load(),
	}
}

func (x *Executor) wake() {
	if !x.wakePending.CompareAndSwap(false, true) {
		return
	}
	x.wakes.Add(1)
	if err := x.waker.Wake(); err != nil {
		x.fail("wake", err)
	}
}

// fail marks the executor failed (the first failure wins), and aborts the worker's wait, as
// the failed wake may never arrive.
func (x *Executor) fail(op string, cause error) {
	x.failOnce.Do(func() {
		werr := &WakeError{Op: op, Cause: cause}
		x.err.Store(werr)
		x.state.Store(executorFailed)
		x.log.Crit().Err(werr).Log("wake primitive failed, executor is no longer usable")
		close(x.abort)
	})
}

// run is the worker goroutine.
func (x *Executor) run(started chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	x.workerID.Store(getGoroutineID())
	defer x.workerID.Store(0)

	defer close(x.done)
	defer func() {
		if err := x.waker.Close(); err != nil {
			x.log.Warning().Err(err).Log("failed to close wake primitive")
		}
	}()

	close(started)

	for {
		if err := x.waker.Wait(x.abort); err != nil {
			x.fail("wait", err)
		}

		// must be cleared before the swap, see wake
		x.wakePending.Store(false)

		x.runBatch()

		if x.stopping || x.state.Load() == executorFailed {
			break
		}
	}

	x.shutdown()
}

// runBatch swaps out the queue, and runs every task within it, in order. Returns false if the
// queue was empty.
func (x *Executor) runBatch() bool {
	x.mu.Lock()
	batch := x.queue
	x.queue = x.spare[:0]
	x.spare = nil
	x.mu.Unlock()

	if len(batch) == 0 {
		x.mu.Lock()
		if x.spare == nil {
			x.spare = batch
		}
		x.mu.Unlock()
		return false
	}

	x.batches.Add(1)
	for i, task := range batch {
		batch[i] = nil
		x.execute(task)
	}

	x.mu.Lock()
	x.spare = batch[:0]
	x.mu.Unlock()
	return true
}

// shutdown stops accepting work, waits out any submitters that got past the state check, then
// drains whatever remains.
func (x *Executor) shutdown() {
	if x.state.Load() != executorFailed {
		x.state.Store(executorTerminated)
	}

	for x.inflight.Load() != 0 {
		runtime.Gosched()
	}

	for x.runBatch() {
	}

	if x.exitHook != nil {
		if err := safeExecute(func() error { x.exitHook(); return nil }); err != nil {
			x.log.Err().Err(err).Log("exit hook failed")
		}
	}

	x.log.Debug().
		Uint64("executed", x.executed.Load()).
		Uint64("failed", x.failed.Load()).
		Log("executor stopped")
}

func (x *Executor) execute(task Task) {
	x.seq++
	err := safeExecute(task)
	x.executed.Add(1)
	if err == nil {
		return
	}
	x.failed.Add(1)
	if _, ok := err.(PanicError); ok {
		x.panicked.Add(1)
	}
	x.log.limited(categoryTaskFailed, x.log.Err()).
		Err(&TaskError{Cause: err, Seq: x.seq}).
		Log("task failed")
}

// safeExecute runs fn, converting a panic into a PanicError.
func safeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
	}()
	return fn()
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
