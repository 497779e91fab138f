package framepipe

// Waker is the cross-goroutine notification primitive used to unblock an idle worker.
//
// Implementations must coalesce: any number of Wake calls made while the worker is not waiting
// need only cause a single return from Wait. A Wake that happens-before a call to Wait must
// cause that Wait to return (no lost wake-ups).
//
// Errors from Wake or Wait are treated as resource exhaustion, and are fatal to the executor.
// A failed Wake may not have signalled anything, so the executor closes the abort channel it
// passes to Wait, which must then return promptly.
type Waker interface {
	// Wake signals the worker. Safe to call from any goroutine. Must not block.
	Wake() error
	// Wait blocks until at least one Wake has occurred since the previous Wait returned, or
	// abort is closed. Only called from the worker goroutine.
	Wait(abort <-chan struct{}) error
	// Close releases the underlying resources. Called once, after the worker has exited.
	Close() error
}

// chanWaker is a portable Waker backed by a one-slot channel.
type chanWaker struct {
	ch chan struct{}
}

// NewChannelWaker returns a Waker implemented using a buffered channel. It never fails.
func NewChannelWaker() Waker {
	return &chanWaker{ch: make(chan struct{}, 1)}
}

func (w *chanWaker) Wake() error {
	select {
	case w.ch <- struct{}{}:
	default:
		// already pending
	}
	return nil
}

func (w *chanWaker) Wait(abort <-chan struct{}) error {
	select {
	case <-w.ch:
	case <-abort:
	}
	return nil
}

func (w *chanWaker) Close() error {
	return nil
}
