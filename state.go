package framepipe

import (
	"sync/atomic"
)

// SurfaceState is the attachment state of the pipeline's surface.
//
// State Machine:
//
//	Detached  → Attaching  [Attach()]
//	Attaching → Attached   [GPU context created]
//	Attaching → Detached   [GPU context creation failed]
//	Attached  → Detaching  [Detach()]
//	Detaching → Detached   [GPU context destroyed]
//
// The state is owned by the worker goroutine. Other goroutines observe it only through the
// completion of a synchronous submission (see [Lifecycle.State]).
type SurfaceState uint32

const (
	// StateDetached indicates there is no surface, and no GPU context.
	StateDetached SurfaceState = iota
	// StateAttaching indicates the worker is creating a GPU context for a new surface.
	StateAttaching
	// StateAttached indicates frames may be rendered to the surface.
	StateAttached
	// StateDetaching indicates the worker is tearing down the GPU context.
	StateDetaching
)

// String returns a human-readable representation of the state.
func (s SurfaceState) String() string {
	switch s {
	case StateDetached:
		return "Detached"
	case StateAttaching:
		return "Attaching"
	case StateAttached:
		return "Attached"
	case StateDetaching:
		return "Detaching"
	default:
		return "Unknown"
	}
}

// surfaceTransitions lists the legal targets for each state.
var surfaceTransitions = [...][]SurfaceState{
	StateDetached:  {StateAttaching},
	StateAttaching: {StateAttached, StateDetached},
	StateAttached:  {StateDetaching},
	StateDetaching: {StateDetached},
}

// canTransition reports whether from → to is a legal surface transition.
func canTransition(from, to SurfaceState) bool {
	if int(from) >= len(surfaceTransitions) {
		return false
	}
	for _, v := range surfaceTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// surfaceState is the worker-owned state holder. It is NOT thread-safe.
type surfaceState struct {
	current SurfaceState
	// transitions counts successful transitions, for diagnostics
	transitions uint64
}

// transition moves to the target state, panicking on an illegal transition, which would be a
// bug in this package rather than a caller contract violation (those are rejected before any
// transition is attempted).
func (s *surfaceState) transition(to SurfaceState) {
	if !canTransition(s.current, to) {
		panic("framepipe: illegal surface transition " + s.current.String() + " -> " + to.String())
	}
	s.current = to
	s.transitions++
}

// executorState represents the lifecycle of an Executor.
//
//	executorRunning     → executorTerminating [Stop()]
//	executorRunning     → executorFailed      [wake primitive failure]
//	executorTerminating → executorTerminated  [terminal task observed]
//	executorFailed      → (terminal)
//	executorTerminated  → (terminal)
type executorState uint32

const (
	executorRunning executorState = iota
	executorTerminating
	executorTerminated
	executorFailed
)

// String returns a human-readable representation of the state.
func (s executorState) String() string {
	switch s {
	case executorRunning:
		return "Running"
	case executorTerminating:
		return "Terminating"
	case executorTerminated:
		return "Terminated"
	case executorFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// atomicExecutorState is a lock-free executor state holder.
type atomicExecutorState struct {
	v atomic.Uint32
}

// Load returns the current state atomically.
func (s *atomicExecutorState) Load() executorState {
	return executorState(s.v.Load())
}

// Store atomically stores a new state.
// Only use for irreversible states (Terminated, Failed).
func (s *atomicExecutorState) Store(state executorState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *atomicExecutorState) TryTransition(from, to executorState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// acceptsWork returns true if submissions should be queued.
func (s executorState) acceptsWork() bool {
	return s == executorRunning || s == executorTerminating
}
