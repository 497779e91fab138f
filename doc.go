// Package framepipe moves externally produced image buffers (e.g. camera frames) to a GPU
// backend, for display on a surface that may come and go at any time.
//
// A [Pipeline] owns one worker goroutine, locked to its OS thread, which performs every
// backend call and every surface state transition. Producers [Pipeline.Feed] buffers from any
// goroutine, without blocking, and a pacing source (see [Pacer], or [Pipeline.Drive]) requests
// output cycles. The surface is bound with [Lifecycle.Attach], and unbound with
// [Lifecycle.Detach], both of which block until the worker has finished with the backend.
//
// Every buffer passed to Feed is released exactly once: after upload, when replaced by a newer
// frame (see [Policy]), when the surface detaches, or when the pipeline closes.
//
// The [Executor] is usable on its own, as a single-threaded task queue with a coalescing,
// OS-level wake primitive (see [Waker]).
//
// Subpackages provide a software backend (softgpu), a ticker based pacer (pacer), and a pooled
// buffer source (capture).
package framepipe
