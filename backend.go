package framepipe

type (
	// SurfaceHandle is an opaque platform handle identifying a drawable target, passed through
	// to [Backend.CreateContext].
	SurfaceHandle any

	// Context is an opaque GPU context, created and interpreted by a Backend.
	Context any

	// Texture is an opaque uploaded texture, returned by [Backend.Upload].
	Texture any

	// Backend is the GPU backend collaborator. A Pipeline invokes it only from its worker
	// goroutine, and never concurrently, so implementations need not be thread-safe, and may
	// rely on thread-affine state (the worker is locked to one OS thread).
	Backend interface {
		// CreateContext binds a new context to the surface. A returned error is reported to the
		// Attach caller as a *SetupError.
		CreateContext(surface SurfaceHandle) (Context, error)

		// DestroyContext releases every resource of ctx. The surface must not be touched after
		// this returns.
		DestroyContext(ctx Context)

		// Resize updates the viewport / swapchain for the surface's new size.
		Resize(ctx Context, width, height int) error

		// Upload reads the frame's pixels into the context's texture. The pipeline releases the
		// frame's buffer as soon as Upload returns, so it must not retain the buffer.
		Upload(ctx Context, frame Frame) (Texture, error)

		// Draw renders the most recently uploaded texture, and presents it.
		Draw(ctx Context) error
	}

	// Clearer may be implemented by a Backend, to present a defined, cleared output before the
	// first frame has been uploaded to a context.
	Clearer interface {
		Clear(ctx Context) error
	}

	// Pacer is the pacing collaborator, e.g. a display refresh callback.
	Pacer interface {
		// Start begins calling tick, roughly periodically, from any goroutine. It is called
		// when a surface attaches. The immediate argument is true only for the single tick that
		// answers a RequestImmediate.
		Start(tick func(immediate bool)) error

		// Stop halts calls to tick. It is called while a surface detaches, from the worker
		// goroutine, so it must not wait on a tick that is itself blocked on the worker.
		Stop()

		// RequestImmediate asks for a single follow-up tick as soon as possible.
		RequestImmediate()
	}
)
