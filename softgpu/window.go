package softgpu

import (
	"image"
	"sync"
)

// Window is an in-memory drawable surface: the target a context is bound to, and the front
// buffer its draws are presented to. Use a *Window as the framepipe.SurfaceHandle.
//
// A Window may be bound to at most one context at a time. It is safe for concurrent use.
type Window struct {
	name string

	mu       sync.Mutex
	front    *image.RGBA
	bound    bool
	lost     bool
	presents uint64
	lastSeq  uint64
}

// NewWindow returns an unbound window, with an empty front buffer.
func NewWindow(name string) *Window {
	return &Window{
		name:  name,
		front: image.NewRGBA(image.Rectangle{}),
	}
}

// Name returns the name the window was created with.
func (w *Window) Name() string {
	return w.name
}

// SetLost marks the window as lost (or not). Binding a lost window fails with ErrSurfaceLost,
// simulating a platform surface that went away before its context could be created.
func (w *Window) SetLost(lost bool) {
	w.mu.Lock()
	w.lost = lost
	w.mu.Unlock()
}

// Bound reports whether a context is currently bound to the window.
func (w *Window) Bound() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bound
}

// Presents returns the number of buffers presented to the window.
func (w *Window) Presents() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.presents
}

// LastFrame returns the sequence number of the most recently presented frame, or zero if only
// cleared output has been presented.
func (w *Window) LastFrame() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Size returns the size of the front buffer.
func (w *Window) Size() (width, height int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b := w.front.Bounds()
	return b.Dx(), b.Dy()
}

// Snapshot returns a copy of the front buffer.
func (w *Window) Snapshot() *image.RGBA {
	w.mu.Lock()
	defer w.mu.Unlock()
	img := image.NewRGBA(w.front.Rect)
	copy(img.Pix, w.front.Pix)
	return img
}

func (w *Window) bind() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.lost:
		return ErrSurfaceLost
	case w.bound:
		return ErrSurfaceBusy
	}
	w.bound = true
	return nil
}

func (w *Window) unbind() {
	w.mu.Lock()
	w.bound = false
	w.mu.Unlock()
}

// present swaps the back buffer's contents to the front.
func (w *Window) present(back *image.RGBA, seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.front.Rect != back.Rect {
		w.front = image.NewRGBA(back.Rect)
	}
	copy(w.front.Pix, back.Pix)
	w.presents++
	w.lastSeq = seq
}
