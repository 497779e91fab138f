// Package softgpu is a CPU reference implementation of the framepipe GPU backend. Contexts are
// bound to an in-memory [Window]; uploads orient the frame's pixels into a texture, and draws
// scale that texture into the window, preserving its aspect ratio.
//
// Like a real GPU context, a Backend is not safe for concurrent use, and is driven only from
// the pipeline's worker goroutine.
package softgpu

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync/atomic"

	"github.com/joeycumines/go-framepipe"
	"github.com/joeycumines/logiface"
	xdraw "golang.org/x/image/draw"
)

var (
	// ErrSurfaceLost is returned by CreateContext for a window marked lost.
	ErrSurfaceLost = errors.New("softgpu: surface lost")

	// ErrSurfaceBusy is returned by CreateContext for a window already bound to a context.
	ErrSurfaceBusy = errors.New("softgpu: surface already has a context")

	// ErrUnsupportedSurface is returned by CreateContext for a handle that is not a *Window.
	ErrUnsupportedSurface = errors.New("softgpu: unsupported surface handle")

	// ErrUnsupportedBuffer is returned by Upload for a buffer without pixels.
	ErrUnsupportedBuffer = errors.New("softgpu: buffer does not expose an image")

	// ErrInvalidContext is returned when a context from another backend, or a destroyed one,
	// is used.
	ErrInvalidContext = errors.New("softgpu: invalid context")
)

// ImageBuffer is a framepipe.Buffer whose pixels can be read, as required by Upload.
type ImageBuffer interface {
	framepipe.Buffer
	Image() image.Image
}

type (
	// Backend implements framepipe.Backend and framepipe.Clearer.
	Backend struct {
		logger     *logiface.Logger[logiface.Event]
		scaler     xdraw.Scaler
		background color.RGBA

		created    atomic.Uint64
		destroyed  atomic.Uint64
		fitUpdates atomic.Uint64
	}

	// Option configures a Backend.
	Option func(b *Backend)

	// surfaceContext is the Context created by a Backend.
	surfaceContext struct {
		backend   *Backend
		window    *Window
		back      *image.RGBA
		texture   *image.RGBA
		seq       uint64
		fit       image.Rectangle
		fitFor    [2]image.Point
		destroyed bool
	}
)

var (
	_ framepipe.Backend = (*Backend)(nil)
	_ framepipe.Clearer = (*Backend)(nil)
)

// WithLogger sets the logger for context lifecycle events.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithScaler sets the interpolator used to scale textures into the window. Defaults to
// xdraw.ApproxBiLinear.
func WithScaler(scaler xdraw.Scaler) Option {
	return func(b *Backend) {
		if scaler != nil {
			b.scaler = scaler
		}
	}
}

// WithBackground sets the clear color. Defaults to opaque black.
func WithBackground(c color.Color) Option {
	return func(b *Backend) {
		b.background = color.RGBAModel.Convert(c).(color.RGBA)
	}
}

// New returns a Backend.
func New(opts ...Option) *Backend {
	b := Backend{
		scaler:     xdraw.ApproxBiLinear,
		background: color.RGBA{A: 0xff},
	}
	for _, opt := range opts {
		opt(&b)
	}
	return &b
}

// CreateContext binds a context to surface, which must be a *Window.
func (b *Backend) CreateContext(surface framepipe.SurfaceHandle) (framepipe.Context, error) {
	window, ok := surface.(*Window)
	if !ok || window == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedSurface, surface)
	}
	if err := window.bind(); err != nil {
		return nil, err
	}
	b.created.Add(1)
	b.logger.Debug().Str("window", window.name).Log("context created")
	return &surfaceContext{
		backend: b,
		window:  window,
		back:    image.NewRGBA(image.Rectangle{}),
	}, nil
}

// DestroyContext unbinds the window, and frees the context's buffers.
func (b *Backend) DestroyContext(ctx framepipe.Context) {
	c, err := b.context(ctx)
	if err != nil {
		b.logger.Warning().Err(err).Log("destroy of invalid context")
		return
	}
	c.destroyed = true
	c.back, c.texture = nil, nil
	c.window.unbind()
	b.destroyed.Add(1)
	b.logger.Debug().Str("window", c.window.name).Log("context destroyed")
}

// Resize reallocates the back buffer.
func (b *Backend) Resize(ctx framepipe.Context, width, height int) error {
	c, err := b.context(ctx)
	if err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("softgpu: invalid size %dx%d", width, height)
	}
	c.back = image.NewRGBA(image.Rect(0, 0, width, height))
	return nil
}

// Upload orients the frame's pixels into the context's texture. The buffer is not retained.
func (b *Backend) Upload(ctx framepipe.Context, frame framepipe.Frame) (framepipe.Texture, error) {
	c, err := b.context(ctx)
	if err != nil {
		return nil, err
	}
	buf, ok := frame.Buffer.(ImageBuffer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedBuffer, frame.Buffer)
	}
	src := buf.Image()
	if src == nil {
		return nil, ErrUnsupportedBuffer
	}
	meta := frame.Metadata
	c.texture = orient(c.texture, src, image.Pt(meta.Width, meta.Height), meta.RotationDegrees, meta.Mirrored)
	c.seq = frame.Seq
	return c.texture, nil
}

// Draw clears the back buffer, scales the texture into it, and presents it to the window.
func (b *Backend) Draw(ctx framepipe.Context) error {
	c, err := b.context(ctx)
	if err != nil {
		return err
	}
	if c.texture == nil {
		return errors.New("softgpu: draw without a texture")
	}
	b.fill(c.back)
	b.scaler.Scale(c.back, c.updateFit(), c.texture, c.texture.Rect, xdraw.Src, nil)
	c.window.present(c.back, c.seq)
	return nil
}

// Clear presents the background color, without a texture.
func (b *Backend) Clear(ctx framepipe.Context) error {
	c, err := b.context(ctx)
	if err != nil {
		return err
	}
	b.fill(c.back)
	c.window.present(c.back, 0)
	return nil
}

// Contexts returns the number of contexts created, and destroyed.
func (b *Backend) Contexts() (created, destroyed uint64) {
	return b.created.Load(), b.destroyed.Load()
}

// FitUpdates returns the number of times a draw had to recompute its fit rectangle.
func (b *Backend) FitUpdates() uint64 {
	return b.fitUpdates.Load()
}

func (b *Backend) context(ctx framepipe.Context) (*surfaceContext, error) {
	c, ok := ctx.(*surfaceContext)
	if !ok || c == nil || c.backend != b || c.destroyed {
		return nil, ErrInvalidContext
	}
	return c, nil
}

func (b *Backend) fill(img *image.RGBA) {
	xdraw.Draw(img, img.Rect, image.NewUniform(b.background), image.Point{}, xdraw.Src)
}

// updateFit recomputes the destination rectangle only when the texture or viewport size
// changed since the last draw.
func (c *surfaceContext) updateFit() image.Rectangle {
	key := [2]image.Point{c.texture.Rect.Size(), c.back.Rect.Size()}
	if key != c.fitFor {
		c.fitFor = key
		c.fit = fitRect(key[0], c.back.Rect)
		c.backend.fitUpdates.Add(1)
	}
	return c.fit
}
