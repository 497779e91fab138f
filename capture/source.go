package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-framepipe"
	"github.com/joeycumines/logiface"
)

// Feeder receives produced frames, e.g. a *framepipe.Pipeline.
type Feeder interface {
	Feed(buf framepipe.Buffer, meta framepipe.Metadata) error
}

// Painter fills the pixels of the seq'th frame.
type Painter func(img *image.RGBA, seq uint64)

// Source produces frames from a Pool, and feeds them, as a camera would.
type Source struct {
	id       string
	pool     *Pool
	feeder   Feeder
	interval time.Duration
	rotation int
	mirrored bool
	painter  Painter
	logger   *logiface.Logger[logiface.Event]

	seq       atomic.Uint64
	produced  atomic.Uint64
	exhausted atomic.Uint64
	rejected  atomic.Uint64
}

// SourceOption configures a Source.
type SourceOption func(s *Source)

// WithRate sets the production rate, in frames per second. Defaults to 30.
func WithRate(hz float64) SourceOption {
	return func(s *Source) {
		if hz > 0 {
			s.interval = time.Duration(float64(time.Second) / hz)
		}
	}
}

// WithOrientation sets the rotation and mirroring metadata attached to every frame, as a
// sensor mounted at an angle would report.
func WithOrientation(rotationDegrees int, mirrored bool) SourceOption {
	return func(s *Source) {
		s.rotation = rotationDegrees
		s.mirrored = mirrored
	}
}

// WithPainter replaces the default test pattern.
func WithPainter(painter Painter) SourceOption {
	return func(s *Source) {
		if painter != nil {
			s.painter = painter
		}
	}
}

// WithSourceLogger sets the logger.
func WithSourceLogger(logger *logiface.Logger[logiface.Event]) SourceOption {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewSource returns a Source feeding buffers from pool into feeder.
func NewSource(pool *Pool, feeder Feeder, opts ...SourceOption) (*Source, error) {
	if pool == nil || feeder == nil {
		return nil, errors.New("capture: nil pool or feeder")
	}
	s := Source{
		id:       uuid.NewString(),
		pool:     pool,
		feeder:   feeder,
		interval: time.Second / 30,
		painter:  TestPattern,
	}
	for _, opt := range opts {
		opt(&s)
	}
	s.logger = s.logger.Clone().Str("source", s.id).Logger()
	return &s, nil
}

// ID returns the source's random identifier.
func (s *Source) ID() string {
	return s.id
}

// Produce paints and feeds one frame. A nil error means the feeder accepted the buffer. The
// feeder owns the buffer once Feed is called, even if it fails.
func (s *Source) Produce() error {
	buf, err := s.pool.Get()
	if err != nil {
		s.exhausted.Add(1)
		return err
	}

	seq := s.seq.Add(1)
	s.painter(buf.RGBA(), seq)

	w, h := s.pool.Size()
	if err := s.feeder.Feed(buf, framepipe.Metadata{
		Width:           w,
		Height:          h,
		RotationDegrees: s.rotation,
		Mirrored:        s.mirrored,
	}); err != nil {
		s.rejected.Add(1)
		return err
	}

	s.produced.Add(1)
	return nil
}

// Run produces frames at the configured rate until ctx is done, or the feeder reports
// framepipe.ErrPipelineClosed. Pool exhaustion skips a frame.
func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Log("capture started")
	defer func() {
		s.logger.Info().
			Uint64("produced", s.produced.Load()).
			Uint64("exhausted", s.exhausted.Load()).
			Uint64("rejected", s.rejected.Load()).
			Log("capture stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		switch err := s.Produce(); {
		case err == nil, errors.Is(err, ErrExhausted):
		case errors.Is(err, framepipe.ErrPipelineClosed):
			return err
		default:
			s.logger.Warning().Err(err).Log("frame rejected")
		}
	}
}

// Produced returns the number of frames accepted by the feeder.
func (s *Source) Produced() uint64 {
	return s.produced.Load()
}

// TestPattern paints a diagonal gradient, with a vertical bar that advances each frame, and
// a marker in the top left corner, so that orientation is visible.
func TestPattern(img *image.RGBA, seq uint64) {
	b := img.Rect
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return
	}
	bar := int(seq % uint64(w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: 0x80,
				A: 0xff,
			}
			if x == bar {
				c = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
			}
			if x < w/8 && y < h/8 {
				c = color.RGBA{R: 0xff, A: 0xff}
			}
			img.SetRGBA(b.Min.X+x, b.Min.Y+y, c)
		}
	}
}
