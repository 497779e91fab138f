package softgpu

import (
	"sync/atomic"

	"github.com/joeycumines/go-framepipe"
)

// Discard is a no-op backend that only counts calls, for benchmarking the pipeline itself.
type Discard struct {
	Creates  atomic.Uint64
	Destroys atomic.Uint64
	Resizes  atomic.Uint64
	Uploads  atomic.Uint64
	Draws    atomic.Uint64
}

var _ framepipe.Backend = (*Discard)(nil)

type discardContext struct{}

func (d *Discard) CreateContext(framepipe.SurfaceHandle) (framepipe.Context, error) {
	d.Creates.Add(1)
	return &discardContext{}, nil
}

func (d *Discard) DestroyContext(framepipe.Context) {
	d.Destroys.Add(1)
}

func (d *Discard) Resize(framepipe.Context, int, int) error {
	d.Resizes.Add(1)
	return nil
}

func (d *Discard) Upload(framepipe.Context, framepipe.Frame) (framepipe.Texture, error) {
	d.Uploads.Add(1)
	return nil, nil
}

func (d *Discard) Draw(framepipe.Context) error {
	d.Draws.Add(1)
	return nil
}
