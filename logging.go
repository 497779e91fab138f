package framepipe

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// defaultDropLogRates allows one warning per second, and ten per minute, per category.
var defaultDropLogRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

// Log categories, used as rate limiter keys.
const (
	categoryFrameDropped = "frame_dropped"
	categoryTaskFailed   = "task_failed"
	categoryUpload       = "upload_failed"
	categoryDraw         = "draw_failed"
	categoryResize       = "resize_ignored"
)

var categories = [...]string{
	categoryFrameDropped,
	categoryTaskFailed,
	categoryUpload,
	categoryDraw,
	categoryResize,
}

// validateRates reports whether catrate would accept the given rates.
func validateRates(rates map[time.Duration]int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("framepipe: invalid drop log rates: %v", r)
		}
	}()
	catrate.NewLimiter(rates)
	return nil
}

// eventLogger wraps the configured logger with per-category rate limiting for the noisy
// (potentially per-frame) warnings.
type eventLogger struct {
	*logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	// suppressed counts withheld lines per category, the map is read-only after construction
	suppressed map[string]*atomic.Uint64
}

// newEventLogger derives the pipeline's sub-logger. The logger may be nil.
func newEventLogger(logger *logiface.Logger[logiface.Event], id string, rates map[time.Duration]int) *eventLogger {
	x := eventLogger{
		Logger:     logger.Clone().Str("pipeline", id).Logger(),
		suppressed: make(map[string]*atomic.Uint64, len(categories)),
	}
	for _, category := range categories {
		x.suppressed[category] = new(atomic.Uint64)
	}
	if len(rates) != 0 {
		x.limiter = catrate.NewLimiter(rates)
	}
	return &x
}

// limited returns the builder if the category is within its rate limit, otherwise it releases
// the builder and returns nil (which is safe to chain and log).
func (x *eventLogger) limited(category string, b *logiface.Builder[logiface.Event]) *logiface.Builder[logiface.Event] {
	if !b.Enabled() {
		return b
	}
	counter := x.suppressed[category]
	if _, ok := x.limiter.Allow(category); !ok {
		if counter != nil {
			counter.Add(1)
		}
		b.Release()
		return nil
	}
	if counter != nil {
		if n := counter.Swap(0); n != 0 {
			b = b.Uint64("suppressed", n)
		}
	}
	return b.Str("category", category)
}

// Suppressed returns the number of warnings currently withheld by the rate limiter, summed
// across categories. Each category's count resets when its next line is logged.
func (x *eventLogger) Suppressed() (n uint64) {
	for _, counter := range x.suppressed {
		n += counter.Load()
	}
	return n
}
