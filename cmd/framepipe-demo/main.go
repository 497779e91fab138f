// Command framepipe-demo runs a frame pipeline end to end: a simulated capture source feeds
// pooled buffers into a pipeline, paced at a simulated display refresh rate, rendering into an
// in-memory window. The surface can be attached, detached and resized over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joeycumines/go-framepipe"
	"github.com/joeycumines/go-framepipe/capture"
	"github.com/joeycumines/go-framepipe/pacer"
	"github.com/joeycumines/go-framepipe/softgpu"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"golang.org/x/sync/errgroup"
)

type options struct {
	LogLevel      string        `long:"log-level" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warning" choice:"err" description:"log level"`
	Backend       string        `long:"backend" default:"soft" choice:"soft" choice:"null" description:"GPU backend"`
	Listen        string        `long:"listen" default:"127.0.0.1:8080" description:"HTTP control address, empty to disable"`
	Width         int           `long:"width" default:"640" description:"initial surface width"`
	Height        int           `long:"height" default:"360" description:"initial surface height"`
	CaptureWidth  int           `long:"capture-width" default:"320" description:"captured frame width"`
	CaptureHeight int           `long:"capture-height" default:"240" description:"captured frame height"`
	Rotation      int           `long:"rotation" default:"0" description:"clockwise rotation reported by the capture source"`
	Mirrored      bool          `long:"mirrored" description:"mirror captured frames"`
	FPS           float64       `long:"fps" default:"30" description:"capture rate"`
	Refresh       float64       `long:"refresh" default:"60" description:"display refresh rate"`
	Depth         int           `long:"depth" default:"1" description:"pending frame depth, 1 is latest-wins"`
	PoolSize      int           `long:"pool-size" default:"4" description:"capture buffer pool size"`
	Duration      time.Duration `long:"duration" default:"0s" description:"exit after this long, 0 to run until interrupted"`
	Snapshot      string        `long:"snapshot" description:"write the final window contents to this PNG file"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger := newLogger(opts.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Crit().Err(err).Log("demo failed")
		os.Exit(1)
	}
}

func newLogger(level string) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(parseLevel(level)),
	).Logger()
}

func parseLevel(s string) logiface.Level {
	for _, level := range [...]logiface.Level{
		logiface.LevelTrace,
		logiface.LevelDebug,
		logiface.LevelInformational,
		logiface.LevelWarning,
		logiface.LevelError,
	} {
		if strings.EqualFold(level.String(), s) {
			return level
		}
	}
	return logiface.LevelInformational
}

// demo holds the wired components.
type demo struct {
	opts     options
	logger   *logiface.Logger[logiface.Event]
	pipeline *framepipe.Pipeline
	ticker   *pacer.Ticker
	window   *softgpu.Window
	pool     *capture.Pool
	source   *capture.Source
}

func newDemo(opts options, logger *logiface.Logger[logiface.Event]) (*demo, error) {
	d := demo{
		opts:   opts,
		logger: logger,
		ticker: pacer.NewTicker(opts.Refresh),
		window: softgpu.NewWindow("demo"),
	}

	var backend framepipe.Backend
	switch opts.Backend {
	case "null":
		backend = new(softgpu.Discard)
	default:
		backend = softgpu.New(softgpu.WithLogger(logger))
	}

	policy := framepipe.LatestWins()
	if opts.Depth > 1 {
		policy = framepipe.BoundedFIFO(opts.Depth)
	}

	var err error
	d.pipeline, err = framepipe.New(
		backend,
		framepipe.WithLogger(logger),
		framepipe.WithPolicy(policy),
		framepipe.WithPacer(d.ticker),
	)
	if err != nil {
		return nil, err
	}

	d.pool, err = capture.NewPool(opts.CaptureWidth, opts.CaptureHeight, opts.PoolSize)
	if err != nil {
		_ = d.pipeline.Close()
		return nil, err
	}

	d.source, err = capture.NewSource(
		d.pool,
		d.pipeline,
		capture.WithRate(opts.FPS),
		capture.WithOrientation(opts.Rotation, opts.Mirrored),
		capture.WithSourceLogger(logger),
	)
	if err != nil {
		_ = d.pipeline.Close()
		return nil, err
	}

	return &d, nil
}

func run(ctx context.Context, opts options, logger *logiface.Logger[logiface.Event]) error {
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	d, err := newDemo(opts, logger)
	if err != nil {
		return err
	}

	if err := d.pipeline.Attach(d.window, opts.Width, opts.Height); err != nil {
		_ = d.pipeline.Close()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.source.Run(ctx)
	})

	if opts.Listen != "" {
		server := &http.Server{
			Addr:              opts.Listen,
			Handler:           d.router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", opts.Listen).Log("http server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	if cerr := d.pipeline.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}

	d.report()

	if opts.Snapshot != "" {
		if serr := d.writeSnapshot(opts.Snapshot); serr != nil {
			err = errors.Join(err, serr)
		}
	}

	return err
}

// report logs the final accounting, flagging any buffer that was never released.
func (d *demo) report() {
	stats := d.pipeline.Stats()
	pool := d.pool.Stats()
	periodic, immediate := d.ticker.Ticks()

	b := d.logger.Info()
	if pool.Outstanding != 0 || pool.Violations != 0 || stats.Fed != stats.Released {
		b = d.logger.Err()
	}
	b.Uint64("fed", stats.Fed).
		Uint64("released", stats.Released).
		Uint64("uploads", stats.Uploads).
		Uint64("draws", stats.Draws).
		Uint64("catch_ups", stats.CatchUps).
		Uint64("ticks", periodic).
		Uint64("immediate_ticks", immediate).
		Int64("outstanding_buffers", pool.Outstanding).
		Uint64("violations", pool.Violations).
		Uint64("presents", d.window.Presents()).
		Log("pipeline accounting")
}

func (d *demo) writeSnapshot(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, d.window.Snapshot()); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return f.Close()
}
