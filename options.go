// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package framepipe

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

// options holds configuration for Executor and Pipeline creation.
type options struct {
	logger       *logiface.Logger[logiface.Event]
	id           string
	policy       Policy
	pacer        Pacer
	maxCatchUp   int
	newWaker     func() (Waker, error)
	dropLogRates map[time.Duration]int
	releaseHook  func(Frame, ReleaseReason)
}

// Option configures an Executor or a Pipeline. Options that only make sense for a Pipeline
// (e.g. [WithPolicy]) are ignored by [NewExecutor].
type Option interface {
	apply(*options) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error {
	return o.applyFunc(opts)
}

// WithLogger sets the structured logger. A nil logger disables logging, which is the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithID overrides the identifier attached to every log line, as the "pipeline" field.
// Defaults to a random UUID.
func WithID(id string) Option {
	return &optionImpl{func(opts *options) error {
		if id == "" {
			return errors.New("framepipe: id must not be empty")
		}
		opts.id = id
		return nil
	}}
}

// WithPolicy sets the pending frame policy, see [LatestWins] and [BoundedFIFO].
// Defaults to LatestWins.
func WithPolicy(policy Policy) Option {
	return &optionImpl{func(opts *options) error {
		if policy.depth <= 0 {
			return fmt.Errorf("framepipe: invalid policy depth: %d", policy.depth)
		}
		opts.policy = policy
		return nil
	}}
}

// WithPacer sets the pacing source. The pacer is started when a surface attaches, and stopped
// while it detaches. Without a pacer, [Pipeline.Drive] must be called explicitly.
func WithPacer(pacer Pacer) Option {
	return &optionImpl{func(opts *options) error {
		opts.pacer = pacer
		return nil
	}}
}

// WithMaxCatchUp bounds the number of immediate follow-up drives that may be scheduled, per
// pacing tick, while a backlog remains. Zero disables catch-up. Defaults to the policy depth.
func WithMaxCatchUp(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 0 {
			return fmt.Errorf("framepipe: invalid max catch-up: %d", n)
		}
		opts.maxCatchUp = n
		return nil
	}}
}

// WithWaker supplies the wake primitive directly. The executor takes ownership, and will close
// it once the worker exits.
func WithWaker(waker Waker) Option {
	return &optionImpl{func(opts *options) error {
		if waker == nil {
			return errors.New("framepipe: nil waker")
		}
		opts.newWaker = func() (Waker, error) { return waker, nil }
		return nil
	}}
}

// WithChannelWaker selects the portable channel-based waker instead of the platform's file
// descriptor based one.
func WithChannelWaker() Option {
	return &optionImpl{func(opts *options) error {
		opts.newWaker = func() (Waker, error) { return NewChannelWaker(), nil }
		return nil
	}}
}

// WithDropLogRates configures the per-category rate limits applied to dropped frame and task
// failure warnings. The rates are validated as per catrate.NewLimiter. An empty map disables
// rate limiting.
func WithDropLogRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *options) error {
		if len(rates) != 0 {
			if err := validateRates(rates); err != nil {
				return err
			}
		}
		opts.dropLogRates = rates
		return nil
	}}
}

// WithReleaseHook registers a callback, invoked after every buffer release, with the reason.
// It runs on whichever goroutine performed the release, and must not block.
func WithReleaseHook(hook func(Frame, ReleaseReason)) Option {
	return &optionImpl{func(opts *options) error {
		opts.releaseHook = hook
		return nil
	}}
}

// resolveOptions applies Option instances to options.
func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		policy:       LatestWins(),
		maxCatchUp:   -1, // default to the policy depth
		newWaker:     newDefaultWaker,
		dropLogRates: defaultDropLogRates,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.maxCatchUp < 0 {
		cfg.maxCatchUp = cfg.policy.depth
	}
	return cfg, nil
}
