// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package eventloop

import (
	"time"

	"github.com/joeycumines/go-ionet"
	"github.com/joeycumines/go-ionet/poll"
	"github.com/joeycumines/logiface"
)

// defaultMaxWait bounds a single backend wait, when no timer is due sooner.
const defaultMaxWait = 10 * time.Second

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger         *logiface.Logger[logiface.Event]
	sys            *poll.Sys
	warnRateLimits map[time.Duration]int
	maxWait        time.Duration
	backend        poll.Kind
	metricsEnabled bool
	edgeTriggered  bool
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithBackend selects the readiness backend. Defaults to poll.KindAuto, the
// platform's kernel queue.
func WithBackend(kind poll.Kind) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.backend = kind
		return nil
	}}
}

// WithEdgeTriggered requests edge-triggered delivery from the backend. Every
// handler registered with the loop MUST then drain its descriptor until it
// would block.
func WithEdgeTriggered(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.edgeTriggered = enabled
		return nil
	}}
}

// WithMaxWait caps how long a single backend wait may block, when no timer
// is due sooner. Defaults to 10 seconds.
func WithMaxWait(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return ionet.NewError(ionet.InvalidParam, "eventloop.WithMaxWait", nil)
		}
		opts.maxWait = d
		return nil
	}}
}

// WithLogger configures structured logging for the loop, and the backend it
// owns. A nil logger (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Loop.
// When enabled, metrics can be accessed via Loop.Metrics().
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithWarnRateLimits configures the sliding windows used to throttle
// repetitive warnings, e.g. recovered handler panics, per category. See
// [catrate.NewLimiter] for the format. A nil or empty map disables
// throttling.
//
// [catrate.NewLimiter]: https://pkg.go.dev/github.com/joeycumines/go-catrate#NewLimiter
func WithWarnRateLimits(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.warnRateLimits = rates
		return nil
	}}
}

// WithSys overrides the system calls used by the backend, see poll.WithSys.
func WithSys(sys *poll.Sys) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.sys = sys
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		backend: poll.KindAuto,
		maxWait: defaultMaxWait,
		warnRateLimits: map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
