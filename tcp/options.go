//go:build linux || darwin

package tcp

import (
	"time"

	"github.com/joeycumines/go-ionet"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// options holds configuration shared by [Socket] and [Acceptor].
type options struct {
	logger    *logiface.Logger[logiface.Event]
	keepAlive time.Duration
	backlog   int
	noDelay   bool
	reuseAddr bool
}

// Option configures a [Socket] or [Acceptor]. Options that do not apply to
// the receiving type are ignored.
type Option interface {
	applyOption(*options) error
}

type optionImpl struct {
	applyOptionFunc func(*options) error
}

func (o *optionImpl) applyOption(opts *options) error {
	return o.applyOptionFunc(opts)
}

// WithLogger configures structured logging. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithNoDelay toggles TCP_NODELAY on connected sockets, including those
// accepted by an [Acceptor]. Enabled by default.
func WithNoDelay(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.noDelay = enabled
		return nil
	}}
}

// WithKeepAlive enables TCP keep-alive probes on connected sockets, with the
// given idle period (rounded up to whole seconds). Zero, the default,
// leaves the system setting alone.
func WithKeepAlive(idle time.Duration) Option {
	return &optionImpl{func(opts *options) error {
		if idle < 0 {
			return ionet.NewError(ionet.InvalidParam, "tcp.WithKeepAlive", nil)
		}
		opts.keepAlive = idle
		return nil
	}}
}

// WithBacklog sets the listen backlog of an [Acceptor]. Defaults to
// SOMAXCONN.
func WithBacklog(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return ionet.NewError(ionet.InvalidParam, "tcp.WithBacklog", nil)
		}
		opts.backlog = n
		return nil
	}}
}

// WithReuseAddr sets SO_REUSEADDR before binding, see [Socket.Bind] and
// [Acceptor.Listen].
func WithReuseAddr(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.reuseAddr = enabled
		return nil
	}}
}

func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		backlog: unix.SOMAXCONN,
		noDelay: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
