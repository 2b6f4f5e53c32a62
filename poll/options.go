//go:build linux || darwin

package poll

import (
	"github.com/joeycumines/go-ionet"
	"github.com/joeycumines/logiface"
)

// defaultMaxEvents is the default size of the kernel queue event buffer, per
// wait pass.
const defaultMaxEvents = 256

// options holds configuration options for Backend creation.
type options struct {
	sys       *Sys
	logger    *logiface.Logger[logiface.Event]
	kind      Kind
	maxEvents int
	edge      bool
}

// Option configures a Backend instance.
type Option interface {
	applyPoll(*options) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyPollFunc func(*options) error
}

func (o *optionImpl) applyPoll(opts *options) error {
	return o.applyPollFunc(opts)
}

// WithKind selects the backend implementation. Defaults to [KindAuto].
func WithKind(kind Kind) Option {
	return &optionImpl{func(opts *options) error {
		if kind < KindAuto || kind > KindKqueue {
			return ionet.NewError(ionet.InvalidParam, "poll.WithKind", nil)
		}
		opts.kind = kind
		return nil
	}}
}

// WithEdgeTriggered requests edge-triggered delivery. Only the kernel queue
// backends support it, [New] fails with ionet.InvalidParam otherwise.
// Edge-triggered consumers MUST drain each descriptor until it would block.
func WithEdgeTriggered(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.edge = enabled
		return nil
	}}
}

// WithMaxEvents sets the maximum number of kernel events retrieved per wait
// pass (kernel queue backends only).
func WithMaxEvents(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return ionet.NewError(ionet.InvalidParam, "poll.WithMaxEvents", nil)
		}
		opts.maxEvents = n
		return nil
	}}
}

// WithSys overrides the system call capabilities used by the backend. The
// value is copied. A nil value restores [DefaultSys].
func WithSys(sys *Sys) Option {
	return &optionImpl{func(opts *options) error {
		opts.sys = sys
		return nil
	}}
}

// WithLogger configures structured logging of registration churn and wait
// errors. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// resolveOptions applies Option instances to options.
func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		kind:      KindAuto,
		maxEvents: defaultMaxEvents,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPoll(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.sys == nil {
		cfg.sys = DefaultSys()
	}
	if cfg.kind == KindAuto {
		cfg.kind = kernelKind
	}
	return cfg, nil
}

// New constructs the configured backend.
func New(opts ...Option) (Backend, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	switch cfg.kind {
	case KindSelect, KindPoll:
		if cfg.edge {
			return nil, ionet.NewError(ionet.InvalidParam, "poll.New", errLevelOnly)
		}
		if cfg.kind == KindSelect {
			return newSelectBackend(cfg), nil
		}
		return newPollBackend(cfg), nil
	case kernelKind:
		return newKernelBackend(cfg)
	default:
		return nil, ionet.NewError(ionet.InvalidParam, "poll.New", errUnsupported)
	}
}
